package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// --- Dispatch Protocol Structs ---

// PollRequest is the body sent to the dispatch server when asking for work.
type PollRequest struct {
	ERC20Address string   `json:"erc20_address"`
	WorkflowIds  []string `json:"workflow_ids"`
}

// TaskRequest is one unit of assigned work as returned by /miner_request.
// A response with an empty TaskId (or a "running" message) means no work is
// available this cycle.
type TaskRequest struct {
	TaskId      string          `json:"task_id"`
	TaskType    string          `json:"task_type"`
	WorkflowId  string          `json:"workflow_id"`
	TaskDetails json.RawMessage `json:"task_details"`
	Credential  *Credentials    `json:"credential"`
	Msg         string          `json:"msg"`
}

// Parameters extracts the generation parameters from TaskDetails. The server
// sends the details either as a JSON object or as a string containing one; a
// top-level "prompt" key wins over the nested "parameters" object.
func (t *TaskRequest) Parameters() (map[string]any, error) {
	if len(t.TaskDetails) == 0 {
		return nil, errors.New("task has no details")
	}

	raw := t.TaskDetails
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		raw = []byte(asString)
	}

	var details struct {
		Prompt     *string        `json:"prompt"`
		Parameters map[string]any `json:"parameters"`
	}
	if err := json.Unmarshal(raw, &details); err != nil {
		return nil, fmt.Errorf("failed to parse task details: %w", err)
	}

	if details.Prompt != nil {
		return map[string]any{"prompt": *details.Prompt}, nil
	}
	return details.Parameters, nil
}

// TaskReport is the terminal record submitted to /miner_submit, exactly once
// per accepted task.
type TaskReport struct {
	Success          bool    `json:"success"`
	TaskId           string  `json:"task_id"`
	MinerId          string  `json:"miner_id"`
	Result           string  `json:"result"`
	InferenceLatency float64 `json:"inference_latency"`
	UploadLatency    float64 `json:"upload_latency"`
	Msg              string  `json:"msg"`
}

// --- Upload Credentials ---

type CredentialMethod string

const (
	CredentialS3           CredentialMethod = "s3"
	CredentialPresignedUrl CredentialMethod = "presigned-url"
	CredentialGateway      CredentialMethod = "gateway"
)

// Credentials is the tagged upload-credential contract: Method selects the
// transport and determines which of the remaining fields are required.
type Credentials struct {
	Method CredentialMethod `json:"method"`

	AccessKeyId     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	SessionToken    string `json:"session_token,omitempty"`
	Region          string `json:"region,omitempty"`

	PresignedUrl string `json:"presigned_url,omitempty"`

	GatewayUrl string `json:"gateway_url,omitempty"`
}

func (c *Credentials) Validate() error {
	switch c.Method {
	case CredentialS3:
		if c.AccessKeyId == "" || c.SecretAccessKey == "" {
			return errors.New("s3 credentials require access_key_id and secret_access_key")
		}
	case CredentialPresignedUrl:
		if c.PresignedUrl == "" {
			return errors.New("presigned-url credentials require presigned_url")
		}
	case CredentialGateway:
		if c.GatewayUrl == "" || c.AccessKeyId == "" || c.SecretAccessKey == "" {
			return errors.New("gateway credentials require gateway_url, access_key_id and secret_access_key")
		}
	default:
		return fmt.Errorf("unknown credential method %q", c.Method)
	}
	return nil
}

// --- Task Stage Results ---

// ExecutionResult is produced by a pipeline run.
type ExecutionResult struct {
	OutputPath       string
	InferenceLatency float64
}

// UploadOutcome reports where a result landed. Ok is false (and UploadLatency
// zero) on any upload failure.
type UploadOutcome struct {
	StorageKey    string
	UploadLatency float64
	Ok            bool
}
