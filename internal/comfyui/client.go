package comfyui

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"miner-backend/internal/workflow"
	"miner-backend/pkg/models"
)

// Client talks to a local ComfyUI server: liveness probe, job submission,
// completion wait over the websocket event channel, and artifact resolution
// through the history endpoint.
type Client struct {
	serverAddr string
	outputRoot string
	http       *resty.Client
	files      *resty.Client
	dialer     *websocket.Dialer
}

// NewClient configures a client for a ComfyUI server. outputRoot is the
// server's installation root; artifacts are resolved under its output/
// directory.
func NewClient(host string, port int, outputRoot string) *Client {
	addr := fmt.Sprintf("%s:%d", host, port)
	return &Client{
		serverAddr: addr,
		outputRoot: outputRoot,
		http: resty.New().
			SetBaseURL("http://" + addr).
			SetTimeout(10 * time.Second),
		files:  resty.New().SetTimeout(2 * time.Minute),
		dialer: websocket.DefaultDialer,
	}
}

// IsHealthy probes the server's liveness endpoint. Failures during startup
// probes are expected and not logged.
func (c *Client) IsHealthy(ctx context.Context, startupProbe bool) bool {
	res, err := c.http.R().SetContext(ctx).Get("/object_info")
	if err != nil {
		if !startupProbe {
			slog.Error("connection error during health check", "error", err)
		}
		return false
	}
	return res.IsSuccess()
}

// RunPipeline executes one workflow: inject the task parameters into the
// pipeline graph, queue it, block until the completion event for this job
// arrives, then resolve the produced artifact. All files staged for the run
// are released before returning, whatever the outcome.
//
// The completion wait carries no timeout: a stalled backend stalls this call.
func (c *Client) RunPipeline(ctx context.Context, desc *workflow.Descriptor, params map[string]any) (models.ExecutionResult, error) {
	start := time.Now()

	sc, err := newScratch()
	if err != nil {
		return models.ExecutionResult{}, err
	}
	defer sc.Release()

	graph, err := LoadGraph(desc.PipelinePath)
	if err != nil {
		return models.ExecutionResult{}, err
	}
	pm, err := workflow.LoadParamMap(desc.ParamMapPath)
	if err != nil {
		return models.ExecutionResult{}, err
	}
	args, err := pm.PrepareArgs(params)
	if err != nil {
		return models.ExecutionResult{}, err
	}
	injected, err := c.injectArgs(graph, pm, args, sc)
	if err != nil {
		return models.ExecutionResult{}, err
	}

	// Subscribe before queueing so the completion event cannot be missed.
	correlationId := uuid.NewString()
	conn, err := c.subscribe(ctx, correlationId)
	if err != nil {
		return models.ExecutionResult{}, err
	}
	defer conn.Close()

	promptId, err := c.queuePrompt(ctx, injected, correlationId)
	if err != nil {
		return models.ExecutionResult{}, err
	}
	slog.Info("pipeline queued", "workflow_id", desc.Id, "prompt_id", promptId)

	if err := awaitCompletion(conn, promptId); err != nil {
		return models.ExecutionResult{}, err
	}

	outputPath, err := c.resolveOutput(ctx, promptId, pm.OutputNodeId)
	if err != nil {
		return models.ExecutionResult{}, err
	}

	return models.ExecutionResult{
		OutputPath:       outputPath,
		InferenceLatency: time.Since(start).Seconds(),
	}, nil
}

func (c *Client) subscribe(ctx context.Context, correlationId string) (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: c.serverAddr, Path: "/ws", RawQuery: "clientId=" + correlationId}
	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to backend events: %w", err)
	}
	return conn, nil
}

func (c *Client) queuePrompt(ctx context.Context, g Graph, correlationId string) (string, error) {
	var queued struct {
		PromptId string `json:"prompt_id"`
	}
	res, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"prompt": g, "client_id": correlationId}).
		SetResult(&queued).
		Post("/prompt")
	if err != nil {
		return "", fmt.Errorf("failed to queue pipeline: %w", err)
	}
	if !res.IsSuccess() {
		return "", fmt.Errorf("backend denied job: status %d: %s", res.StatusCode(), res.String())
	}
	if queued.PromptId == "" {
		return "", fmt.Errorf("backend returned no prompt id")
	}
	return queued.PromptId, nil
}

// awaitCompletion reads backend events until the "executing" event with a
// null node arrives for this prompt id, which signals the job is done. Binary
// frames are previews and are skipped.
func awaitCompletion(conn *websocket.Conn, promptId string) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("backend event channel closed while waiting for completion: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var event struct {
			Type string `json:"type"`
			Data struct {
				Node     json.RawMessage `json:"node"`
				PromptId string          `json:"prompt_id"`
			} `json:"data"`
		}
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}
		if event.Type == "executing" && event.Data.PromptId == promptId && isJsonNull(event.Data.Node) {
			return nil
		}
	}
}

func isJsonNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

type historyOutputs struct {
	Images []outputFile `json:"images"`
	Gifs   []outputFile `json:"gifs"`
}

type outputFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
}

// resolveOutput fetches the job's history record and returns the absolute
// path of the first artifact produced by the designated output node.
func (c *Client) resolveOutput(ctx context.Context, promptId string, outputNodeId int) (string, error) {
	var history map[string]struct {
		Outputs map[string]historyOutputs `json:"outputs"`
	}
	res, err := c.http.R().SetContext(ctx).SetResult(&history).Get("/history/" + promptId)
	if err != nil {
		return "", fmt.Errorf("failed to fetch job history: %w", err)
	}
	if !res.IsSuccess() {
		return "", fmt.Errorf("failed to fetch job history: status %d", res.StatusCode())
	}

	entry, ok := history[promptId]
	if !ok {
		return "", fmt.Errorf("no history recorded for prompt %s", promptId)
	}
	nodeId := strconv.Itoa(outputNodeId)
	node, ok := entry.Outputs[nodeId]
	if !ok {
		return "", fmt.Errorf("no output found for node id %s", nodeId)
	}

	files := node.Images
	if len(files) == 0 {
		files = node.Gifs
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no outputs generated")
	}

	outputPath := filepath.Join(c.outputRoot, "output", files[0].Subfolder, files[0].Filename)
	if _, err := os.Stat(outputPath); err != nil {
		return "", fmt.Errorf("output file not found: %s", outputPath)
	}
	return outputPath, nil
}
