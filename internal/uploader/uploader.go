package uploader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-resty/resty/v2"

	"miner-backend/internal/workflow"
	"miner-backend/pkg/models"
)

const (
	videoKeyRoot = "test-video"
	imageKeyRoot = "flux-lora"

	defaultRegion  = "us-east-1"
	gatewayService = "execute-api"
)

// Uploader converts raw pipeline artifacts to their delivery encoding and
// transmits them to object storage. The transport is chosen per task by the
// credential method the dispatch server supplied.
type Uploader struct {
	minerAddress string
	bucket       string
	http         *resty.Client
	gateway      *http.Client
}

func New(minerAddress, bucket string) *Uploader {
	return &Uploader{
		minerAddress: minerAddress,
		bucket:       bucket,
		http:         resty.New().SetTimeout(2 * time.Minute),
		gateway:      &http.Client{Timeout: 2 * time.Minute},
	}
}

// StorageKey builds the destination key for a task's artifact: video outputs
// use {prefix}-{miner}-{task}.{extension}, image outputs {task}.jpg.
func (u *Uploader) StorageKey(taskId, taskType string, out workflow.OutputConfig) string {
	if taskType == "txt2vid" {
		return fmt.Sprintf("%s/%s-%s-%s.%s", videoKeyRoot, out.Prefix, u.minerAddress, taskId, out.Extension)
	}
	return fmt.Sprintf("%s/%s.jpg", imageKeyRoot, taskId)
}

// Upload transmits the artifact and returns its storage key with the transfer
// latency. Failures yield Ok=false; errors never escape this boundary.
func (u *Uploader) Upload(ctx context.Context, task *models.TaskRequest, desc *workflow.Descriptor, localPath string) models.UploadOutcome {
	key := u.StorageKey(task.TaskId, task.TaskType, desc.Output)
	outcome := models.UploadOutcome{StorageKey: key}

	if task.Credential == nil {
		slog.Error("no upload credentials on task", "task_id", task.TaskId)
		return outcome
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		slog.Error("failed to read artifact for upload", "task_id", task.TaskId, "path", localPath, "error", err)
		return outcome
	}

	start := time.Now()
	switch task.Credential.Method {
	case models.CredentialS3:
		err = u.putObject(ctx, task.Credential, key, data)
	case models.CredentialPresignedUrl:
		err = u.putPresigned(ctx, task.Credential.PresignedUrl, data)
	case models.CredentialGateway:
		err = u.postGateway(ctx, task.Credential, key, data)
	default:
		err = fmt.Errorf("unknown credential method %q", task.Credential.Method)
	}
	if err != nil {
		slog.Error("failed to upload artifact", "task_id", task.TaskId, "key", key, "error", err)
		return outcome
	}

	outcome.UploadLatency = time.Since(start).Seconds()
	outcome.Ok = true
	slog.Info("artifact uploaded", "task_id", task.TaskId, "key", key)
	return outcome
}

// putObject is a direct PUT to the configured bucket with the task-scoped
// static credentials.
func (u *Uploader) putObject(ctx context.Context, cred *models.Credentials, key string, data []byte) error {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(regionOrDefault(cred.Region)),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cred.AccessKeyId, cred.SecretAccessKey, cred.SessionToken)),
	)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	uploader := manager.NewUploader(s3.NewFromConfig(cfg))
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to upload object to s3://%s/%s: %w", u.bucket, key, err)
	}
	return nil
}

func (u *Uploader) putPresigned(ctx context.Context, presignedUrl string, data []byte) error {
	res, err := u.http.R().SetContext(ctx).SetBody(data).Put(presignedUrl)
	if err != nil {
		return fmt.Errorf("failed to upload to presigned url: %w", err)
	}
	if !res.IsSuccess() {
		return fmt.Errorf("presigned upload failed: status %d: %s", res.StatusCode(), res.String())
	}
	return nil
}

// postGateway submits the artifact to the storage gateway as a SigV4-signed
// request, the contract the dispatch server's signing credentials expect.
func (u *Uploader) postGateway(ctx context.Context, cred *models.Credentials, key string, data []byte) error {
	body, err := json.Marshal(map[string]string{
		"file":     base64.StdEncoding.EncodeToString(data),
		"filename": key,
	})
	if err != nil {
		return fmt.Errorf("failed to encode gateway payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cred.GatewayUrl, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	payloadHash := sha256.Sum256(body)
	signer := v4.NewSigner()
	err = signer.SignHTTP(ctx, aws.Credentials{
		AccessKeyID:     cred.AccessKeyId,
		SecretAccessKey: cred.SecretAccessKey,
		SessionToken:    cred.SessionToken,
	}, req, hex.EncodeToString(payloadHash[:]), gatewayService, regionOrDefault(cred.Region), time.Now())
	if err != nil {
		return fmt.Errorf("failed to sign gateway request: %w", err)
	}

	res, err := u.gateway.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload via gateway: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway upload failed: status %d", res.StatusCode)
	}
	return nil
}

func regionOrDefault(region string) string {
	if region == "" {
		return defaultRegion
	}
	return region
}
