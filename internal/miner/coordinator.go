package miner

import (
	"context"
	"fmt"
	"log/slog"

	"miner-backend/internal/workflow"
	"miner-backend/pkg/models"
)

// Registry resolves workflow ids to their descriptors.
type Registry interface {
	Resolve(id string) (*workflow.Descriptor, bool)
	IsTaskTypeValid(id, taskType string) bool
}

// PipelineRunner executes generation pipelines and reports backend liveness.
type PipelineRunner interface {
	IsHealthy(ctx context.Context, startupProbe bool) bool
	RunPipeline(ctx context.Context, desc *workflow.Descriptor, params map[string]any) (models.ExecutionResult, error)
}

// ResultUploader converts and transmits task artifacts.
type ResultUploader interface {
	Convert(path, taskType string) string
	Upload(ctx context.Context, task *models.TaskRequest, desc *workflow.Descriptor, localPath string) models.UploadOutcome
}

// Dispatcher is the task-dispatch server surface the coordinator needs.
type Dispatcher interface {
	PollForTask(ctx context.Context) *models.TaskRequest
	ReportResult(ctx context.Context, report models.TaskReport)
}

// Coordinator runs one accepted task end to end: validate, execute, upload,
// report. Stages are strictly sequential and short-circuit on the first
// failure; whatever happens, exactly one report leaves for the server.
type Coordinator struct {
	minerAddress string
	registry     Registry
	runner       PipelineRunner
	uploader     ResultUploader
	dispatch     Dispatcher
}

func NewCoordinator(minerAddress string, registry Registry, runner PipelineRunner, uploader ResultUploader, dispatch Dispatcher) *Coordinator {
	return &Coordinator{
		minerAddress: minerAddress,
		registry:     registry,
		runner:       runner,
		uploader:     uploader,
		dispatch:     dispatch,
	}
}

// HandleTask processes a task and submits its terminal report. Nothing
// escapes into the caller: failures, including panics inside a stage, become
// failure reports.
func (c *Coordinator) HandleTask(ctx context.Context, task *models.TaskRequest) {
	slog.Info("starting task", "task_id", task.TaskId, "workflow_id", task.WorkflowId, "task_type", task.TaskType)
	c.dispatch.ReportResult(ctx, c.runTask(ctx, task))
}

func (c *Coordinator) runTask(ctx context.Context, task *models.TaskRequest) (report models.TaskReport) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task processing panicked", "task_id", task.TaskId, "panic", r)
			report = c.failure(task, fmt.Sprintf("task processing failed: %v", r))
		}
	}()

	if task.WorkflowId == "" {
		slog.Error("missing workflow_id", "task_id", task.TaskId)
		return c.failure(task, "Missing workflow_id")
	}
	desc, ok := c.registry.Resolve(task.WorkflowId)
	if !ok {
		slog.Error("no configuration for workflow", "task_id", task.TaskId, "workflow_id", task.WorkflowId)
		return c.failure(task, "Invalid workflow configuration")
	}
	if !c.registry.IsTaskTypeValid(task.WorkflowId, task.TaskType) {
		slog.Error("invalid task type for workflow", "task_id", task.TaskId, "workflow_id", task.WorkflowId, "task_type", task.TaskType)
		return c.failure(task, "Invalid task type for workflow")
	}

	params, err := task.Parameters()
	if err != nil || len(params) == 0 {
		slog.Error("missing or invalid task parameters", "task_id", task.TaskId, "error", err)
		return c.failure(task, "Failed to extract parameters")
	}

	if task.Credential == nil {
		slog.Error("no credentials provided in task data", "task_id", task.TaskId)
		return c.failure(task, "Missing credentials")
	}
	if err := task.Credential.Validate(); err != nil {
		slog.Error("invalid upload credentials", "task_id", task.TaskId, "error", err)
		return c.failure(task, "Missing credentials")
	}

	exec, err := c.runner.RunPipeline(ctx, desc, params)
	if err != nil {
		slog.Error("task execution failed", "task_id", task.TaskId, "error", err)
		return c.failure(task, err.Error())
	}
	slog.Info("pipeline executed", "task_id", task.TaskId, "latency", exec.InferenceLatency)

	converted := c.uploader.Convert(exec.OutputPath, task.TaskType)
	outcome := c.uploader.Upload(ctx, task, desc, converted)
	if !outcome.Ok {
		slog.Error("failed to upload result", "task_id", task.TaskId)
		report = c.failure(task, "Upload failed")
		report.InferenceLatency = exec.InferenceLatency
		return report
	}

	return models.TaskReport{
		Success:          true,
		TaskId:           task.TaskId,
		MinerId:          c.minerAddress,
		Result:           outcome.StorageKey,
		InferenceLatency: exec.InferenceLatency,
		UploadLatency:    outcome.UploadLatency,
	}
}

func (c *Coordinator) failure(task *models.TaskRequest, msg string) models.TaskReport {
	return models.TaskReport{
		Success: false,
		TaskId:  task.TaskId,
		MinerId: c.minerAddress,
		Msg:     msg,
	}
}
