package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"miner-backend/pkg/models"
)

const (
	defaultPollTimeout   = 10 * time.Second
	defaultSubmitTimeout = 10 * time.Second
	defaultMaxRetries    = 3
	defaultBaseWait      = 2 * time.Second
)

// Client talks to the remote task-dispatch server: it polls for work with
// bounded retry/backoff and submits terminal task reports.
type Client struct {
	http         *resty.Client
	minerAddress string
	workflowIds  []string

	maxRetries int
	baseWait   time.Duration

	// connected tracks server reachability for transition logging only; it
	// never drives control flow.
	connected bool
}

func NewClient(baseUrl, minerAddress string, workflowIds []string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseUrl).
			SetTimeout(defaultPollTimeout).
			SetHeader("Content-Type", "application/json"),
		minerAddress: minerAddress,
		workflowIds:  workflowIds,
		maxRetries:   defaultMaxRetries,
		baseWait:     defaultBaseWait,
		connected:    true,
	}
}

// PollForTask asks the server for work. Nil means no task this cycle: the
// server had nothing, a task is already running for this miner, or all retry
// attempts were exhausted. Each failed attempt waits baseWait·2^attempt
// before the next; unexpected errors abort immediately without retrying.
func (c *Client) PollForTask(ctx context.Context) *models.TaskRequest {
	body := models.PollRequest{
		ERC20Address: c.minerAddress,
		WorkflowIds:  c.workflowIds,
	}

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		var task models.TaskRequest
		res, err := c.http.R().
			SetContext(ctx).
			SetBody(body).
			SetResult(&task).
			Post("/miner_request")

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// A response we could not make sense of is not a connectivity
			// problem; give up on this cycle instead of retrying.
			if res != nil && res.StatusCode() != 0 {
				slog.Error("unexpected poll error", "error", err)
				c.connected = false
				return nil
			}
			wait := c.backoff(attempt)
			if c.connected {
				slog.Error("lost connection to dispatch server", "error", err)
				c.connected = false
			}
			slog.Warn("poll request failed, retrying", "error", err, "wait", wait)
			if !sleepCtx(ctx, wait) {
				return nil
			}
			continue
		}

		if res.IsSuccess() {
			if !c.connected {
				slog.Info("connection to dispatch server restored")
				c.connected = true
			}
			if task.TaskId == "" || strings.Contains(task.Msg, "running") {
				return nil
			}
			return &task
		}

		wait := c.backoff(attempt)
		slog.Warn("poll request rejected, retrying", "status", res.StatusCode(), "wait", wait)
		c.connected = false
		if !sleepCtx(ctx, wait) {
			return nil
		}
	}

	if c.connected {
		slog.Error("lost connection to dispatch server: max retries reached")
		c.connected = false
	}
	return nil
}

// ReportResult submits the terminal record for a task. Fire and forget: a
// lost report is tolerated, the server reconciles on the next poll.
func (c *Client) ReportResult(ctx context.Context, report models.TaskReport) {
	submitCtx, cancel := context.WithTimeout(ctx, defaultSubmitTimeout)
	defer cancel()

	res, err := c.http.R().
		SetContext(submitCtx).
		SetBody(report).
		Post("/miner_submit")
	if err != nil {
		slog.Error("failed to submit task result", "task_id", report.TaskId, "error", err)
		return
	}
	if !res.IsSuccess() {
		slog.Error("task result rejected", "task_id", report.TaskId, "status", res.StatusCode())
		return
	}
	slog.Info("task result submitted", "task_id", report.TaskId, "success", report.Success)
}

func (c *Client) backoff(attempt int) time.Duration {
	return c.baseWait * (1 << attempt)
}

// sleepCtx waits for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
