package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blueberrycongee/llmgate/internal/observability"
)

// TaskState is the lifecycle of an async (video) generation task.
type TaskState string

// Task states.
const (
	TaskSubmitted TaskState = "submitted"
	TaskPolling   TaskState = "polling"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Task is one async generation job with its frozen billing snapshot.
type Task struct {
	ID        string
	RequestID string
	Model     string

	ProviderID string
	KeyID      string

	// Operation is the upstream handle used for polling and cancellation.
	Operation string

	State    TaskState
	Snapshot *Snapshot

	// Dimensions accumulate while the task runs; pricing reads them at
	// finalization.
	Dimensions map[string]any

	ArtifactURL string
	CostUSD     float64
	Error       string

	SubmittedAt time.Time
	FinalizedAt time.Time
	PollCount   int
}

// Config tunes task billing and polling.
type Config struct {
	// RequireRule rejects submissions without a matching billing rule.
	RequireRule bool
	// StrictMode voids the cost and fails the task when a required
	// dimension is missing at finalization.
	StrictMode bool

	PollInterval time.Duration
	MaxPollCount int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RequireRule:  true,
		StrictMode:   true,
		PollInterval: 5 * time.Second,
		MaxPollCount: 120,
	}
}

// PollFunc checks the upstream operation once. done=true hands the final
// dimensions (merged over the task's collected ones) and artifact URL back
// to the task manager.
type PollFunc func(ctx context.Context, task *Task) (done bool, dims map[string]any, artifactURL string, err error)

// Tasks tracks in-flight async tasks for one process.
type Tasks struct {
	mu     sync.Mutex
	cfg    Config
	tasks  map[string]*Task
	logger *observability.Logger
	now    func() time.Time
}

// NewTasks creates a task manager.
func NewTasks(cfg Config, logger *observability.Logger) *Tasks {
	if cfg.PollInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Tasks{cfg: cfg, tasks: make(map[string]*Task), logger: logger, now: time.Now}
}

// Submit registers a task, freezing the billing rule at this instant.
func (t *Tasks) Submit(task Task, rule *Rule) (*Task, error) {
	if rule == nil {
		if t.cfg.RequireRule {
			return nil, fmt.Errorf("no billing rule for model %q", task.Model)
		}
	} else {
		task.Snapshot = Freeze(rule, t.now())
	}
	task.State = TaskSubmitted
	task.SubmittedAt = t.now()
	if task.Dimensions == nil {
		task.Dimensions = make(map[string]any)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.tasks[task.ID]; exists {
		return nil, fmt.Errorf("task %q already submitted", task.ID)
	}
	cp := task
	t.tasks[task.ID] = &cp
	return &cp, nil
}

// Get returns a copy of the task.
func (t *Tasks) Get(id string) (Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// Poll drives one task to completion, checking the upstream at the
// configured interval up to the poll budget. It blocks until the task is
// terminal, the budget is exhausted, or ctx is cancelled.
func (t *Tasks) Poll(ctx context.Context, id string, poll PollFunc) error {
	t.setState(id, TaskPolling)

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.fail(id, "polling cancelled")
			return ctx.Err()
		case <-ticker.C:
		}

		task, ok := t.Get(id)
		if !ok {
			return fmt.Errorf("task %q not found", id)
		}
		if task.State != TaskPolling {
			return nil
		}
		if task.PollCount >= t.cfg.MaxPollCount {
			t.fail(id, "poll budget exhausted")
			return fmt.Errorf("task %q exceeded %d polls", id, t.cfg.MaxPollCount)
		}
		t.bumpPoll(id)

		done, dims, artifact, err := poll(ctx, &task)
		if err != nil {
			if t.logger != nil {
				t.logger.Warn("task poll failed", "task_id", id, "error", err)
			}
			continue
		}
		if !done {
			continue
		}
		return t.Finalize(id, dims, artifact)
	}
}

// Finalize prices the task against its frozen snapshot. In strict mode an
// unevaluable rule fails the task and voids the artifact; the cost is zero
// unless evaluation completes.
func (t *Tasks) Finalize(id string, dims map[string]any, artifactURL string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, ok := t.tasks[id]
	if !ok {
		return fmt.Errorf("task %q not found", id)
	}
	if task.State == TaskCompleted || task.State == TaskFailed || task.State == TaskCancelled {
		return nil
	}

	for k, v := range dims {
		task.Dimensions[k] = v
	}
	task.FinalizedAt = t.now()

	if task.Snapshot == nil {
		task.State = TaskCompleted
		task.ArtifactURL = artifactURL
		task.CostUSD = 0
		return nil
	}

	cost, err := task.Snapshot.Evaluate(task.Dimensions, t.cfg.StrictMode)
	if err != nil {
		task.State = TaskFailed
		task.Error = err.Error()
		task.CostUSD = 0
		task.ArtifactURL = "" // voided
		return err
	}
	task.State = TaskCompleted
	task.ArtifactURL = artifactURL
	task.CostUSD = cost
	return nil
}

// Cancel marks the task cancelled; nothing is billed.
func (t *Tasks) Cancel(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if task, ok := t.tasks[id]; ok && task.State != TaskCompleted {
		task.State = TaskCancelled
		task.FinalizedAt = t.now()
	}
}

func (t *Tasks) setState(id string, st TaskState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if task, ok := t.tasks[id]; ok {
		task.State = st
	}
}

func (t *Tasks) bumpPoll(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if task, ok := t.tasks[id]; ok {
		task.PollCount++
	}
}

func (t *Tasks) fail(id, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if task, ok := t.tasks[id]; ok && task.State == TaskPolling {
		task.State = TaskFailed
		task.Error = msg
		task.CostUSD = 0
		task.FinalizedAt = t.now()
	}
}
