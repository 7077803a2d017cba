package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// StageOutput records one completed stage. The slice order on Run is the
// execution order.
type StageOutput struct {
	Stage       string         `json:"stage"`
	Output      map[string]any `json:"output"`
	CompletedAt time.Time      `json:"completedAt"`
}

// Run tracks one workflow invocation stage by stage. A Run is owned by the
// invocation that created it and never shared across concurrent requests.
type Run struct {
	ID           uuid.UUID     `json:"id"`
	Kind         string        `json:"kind"`
	CurrentStage string        `json:"currentStage"`
	Stages       []StageOutput `json:"stages"`
	Status       Status        `json:"status"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

func NewRun(kind string) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:        uuid.New(),
		Kind:      kind,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (r *Run) recordStage(name string, output map[string]any) {
	r.Stages = append(r.Stages, StageOutput{
		Stage:       name,
		Output:      output,
		CompletedAt: time.Now().UTC(),
	})
	r.UpdatedAt = time.Now().UTC()
}

func (r *Run) complete() {
	r.Status = StatusCompleted
	r.CurrentStage = ""
	r.UpdatedAt = time.Now().UTC()
}

func (r *Run) fail(stage string, err error) {
	r.Status = StatusFailed
	r.CurrentStage = stage
	r.Error = err.Error()
	r.UpdatedAt = time.Now().UTC()
}

// Store persists runs for observability and post-mortem retry decisions.
type Store interface {
	Save(ctx context.Context, run *Run) error
	Get(ctx context.Context, id uuid.UUID) (*Run, error)
}

// MemoryStore is mostly for tests and local dev.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]Run
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[uuid.UUID]Run)}
}

func (m *MemoryStore) Save(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	return &run, nil
}
