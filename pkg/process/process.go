package process

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sf7293/task-scheduler/internal/errval"
	"github.com/sf7293/task-scheduler/pkg/email"
	"github.com/sf7293/task-scheduler/pkg/query"
)

// TypeKey is the metadata key naming the process that handles a task.
const TypeKey = "type"

const (
	SendEmail = "send_email"
	RunQuery  = "run_query"
)

type Process interface {
	Execute(ctx context.Context, params map[string]string) (string, error)
}

// Registry dispatches a task to the Process registered for its metadata type.
type Registry struct {
	mu        sync.RWMutex
	processes map[string]Process
}

func NewRegistry() *Registry {
	return &Registry{processes: make(map[string]Process)}
}

// NewDefaultRegistry registers the built-in send_email and run_query processes.
func NewDefaultRegistry(delay time.Duration) *Registry {
	r := NewRegistry()
	r.Register(SendEmail, email.NewSendEmailTask(delay))

	random := rand.New(rand.NewSource(time.Now().UnixNano()))
	var randomMu sync.Mutex
	randomFunc := func() int {
		randomMu.Lock()
		defer randomMu.Unlock()
		return random.Intn(100) + 1
	}
	r.Register(RunQuery, query.NewRunQueryTask(randomFunc, delay))

	return r
}

func (r *Registry) Register(taskType string, process Process) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.processes[taskType] = process
}

// Handle runs the process for metadata["type"]. An unknown type is a permanent
// failure and is never retried.
func (r *Registry) Handle(ctx context.Context, metadata map[string]string) (string, error) {
	taskType := metadata[TypeKey]

	r.mu.RLock()
	process, ok := r.processes[taskType]
	r.mu.RUnlock()

	if !ok {
		return "", backoff.Permanent(fmt.Errorf("%w: %q", errval.ErrInvalidTaskType, taskType))
	}

	return process.Execute(ctx, metadata)
}
