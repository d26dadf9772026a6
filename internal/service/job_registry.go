package service

import (
	"sync"

	"golang.org/x/net/context"
)

// JobRegistry tracks the cancel funcs of archive jobs running in this
// process. Cancellation from another instance is handled by the status flip
// in the database; the registry only short-circuits local work.
type JobRegistry struct {
	mu   sync.Mutex
	jobs map[uint64]context.CancelFunc
}

var Jobs = NewJobRegistry()

func NewJobRegistry() *JobRegistry {
	return &JobRegistry{jobs: make(map[uint64]context.CancelFunc)}
}

// Register derives a cancellable context for the job and remembers its
// cancel func until Remove is called.
func (r *JobRegistry) Register(jobID uint64, parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	r.jobs[jobID] = cancel
	r.mu.Unlock()
	return ctx, cancel
}

// Cancel fires the job's cancel func if it runs here. Returns whether the
// job was found locally.
func (r *JobRegistry) Cancel(jobID uint64) bool {
	r.mu.Lock()
	cancel, ok := r.jobs[jobID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (r *JobRegistry) Remove(jobID uint64) {
	r.mu.Lock()
	delete(r.jobs, jobID)
	r.mu.Unlock()
}

// CancelAll is called on shutdown so in-flight jobs unwind quickly.
func (r *JobRegistry) CancelAll() {
	r.mu.Lock()
	for _, cancel := range r.jobs {
		cancel()
	}
	r.mu.Unlock()
}
