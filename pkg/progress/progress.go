// Package progress is the channel between a long running install and the
// callers polling or cancelling it.
package progress

import (
	"sync"
	"sync/atomic"
)

// Status of the current step.
type Status int

const (
	StatusIdle Status = iota
	StatusWorking
	StatusComplete
)

func (s Status) String() string {
	switch s {
	case StatusWorking:
		return "working"
	case StatusComplete:
		return "complete"
	default:
		return "idle"
	}
}

// Progress is a point-in-time copy of the shared record.
type Progress struct {
	Step           string
	Status         Status
	BytesProcessed uint64
	TotalBytes     uint64
}

// Permille is the completed fraction in tenths of a percent.
func (p Progress) Permille() uint64 {
	if p.TotalBytes == 0 {
		return 0
	}
	return p.BytesProcessed * 1000 / p.TotalBytes
}

// Channel carries progress and the abort request. Progress has its own lock
// so polling never waits on the installer.
type Channel struct {
	mu    sync.Mutex
	p     Progress
	abort atomic.Bool
}

// New returns an idle channel.
func New() *Channel {
	return &Channel{}
}

// StartAsyncOperation resets the record for a new step.
func (c *Channel) StartAsyncOperation(step string, total uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.p = Progress{Step: step, Status: StatusWorking, TotalBytes: total}
}

// Update records bytes processed for the current step. Completing a step
// marks all of its bytes processed.
func (c *Channel) Update(status Status, processed uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.p.Status = status
	if status == StatusComplete {
		c.p.BytesProcessed = c.p.TotalBytes
		return
	}
	c.p.BytesProcessed = processed
}

// Reset clears the record.
func (c *Channel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.p = Progress{}
}

// Snapshot returns a copy of the record.
func (c *Channel) Snapshot() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.p
}

func (c *Channel) RequestAbort() { c.abort.Store(true) }

func (c *Channel) ClearAbort() { c.abort.Store(false) }

func (c *Channel) ShouldAbort() bool { return c.abort.Load() }
