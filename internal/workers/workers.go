// Package workers manages the lifecycle of the goroutines that move packets
// between a session loop and its link or tunnel.
package workers

import (
	"errors"
	"sync"

	"github.com/6ccg/vpncore/internal/model"
)

// ErrShutdown is returned by operations interrupted by a shutdown.
var ErrShutdown = errors.New("worker is shutting down")

// Manager coordinates a group of workers. The zero value is not usable:
// construct with [NewManager].
type Manager struct {
	logger         model.Logger
	shouldShutdown chan struct{}
	shutdownOnce   sync.Once
	wg             sync.WaitGroup
}

// NewManager creates a new [Manager].
func NewManager(logger model.Logger) *Manager {
	if logger == nil {
		logger = model.DiscardLogger{}
	}
	return &Manager{
		logger:         logger,
		shouldShutdown: make(chan struct{}),
	}
}

// StartWorker starts fn in a goroutine. The worker must call
// [Manager.OnWorkerDone] when it returns.
func (m *Manager) StartWorker(fn func()) {
	m.wg.Add(1)
	go fn()
}

// OnWorkerDone tells the manager the named worker returned.
func (m *Manager) OnWorkerDone(name string) {
	m.logger.Debugf("%s: worker done", name)
	m.wg.Done()
}

// StartShutdown asks every worker to stop. It is idempotent.
func (m *Manager) StartShutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shouldShutdown)
	})
}

// ShouldShutdown returns the channel closed by [Manager.StartShutdown].
func (m *Manager) ShouldShutdown() <-chan struct{} {
	return m.shouldShutdown
}

// WaitWorkersShutdown blocks until every started worker is done.
func (m *Manager) WaitWorkersShutdown() {
	m.wg.Wait()
}
