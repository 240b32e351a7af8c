// Package workers runs the long-lived parts of the bridge: the HTTP API, the
// pending-record monitor and the optional lock scanner.
package workers

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

// Manager runs workers until Shutdown. A worker that returns an error stops
// all of them.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger

	mu   sync.Mutex
	errs []error
}

func NewManager(ctx context.Context, logger *zap.Logger) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{ctx: ctx, cancel: cancel, logger: logger.Named("workers")}
}

func (m *Manager) Go(w Worker) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.logger.Info("Worker started", zap.String("worker", w.Name()))
		err := w.Run(m.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("Worker stopped with error, shutting down", zap.String("worker", w.Name()), zap.Error(err))
			m.mu.Lock()
			m.errs = append(m.errs, err)
			m.mu.Unlock()
			m.cancel()
			return
		}
		m.logger.Info("Worker stopped", zap.String("worker", w.Name()))
	}()
}

// Done is closed once shutdown has begun, by Shutdown or a failed worker.
func (m *Manager) Done() <-chan struct{} {
	return m.ctx.Done()
}

// Shutdown cancels every worker and waits up to timeout for them to return.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		return errors.New("timed out waiting for workers to stop")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return errors.Join(m.errs...)
}
