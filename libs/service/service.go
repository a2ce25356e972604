package service

import (
	"context"
	"errors"
	"sync"

	"github.com/tendermint/blockpuller/libs/log"
)

var (
	// ErrAlreadyStopped is returned when somebody tries to stop an already
	// stopped service (without resetting it).
	ErrAlreadyStopped = errors.New("already stopped")

	_ Service = (*BaseService)(nil)
)

// Service defines a service that can be started and stopped.
type Service interface {
	// Start is called to start the service, which should run until
	// the context terminates. If the service is already running, Start
	// must report an error.
	Start(context.Context) error

	// Manually terminates the service by canceling the context that
	// was passed to Start.
	Stop()

	// Return true if the service is running
	IsRunning() bool

	// Wait blocks until the service is stopped.
	Wait()
}

// Implementation describes the implementation that the
// BaseService implementation wraps.
type Implementation interface {
	// Called by the Services Start Method
	OnStart(context.Context) error

	// Called when the service's context is canceled.
	OnStop()
}

/*
BaseService provides the start/stop bookkeeping for a service. The wrapped
implementation's OnStart is handed a context that is canceled when the
service stops, either because the caller's context was canceled or because
Stop was called. OnStop runs exactly once, after that cancellation.

A stopped service cannot be started again.

Typical usage:

	type FooService struct {
		BaseService
		// private fields
	}

	func NewFooService() *FooService {
		fs := &FooService{
			// init
		}
		fs.BaseService = *NewBaseService(log, "FooService", fs)
		return fs
	}

	func (fs *FooService) OnStart(ctx context.Context) error {
		// initialize private fields
		// start subroutines, etc.
	}

	func (fs *FooService) OnStop() {
		// close/destroy private fields
	}
*/
type BaseService struct {
	logger  log.Logger
	name    string
	mtx     sync.Mutex
	started bool
	stopped bool
	quit    chan struct{}
	cancel  context.CancelFunc

	// The "subclass" of BaseService
	impl Implementation
}

// NewBaseService creates a new BaseService.
func NewBaseService(logger log.Logger, name string, impl Implementation) *BaseService {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &BaseService{
		logger: logger,
		name:   name,
		impl:   impl,
	}
}

// Start starts the Service and calls its OnStart method. An error will be
// returned if the service is stopped, but not if it is already running.
func (bs *BaseService) Start(ctx context.Context) error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	switch {
	case bs.stopped:
		return ErrAlreadyStopped
	case bs.started:
		return nil
	}

	bs.logger.Info("starting service", "service", bs.name)

	srvCtx, cancel := context.WithCancel(ctx)
	if err := bs.impl.OnStart(srvCtx); err != nil {
		cancel()
		return err
	}

	bs.started = true
	bs.cancel = cancel
	bs.quit = make(chan struct{})

	go func() {
		<-srvCtx.Done()
		bs.Stop()
	}()

	return nil
}

// Stop manually terminates the service by canceling the context handed to
// OnStart and then calling OnStop. It is safe to call Stop more than once
// and on a service that was never started.
func (bs *BaseService) Stop() {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if !bs.started || bs.stopped {
		return
	}
	bs.stopped = true

	bs.logger.Info("stopping service", "service", bs.name)
	bs.cancel()
	bs.impl.OnStop()
	close(bs.quit)
}

// IsRunning implements Service by returning true or false depending on the
// service's state.
func (bs *BaseService) IsRunning() bool {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	return bs.started && !bs.stopped
}

func (bs *BaseService) getWait() <-chan struct{} {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if bs.quit == nil {
		out := make(chan struct{})
		close(out)
		return out
	}

	return bs.quit
}

// Wait blocks until the service is stopped. It returns immediately for a
// service that was never started.
func (bs *BaseService) Wait() { <-bs.getWait() }

// String provides a human-friendly representation of the service.
func (bs *BaseService) String() string { return bs.name }
