package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Dispatcher runs side effects detached from the request that caused them.
// Errors and panics are logged and never reach the caller.
type Dispatcher struct {
	wg      sync.WaitGroup
	timeout time.Duration
}

func NewDispatcher(timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{timeout: timeout}
}

func (d *Dispatcher) Detach(name string, fn func(ctx context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.WithField("task", name).Errorf("detached task panicked: %v", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.WithError(err).WithField("task", name).Warn("detached task failed")
		}
	}()
}

// Wait blocks until in-flight tasks finish or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notify: %w waiting for detached tasks", ctx.Err())
	}
}

// Email detaches a send through sink under the given task name.
func (d *Dispatcher) Email(sink Sink, kind Kind, p Payload) {
	d.Detach(string(kind), func(ctx context.Context) error {
		res, err := sink.Send(ctx, kind, p)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("notify: %s rejected: %s", kind, res.Error)
		}
		return nil
	})
}
