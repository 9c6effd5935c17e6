package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"contractai-go/internal/constants"
	"contractai-go/internal/monitoring"

	log "github.com/sirupsen/logrus"
)

// Dispatcher runs short best-effort jobs off the request path. Jobs get
// their own timeout and never see the caller's cancellation. When all slots
// are busy the job is dropped.
type Dispatcher struct {
	slots   chan struct{}
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDispatcher allows at most limit concurrent jobs.
func NewDispatcher(limit int) *Dispatcher {
	if limit <= 0 {
		limit = 64
	}
	return &Dispatcher{
		slots:   make(chan struct{}, limit),
		timeout: constants.BackgroundJobTimeout,
	}
}

// Go schedules fn. It reports whether the job was accepted.
func (d *Dispatcher) Go(name string, fn func(ctx context.Context) error) bool {
	if d == nil {
		return false
	}
	select {
	case d.slots <- struct{}{}:
	default:
		monitoring.BackgroundJobsTotal.WithLabelValues(name, "dropped").Inc()
		log.WithField("job", name).Warn("background job dropped: dispatcher saturated")
		return false
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.slots }()
		err := d.run(name, fn)
		outcome := "ok"
		if err != nil {
			outcome = "error"
			log.WithError(err).WithField("job", name).Warn("background job failed")
		}
		monitoring.BackgroundJobsTotal.WithLabelValues(name, outcome).Inc()
	}()
	return true
}

func (d *Dispatcher) run(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", name, r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	return fn(ctx)
}

// Wait blocks until running jobs finish or ctx ends.
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
		return ctx.Err()
	}
}
