package usage

import (
	"context"
	"sync"
	"time"

	"contractai-go/internal/constants"
	"contractai-go/internal/monitoring"

	log "github.com/sirupsen/logrus"
)

// Tracker queues records and fans them out to sinks on a background worker.
// Track never blocks: when the queue is full the record is dropped.
type Tracker struct {
	queue chan *Record
	sinks []Sink
	agg   *statsAggregator

	sinkTimeout time.Duration
	now         func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewTracker creates a tracker with the given queue capacity.
func NewTracker(queueSize int, sinks ...Sink) *Tracker {
	if queueSize <= 0 {
		queueSize = constants.UsageQueueSize
	}
	return &Tracker{
		queue:       make(chan *Record, queueSize),
		sinks:       sinks,
		agg:         newAggregator(),
		sinkTimeout: constants.UsageSinkTimeout,
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the worker. Calling it more than once is a no-op.
func (t *Tracker) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		t.wg.Add(1)
		go t.worker(ctx)
		log.WithField("sinks", len(t.sinks)).Info("Usage tracker started")
	})
}

// Stop drains queued records and waits for the worker.
func (t *Tracker) Stop(ctx context.Context) error {
	t.stopOnce.Do(func() { close(t.stopCh) })
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("Usage tracker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Track implements Recorder.
func (t *Tracker) Track(_ context.Context, rec *Record) {
	if rec == nil {
		return
	}
	rec.fillDefaults(t.now())
	select {
	case t.queue <- rec:
		monitoring.UsageRecordsTotal.WithLabelValues("queued").Inc()
	default:
		monitoring.UsageRecordsTotal.WithLabelValues("dropped").Inc()
		log.WithFields(log.Fields{
			"client_id": rec.ClientID,
			"feature":   rec.Feature,
		}).Warn("usage queue full; record dropped")
	}
}

// Snapshot returns the aggregated usage since start.
func (t *Tracker) Snapshot() *Stats {
	return t.agg.snapshot()
}

func (t *Tracker) worker(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case rec := <-t.queue:
			t.process(rec)
		case <-t.stopCh:
			t.drain()
			return
		case <-ctx.Done():
			t.drain()
			return
		}
	}
}

func (t *Tracker) drain() {
	for {
		select {
		case rec := <-t.queue:
			t.process(rec)
		default:
			return
		}
	}
}

func (t *Tracker) process(rec *Record) {
	t.agg.add(rec)
	monitoring.TokensTotal.WithLabelValues("input", rec.KeySource).Add(float64(rec.InputTokens))
	monitoring.TokensTotal.WithLabelValues("output", rec.KeySource).Add(float64(rec.OutputTokens))

	for _, sink := range t.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), t.sinkTimeout)
		err := t.write(ctx, sink, rec)
		cancel()
		if err != nil {
			monitoring.UsageRecordsTotal.WithLabelValues("sink_error").Inc()
			log.WithError(err).WithFields(log.Fields{
				"sink":      sink.Name(),
				"record_id": rec.ID,
			}).Warn("usage sink write failed")
			continue
		}
		monitoring.UsageRecordsTotal.WithLabelValues("written").Inc()
	}
}

// write shields the worker from panicking sinks.
func (t *Tracker) write(ctx context.Context, sink Sink, rec *Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &sinkPanic{value: r}
		}
	}()
	return sink.Write(ctx, rec)
}
