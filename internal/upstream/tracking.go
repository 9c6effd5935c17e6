package upstream

import (
	"context"
	"sync"
	"time"

	"contractai-go/internal/usage"
)

// Tracking attributes calls made through one client.
type Tracking struct {
	ClientID     string
	ConsultantID string
	Feature      string
	FeatureRole  string
	KeySource    string
	SourceTier   string
}

// Attribution is the per-client tracking slot. Records are emitted only
// after Attach has been called.
type Attribution struct {
	mu       sync.RWMutex
	tracking *Tracking
	recorder usage.Recorder
	backend  string
}

func NewAttribution(backend string, recorder usage.Recorder) *Attribution {
	if recorder == nil {
		recorder = usage.Nop
	}
	return &Attribution{recorder: recorder, backend: backend}
}

// Attach sets the tracking context, replacing any previous one.
func (a *Attribution) Attach(t Tracking) {
	a.mu.Lock()
	a.tracking = &t
	a.mu.Unlock()
}

// SetFeature tags subsequent records. It is a no-op before Attach.
func (a *Attribution) SetFeature(name, role string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tracking == nil {
		return
	}
	a.tracking.Feature = name
	a.tracking.FeatureRole = role
}

// Tracking returns a copy of the attached context.
func (a *Attribution) Tracking() (Tracking, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.tracking == nil {
		return Tracking{}, false
	}
	return *a.tracking, true
}

// Emit hands one record to the recorder. Recorder panics are swallowed.
func (a *Attribution) Emit(ctx context.Context, kind usage.RequestKind, model string, u Usage, started time.Time, hasTools bool, callErr error) {
	t, ok := a.Tracking()
	if !ok {
		return
	}
	rec := &usage.Record{
		ClientID:       t.ClientID,
		ConsultantID:   t.ConsultantID,
		Backend:        a.backend,
		Model:          model,
		Feature:        t.Feature,
		FeatureRole:    t.FeatureRole,
		RequestKind:    kind,
		KeySource:      t.KeySource,
		SourceTier:     t.SourceTier,
		InputTokens:    u.InputTokens,
		OutputTokens:   u.OutputTokens,
		CachedTokens:   u.CachedTokens,
		ThinkingTokens: u.ThinkingTokens,
		Duration:       time.Since(started),
		HasTools:       hasTools,
		IsError:        callErr != nil,
		CreatedAt:      time.Now(),
	}
	defer func() { _ = recover() }()
	a.recorder.Track(context.WithoutCancel(ctx), rec)
}
