// Package usage attributes generation calls to identities and features.
package usage

import (
	"context"
	"time"

	"contractai-go/internal/storage"

	"github.com/google/uuid"
)

// RequestKind distinguishes unary from streamed calls.
type RequestKind string

const (
	KindGenerate RequestKind = "generate"
	KindStream   RequestKind = "stream"
)

// Record is one completed backend call.
type Record struct {
	ID             string        `json:"id"`
	ClientID       string        `json:"client_id"`
	ConsultantID   string        `json:"consultant_id,omitempty"`
	Backend        string        `json:"backend"`
	Model          string        `json:"model"`
	Feature        string        `json:"feature,omitempty"`
	FeatureRole    string        `json:"feature_role,omitempty"`
	RequestKind    RequestKind   `json:"request_kind"`
	KeySource      string        `json:"key_source"`
	SourceTier     string        `json:"source_tier"`
	InputTokens    int           `json:"input_tokens"`
	OutputTokens   int           `json:"output_tokens"`
	CachedTokens   int           `json:"cached_tokens"`
	ThinkingTokens int           `json:"thinking_tokens"`
	Duration       time.Duration `json:"duration"`
	HasTools       bool          `json:"has_tools"`
	IsError        bool          `json:"is_error"`
	CreatedAt      time.Time     `json:"created_at"`
}

// TotalTokens sums all counted token classes.
func (r *Record) TotalTokens() int {
	return r.InputTokens + r.OutputTokens + r.ThinkingTokens
}

// Row converts the record to its persisted shape.
func (r *Record) Row() *storage.UsageRow {
	return &storage.UsageRow{
		ID:             r.ID,
		ClientID:       r.ClientID,
		ConsultantID:   r.ConsultantID,
		Model:          r.Model,
		Feature:        r.Feature,
		FeatureRole:    r.FeatureRole,
		RequestKind:    string(r.RequestKind),
		KeySource:      r.KeySource,
		SourceTier:     r.SourceTier,
		InputTokens:    r.InputTokens,
		OutputTokens:   r.OutputTokens,
		CachedTokens:   r.CachedTokens,
		ThinkingTokens: r.ThinkingTokens,
		DurationMS:     r.Duration.Milliseconds(),
		HasTools:       r.HasTools,
		IsError:        r.IsError,
		CreatedAt:      r.CreatedAt,
	}
}

func (r *Record) fillDefaults(now time.Time) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.RequestKind == "" {
		r.RequestKind = KindGenerate
	}
}

// Recorder accepts records without blocking the caller. Implementations
// must never surface failures to the generation path.
type Recorder interface {
	Track(ctx context.Context, rec *Record)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, rec *Record)

func (f RecorderFunc) Track(ctx context.Context, rec *Record) { f(ctx, rec) }

// Nop discards every record.
var Nop Recorder = RecorderFunc(func(context.Context, *Record) {})
