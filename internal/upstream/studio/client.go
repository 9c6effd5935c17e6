// Package studio adapts the Gemini API SDK (API-key access) to upstream.Client.
package studio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"sync"
	"time"

	"contractai-go/internal/constants"
	apperrors "contractai-go/internal/errors"
	"contractai-go/internal/monitoring"
	"contractai-go/internal/monitoring/tracing"
	"contractai-go/internal/upstream"
	"contractai-go/internal/usage"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/genai"
)

// Models is the slice of the SDK surface the adapter uses.
type Models interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

type Options struct {
	HTTPClient *http.Client
	BaseURL    string
	Invoker    *upstream.Invoker
	Recorder   usage.Recorder
}

// Client is an upstream.Client backed by the genai SDK.
type Client struct {
	models  Models
	hc      *http.Client
	ownsHC  bool // hc was built here, not shared by the caller
	invoker *upstream.Invoker
	attr    *upstream.Attribution

	mu    sync.RWMutex
	model string
}

var _ upstream.Client = (*Client)(nil)

// New creates an SDK client for apiKey bound to model.
func New(ctx context.Context, apiKey, model string, opts Options) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("studio: empty api key")
	}
	hc, owned := opts.HTTPClient, false
	if hc == nil {
		hc, owned = upstream.NewHTTPClient(""), true
	}
	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: hc,
	}
	if opts.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}
	sdk, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	opts.HTTPClient = hc
	c := NewWithModels(sdk.Models, model, opts)
	c.ownsHC = owned
	return c, nil
}

// NewWithModels wraps an existing SDK model service.
func NewWithModels(m Models, model string, opts Options) *Client {
	return &Client{
		models:  m,
		hc:      opts.HTTPClient,
		invoker: opts.Invoker,
		attr:    upstream.NewAttribution(upstream.BackendStudio, opts.Recorder),
		model:   model,
	}
}

func (c *Client) Backend() string { return upstream.BackendStudio }

func (c *Client) Attribution() *upstream.Attribution { return c.attr }

func (c *Client) Model() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

func (c *Client) bind(requested string) string {
	requested = strings.TrimSpace(requested)
	c.mu.Lock()
	defer c.mu.Unlock()
	if requested != "" && requested != c.model {
		log.WithFields(log.Fields{"backend": upstream.BackendStudio, "from": c.model, "to": requested}).Debug("rebinding model")
		c.model = requested
	}
	return c.model
}

// Close drops idle connections only when the client owns its transport;
// a shared http.Client keeps its pool for other clients.
func (c *Client) Close() error {
	if c.ownsHC && c.hc != nil {
		c.hc.CloseIdleConnections()
	}
	return nil
}

func (c *Client) Generate(ctx context.Context, req *upstream.Request) (*upstream.Response, error) {
	started := time.Now()
	model := c.bind(req.Model)

	ctx, span := tracing.StartSpan(ctx, "upstream", "studio.generate")
	span.SetAttributes(attribute.String("model", model))
	defer span.End()

	contents, cfg, err := convert(req)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, constants.UpstreamGenerateTimeout)
	defer cancel()

	out, err := upstream.Call(ctx, c.invoker, "studio.generate", func(ctx context.Context) (*upstream.Response, error) {
		resp, err := c.models.GenerateContent(ctx, model, contents, cfg)
		if err != nil {
			return nil, classify(err)
		}
		return normalize(model, resp)
	})

	var u upstream.Usage
	if out != nil {
		u = out.Usage
	}
	observe("generate", started, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.attr.Emit(ctx, usage.KindGenerate, model, u, started, req.HasTools(), err)
	return out, err
}

// GenerateStream retries only until the first increment arrives.
func (c *Client) GenerateStream(ctx context.Context, req *upstream.Request) iter.Seq2[*upstream.Chunk, error] {
	return func(yield func(*upstream.Chunk, error) bool) {
		started := time.Now()
		model := c.bind(req.Model)

		ctx, span := tracing.StartSpan(ctx, "upstream", "studio.stream")
		span.SetAttributes(attribute.String("model", model))
		defer span.End()

		contents, cfg, err := convert(req)
		if err != nil {
			yield(nil, err)
			return
		}
		ctx, cancel := context.WithTimeout(ctx, constants.UpstreamStreamTimeout)
		defer cancel()

		var (
			next func() (*genai.GenerateContentResponse, error, bool)
			stop func()
		)
		defer func() {
			if stop != nil {
				stop()
			}
		}()
		first, err := upstream.Call(ctx, c.invoker, "studio.stream", func(ctx context.Context) (*genai.GenerateContentResponse, error) {
			if stop != nil {
				stop()
			}
			next, stop = iter.Pull2(c.models.GenerateContentStream(ctx, model, contents, cfg))
			resp, err, ok := next()
			if !ok {
				return nil, nil
			}
			if err != nil {
				return nil, classify(err)
			}
			return resp, nil
		})
		if err != nil {
			observe("stream", started, err)
			span.RecordError(err)
			c.attr.Emit(ctx, usage.KindStream, model, upstream.Usage{}, started, req.HasTools(), err)
			yield(nil, err)
			return
		}

		var (
			last     upstream.Usage
			sawUsage bool
		)
		resp := first
		for resp != nil {
			chunk, err := toChunk(resp)
			if err == nil && chunk.Usage != nil {
				last, sawUsage = *chunk.Usage, true
			}
			if !yield(chunk, err) {
				observe("stream", started, nil)
				if sawUsage {
					c.attr.Emit(ctx, usage.KindStream, model, last, started, req.HasTools(), nil)
				}
				return
			}
			var ok bool
			resp, err, ok = next()
			if !ok {
				break
			}
			if err != nil {
				err = classify(err)
				observe("stream", started, err)
				span.RecordError(err)
				c.attr.Emit(ctx, usage.KindStream, model, last, started, req.HasTools(), err)
				yield(nil, err)
				return
			}
		}
		observe("stream", started, nil)
		c.attr.Emit(ctx, usage.KindStream, model, last, started, req.HasTools(), nil)
	}
}

func normalize(model string, resp *genai.GenerateContentResponse) (*upstream.Response, error) {
	if resp == nil {
		return upstream.NewResponse(model, json.RawMessage(`null`), nil), nil
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("studio: encode response: %w", err)
	}
	return upstream.NewResponse(model, raw, resp.Text), nil
}

func toChunk(resp *genai.GenerateContentResponse) (*upstream.Chunk, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("studio: encode chunk: %w", err)
	}
	chunk := &upstream.Chunk{
		Text:         upstream.ChunkText(raw),
		FinishReason: upstream.FinishReasonFromJSON(raw),
		Raw:          raw,
	}
	if resp.UsageMetadata != nil {
		u := upstream.UsageFromJSON(raw)
		chunk.Usage = &u
	}
	return chunk, nil
}

// classify marks SDK API errors with retryable status codes as transient.
func classify(err error) error {
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr) && apiErrPtr != nil:
		code = apiErrPtr.Code
	}
	if apperrors.IsRetryableStatus(code) {
		return &apperrors.TransientBackendError{StatusCode: code, Backend: upstream.BackendStudio, Err: err}
	}
	return err
}

func observe(kind string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	monitoring.GenerateRequestsTotal.WithLabelValues(upstream.BackendStudio, kind, outcome).Inc()
	monitoring.GenerateDuration.WithLabelValues(upstream.BackendStudio, kind).Observe(time.Since(started).Seconds())
}
