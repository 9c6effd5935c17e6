package rest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"runtime"
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
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const maxSSELine = 8 << 20

// StatusError is a non-retryable non-2xx reply.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Message)
}

type Options struct {
	HTTPClient *http.Client
	Invoker    *upstream.Invoker
	Recorder   usage.Recorder
}

// Client is an upstream.Client over the REST wire protocol.
type Client struct {
	endpoint Endpoint
	hc       *http.Client
	ownsHC   bool // hc was built here, not shared by the caller
	invoker  *upstream.Invoker
	attr     *upstream.Attribution

	mu    sync.RWMutex
	model string
}

var _ upstream.Client = (*Client)(nil)

// New binds endpoint to model.
func New(endpoint Endpoint, model string, opts Options) *Client {
	hc, owned := opts.HTTPClient, false
	if hc == nil {
		hc, owned = upstream.NewHTTPClient(""), true
	}
	return &Client{
		endpoint: endpoint,
		hc:       hc,
		ownsHC:   owned,
		invoker:  opts.Invoker,
		attr:     upstream.NewAttribution(endpoint.Backend(), opts.Recorder),
		model:    model,
	}
}

func (c *Client) Backend() string { return c.endpoint.Backend() }
func (c *Client) Attribution() *upstream.Attribution { return c.attr }

func (c *Client) Model() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

// bind switches the bound model when a request names a different one.
func (c *Client) bind(requested string) string {
	requested = strings.TrimSpace(requested)
	c.mu.Lock()
	defer c.mu.Unlock()
	if requested != "" && requested != c.model {
		log.WithFields(log.Fields{"backend": c.endpoint.Backend(), "from": c.model, "to": requested}).Debug("rebinding model")
		c.model = requested
	}
	return c.model
}

// Close releases idle connections of a transport the client built itself.
// A caller-supplied http.Client is shared and left untouched.
func (c *Client) Close() error {
	if c.ownsHC {
		c.hc.CloseIdleConnections()
	}
	return nil
}

func (c *Client) Generate(ctx context.Context, req *upstream.Request) (*upstream.Response, error) {
	started := time.Now()
	model := c.bind(req.Model)
	backend := c.endpoint.Backend()

	ctx, span := tracing.StartSpan(ctx, "upstream", "rest.generate")
	span.SetAttributes(attribute.String("backend", backend), attribute.String("model", model))
	defer span.End()

	body, err := upstream.WireBody(req)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, constants.UpstreamGenerateTimeout)
	defer cancel()

	resp, err := upstream.Call(ctx, c.invoker, backend+".generate", func(ctx context.Context) (*upstream.Response, error) {
		raw, err := c.post(ctx, c.endpoint.URL(model, false), body)
		if err != nil {
			return nil, err
		}
		return upstream.NewResponse(model, raw, nil), nil
	})

	var u upstream.Usage
	if resp != nil {
		u = resp.Usage
	}
	observe(backend, "generate", started, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.attr.Emit(ctx, usage.KindGenerate, model, u, started, req.HasTools(), err)
	return resp, err
}

// GenerateStream reads the SSE reply. Usage is recorded once the sequence
// ends; a stream abandoned before any usage metadata arrived is not recorded.
func (c *Client) GenerateStream(ctx context.Context, req *upstream.Request) iter.Seq2[*upstream.Chunk, error] {
	return func(yield func(*upstream.Chunk, error) bool) {
		started := time.Now()
		model := c.bind(req.Model)
		backend := c.endpoint.Backend()

		ctx, span := tracing.StartSpan(ctx, "upstream", "rest.stream")
		span.SetAttributes(attribute.String("backend", backend), attribute.String("model", model))
		defer span.End()

		body, err := upstream.WireBody(req)
		if err != nil {
			yield(nil, err)
			return
		}
		ctx, cancel := context.WithTimeout(ctx, constants.UpstreamStreamTimeout)
		defer cancel()

		httpResp, err := upstream.Call(ctx, c.invoker, backend+".stream", func(ctx context.Context) (*http.Response, error) {
			return c.open(ctx, c.endpoint.URL(model, true), body)
		})
		if err != nil {
			observe(backend, "stream", started, err)
			span.RecordError(err)
			c.attr.Emit(ctx, usage.KindStream, model, upstream.Usage{}, started, req.HasTools(), err)
			yield(nil, err)
			return
		}
		defer httpResp.Body.Close()

		var (
			last      upstream.Usage
			sawUsage  bool
			abandoned bool
			streamErr error
		)
		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 64<<10), maxSSELine)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if !bytes.HasPrefix(line, []byte("data:")) {
				continue
			}
			payload := bytes.TrimSpace(line[len("data:"):])
			if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
				continue
			}
			raw := append([]byte(nil), payload...)
			chunk := &upstream.Chunk{
				Text:         upstream.ChunkText(raw),
				FinishReason: upstream.FinishReasonFromJSON(raw),
				Raw:          raw,
			}
			if upstream.HasUsage(raw) {
				u := upstream.UsageFromJSON(raw)
				chunk.Usage = &u
				last, sawUsage = u, true
			}
			if !yield(chunk, nil) {
				abandoned = true
				break
			}
		}
		if !abandoned {
			streamErr = scanner.Err()
		}
		observe(backend, "stream", started, streamErr)
		if streamErr != nil {
			span.RecordError(streamErr)
			c.attr.Emit(ctx, usage.KindStream, model, last, started, req.HasTools(), streamErr)
			yield(nil, streamErr)
			return
		}
		if abandoned && !sawUsage {
			return
		}
		c.attr.Emit(ctx, usage.KindStream, model, last, started, req.HasTools(), nil)
	}
}

func (c *Client) newRequest(ctx context.Context, url string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Goog-Api-Client", "gl-go/"+strings.TrimPrefix(runtime.Version(), "go"))
	if err := c.endpoint.Authorize(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	resp, err := c.open(ctx, url, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// open sends the request and returns the response only for 2xx replies.
func (c *Client) open(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := c.newRequest(ctx, url, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return nil, statusError(c.endpoint.Backend(), resp.StatusCode, snippet)
}

func statusError(backend string, code int, body []byte) error {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if apperrors.IsRetryableStatus(code) {
		return &apperrors.TransientBackendError{StatusCode: code, Backend: backend, Err: errors.New(msg)}
	}
	return &StatusError{StatusCode: code, Message: msg}
}

func observe(backend, kind string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	monitoring.GenerateRequestsTotal.WithLabelValues(backend, kind, outcome).Inc()
	monitoring.GenerateDuration.WithLabelValues(backend, kind).Observe(time.Since(started).Seconds())
}
