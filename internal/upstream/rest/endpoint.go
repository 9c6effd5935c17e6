// Package rest speaks the Gemini generateContent wire protocol over plain
// HTTP, for Vertex AI service accounts and for API keys.
package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"contractai-go/internal/credential"
	"contractai-go/internal/upstream"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"
	geminiAPIBase      = "https://generativelanguage.googleapis.com"
)

// Endpoint addresses one model family and authorizes requests to it.
type Endpoint interface {
	Backend() string
	URL(model string, stream bool) string
	Authorize(ctx context.Context, req *http.Request) error
}

// VertexEndpoint targets a regional Vertex AI publisher model.
type VertexEndpoint struct {
	Base     string // empty means https://{location}-aiplatform.googleapis.com
	Project  string
	Location string
	Tokens   oauth2.TokenSource
}

// NewVertexEndpoint mints tokens from a service account key.
func NewVertexEndpoint(ctx context.Context, sa *credential.ServiceAccount, project, location, base string, hc *http.Client) (*VertexEndpoint, error) {
	keyJSON, err := sa.JSON()
	if err != nil {
		return nil, err
	}
	conf, err := google.JWTConfigFromJSON(keyJSON, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("service account: %w", err)
	}
	if project == "" {
		project = sa.ProjectID
	}
	if project == "" {
		return nil, fmt.Errorf("vertex endpoint: project id missing")
	}
	tokenCtx := context.WithoutCancel(ctx)
	if hc != nil {
		tokenCtx = context.WithValue(tokenCtx, oauth2.HTTPClient, hc)
	}
	return &VertexEndpoint{
		Base:     base,
		Project:  project,
		Location: location,
		Tokens:   oauth2.ReuseTokenSource(nil, conf.TokenSource(tokenCtx)),
	}, nil
}

func (e *VertexEndpoint) Backend() string { return upstream.BackendVertex }

func (e *VertexEndpoint) URL(model string, stream bool) string {
	base := strings.TrimRight(e.Base, "/")
	if base == "" {
		base = "https://" + e.Location + "-aiplatform.googleapis.com"
	}
	u := fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s",
		base, url.PathEscape(e.Project), url.PathEscape(e.Location), url.PathEscape(model))
	if stream {
		return u + ":streamGenerateContent?alt=sse"
	}
	return u + ":generateContent"
}

func (e *VertexEndpoint) Authorize(_ context.Context, req *http.Request) error {
	tok, err := e.Tokens.Token()
	if err != nil {
		return fmt.Errorf("vertex token: %w", err)
	}
	tok.SetAuthHeader(req)
	if req.Header.Get("X-Goog-User-Project") == "" {
		req.Header.Set("X-Goog-User-Project", e.Project)
	}
	return nil
}

// APIKeyEndpoint targets the Gemini API with an API key.
type APIKeyEndpoint struct {
	Base string // empty means the public Gemini API host
	Key  string
}

func (e *APIKeyEndpoint) Backend() string { return upstream.BackendStudio }

func (e *APIKeyEndpoint) URL(model string, stream bool) string {
	base := strings.TrimRight(e.Base, "/")
	if base == "" {
		base = geminiAPIBase
	}
	u := base + "/v1beta/models/" + url.PathEscape(model)
	if stream {
		return u + ":streamGenerateContent?alt=sse"
	}
	return u + ":generateContent"
}

func (e *APIKeyEndpoint) Authorize(_ context.Context, req *http.Request) error {
	req.Header.Set("x-goog-api-key", e.Key)
	return nil
}
