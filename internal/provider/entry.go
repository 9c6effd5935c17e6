package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	apperrors "contractai-go/internal/errors"
	"contractai-go/internal/keypool"
	"contractai-go/internal/upstream"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// TextRequest is a one-shot prompt.
type TextRequest struct {
	ClientID          string                     `json:"clientId"`
	ConsultantID      string                     `json:"consultantId,omitempty"`
	Prompt            string                     `json:"prompt"`
	SystemInstruction string                     `json:"systemInstruction,omitempty"`
	Model             string                     `json:"model,omitempty"`
	Feature           string                     `json:"feature,omitempty"`
	FeatureRole       string                     `json:"featureRole,omitempty"`
	GenerationConfig  *upstream.GenerationConfig `json:"generationConfig,omitempty"`
}

// TextResult is the outcome of GenerateText.
type TextResult struct {
	Text      string         `json:"text"`
	Source    string         `json:"source"`
	KeySource string         `json:"keySource"`
	Model     string         `json:"model"`
	Usage     upstream.Usage `json:"usage"`
}

// Request converts the prompt into the uniform request shape.
func (t *TextRequest) Request() *upstream.Request {
	return &upstream.Request{
		Model:             strings.TrimSpace(t.Model),
		Messages:          []upstream.Message{upstream.UserText(t.Prompt)},
		SystemInstruction: t.SystemInstruction,
		GenerationConfig:  t.GenerationConfig,
	}
}

// Selector resolves a provider; *Resolver is the production one.
type Selector interface {
	Resolve(ctx context.Context, clientID, consultantID string) (*Result, error)
}

// GenerateText resolves a provider, runs one generation and releases the
// provider.
func GenerateText(ctx context.Context, r Selector, tr TextRequest) (*TextResult, error) {
	if strings.TrimSpace(tr.Prompt) == "" {
		return nil, &apperrors.ValidationError{Missing: []string{"prompt"}}
	}
	res, err := r.Resolve(ctx, tr.ClientID, tr.ConsultantID)
	if err != nil {
		return nil, err
	}
	defer res.Cleanup()
	if tr.Feature != "" {
		res.SetFeature(tr.Feature, tr.FeatureRole)
	}

	resp, err := res.Generate(ctx, tr.Request())
	if err != nil {
		return nil, err
	}
	text, err := resp.Text()
	if err != nil {
		return nil, err
	}
	return &TextResult{
		Text:      text,
		Source:    res.Source,
		KeySource: res.KeySource,
		Model:     resp.Model,
		Usage:     resp.Usage,
	}, nil
}

// FileSearchRequest asks a question against hosted file search stores.
type FileSearchRequest struct {
	ClientID   string   `json:"clientId,omitempty"`
	Query      string   `json:"query"`
	StoreNames []string `json:"storeNames"`
	Model      string   `json:"model,omitempty"`
	Feature    string   `json:"feature,omitempty"`
}

// FileSearchResult carries the answer and the grounding metadata verbatim.
type FileSearchResult struct {
	Text      string          `json:"text"`
	Source    string          `json:"source"`
	KeySource string          `json:"keySource"`
	Model     string          `json:"model"`
	Grounding json.RawMessage `json:"grounding,omitempty"`
}

// FileSearch always spends the shared pool (or the env key), regardless of
// the client's tiers. File search stores are created under pool keys.
func (r *Resolver) FileSearch(ctx context.Context, fr FileSearchRequest) (*FileSearchResult, error) {
	var missing []string
	if strings.TrimSpace(fr.Query) == "" {
		missing = append(missing, "query")
	}
	stores := make([]string, 0, len(fr.StoreNames))
	for _, s := range fr.StoreNames {
		if s = strings.TrimSpace(s); s != "" {
			stores = append(stores, s)
		}
	}
	if len(stores) == 0 {
		missing = append(missing, "storeNames")
	}
	if len(missing) > 0 {
		return nil, &apperrors.ValidationError{Missing: missing}
	}

	st := r.currentSettings()
	key, source, err := r.fileSearchKey(ctx, st)
	if err != nil {
		return nil, err
	}
	model := strings.TrimSpace(fr.Model)
	if model == "" {
		model = st.DefaultModel
	}
	client, err := r.factory.KeyREST(ctx, key, model)
	if err != nil {
		return nil, fmt.Errorf("file search client: %w", err)
	}
	defer client.Close()

	keySource := KeySourceFor(source, "")
	client.Attribution().Attach(upstream.Tracking{
		ClientID:    fr.ClientID,
		Feature:     firstNonEmpty(fr.Feature, "file_search"),
		FeatureRole: "retrieval",
		KeySource:   keySource,
		SourceTier:  source,
	})

	tools, err := fileSearchTools(stores)
	if err != nil {
		return nil, err
	}
	resp, err := client.Generate(ctx, &upstream.Request{
		Model:    model,
		Messages: []upstream.Message{upstream.UserText(fr.Query)},
		Tools:    tools,
	})
	if err != nil {
		return nil, err
	}
	text, err := resp.Text()
	if err != nil {
		return nil, err
	}
	out := &FileSearchResult{Text: text, Source: source, KeySource: keySource, Model: resp.Model}
	if g := gjson.GetBytes(resp.Raw, "candidates.0.groundingMetadata"); g.Exists() {
		out.Grounding = json.RawMessage(g.Raw)
	}
	return out, nil
}

func (r *Resolver) fileSearchKey(ctx context.Context, st Settings) (string, string, error) {
	if r.pool != nil {
		key, err := r.pool.Pick(ctx)
		switch {
		case err == nil:
			return key, SourceFallbackPool, nil
		case !errors.Is(err, keypool.ErrEmpty):
			log.WithError(err).Warn("file search: shared pool unavailable; trying fallback key")
		}
	}
	if st.FallbackAPIKey != "" {
		return st.FallbackAPIKey, SourceEnv, nil
	}
	return "", "", &apperrors.TerminalConfigurationError{
		Message: "file search needs the shared key pool or a fallback API key: enable the shared pool or set GEMINI_API_KEY",
		Tried:   []string{SourceFallbackPool, SourceEnv},
	}
}

func fileSearchTools(stores []string) (json.RawMessage, error) {
	body, err := sjson.SetBytes([]byte(`[{"fileSearch":{}}]`), "0.fileSearch.fileSearchStoreNames", stores)
	if err != nil {
		return nil, fmt.Errorf("file search tools: %w", err)
	}
	return body, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
