package provider

import (
	"context"
	"testing"

	apperrors "contractai-go/internal/errors"
	"contractai-go/internal/storage"
	"contractai-go/internal/upstream"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestGenerateText(t *testing.T) {
	h := newHarness(t, testSettings)
	h.addSetting(&storage.BackendSetting{ID: "own", OwnerID: "C", ManagedBy: storage.ManagedBySelf})

	out, err := GenerateText(context.Background(), h.r, TextRequest{
		ClientID:    "C",
		Prompt:      "summarize the indemnity clause",
		Model:       "gemini-override",
		Feature:     "summary",
		FeatureRole: "assistant",
	})
	require.NoError(t, err)
	require.Equal(t, "ok from vertex", out.Text)
	require.Equal(t, SourceClientOwned, out.Source)
	require.Equal(t, KeySourceUser, out.KeySource)
	require.Equal(t, "gemini-override", out.Model)
	require.Equal(t, 2, out.Usage.OutputTokens)

	client := h.factory.clients[0]
	require.True(t, client.isClosed())
	require.Equal(t, "summarize the indemnity clause", client.last.Messages[0].Parts[0].Text)

	recs := h.usage.all()
	require.Len(t, recs, 1)
	require.Equal(t, "summary", recs[0].Feature)
}

func TestGenerateTextValidatesAndPropagates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Settings{})

	_, err := GenerateText(ctx, h.r, TextRequest{ClientID: "C"})
	var verr *apperrors.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = GenerateText(ctx, h.r, TextRequest{ClientID: "C", Prompt: "x"})
	require.True(t, apperrors.IsTerminal(err))

	h.r.UpdateSettings(Settings{FallbackAPIKey: "env-key"})
	res, err := h.r.Resolve(ctx, "C", "")
	require.NoError(t, err)
	res.Client.(*fakeClient).reply = func(*upstream.Request) (*upstream.Response, error) {
		return upstream.NewResponse("m", []byte(`{}`), nil), nil
	}
	resp, err := res.Generate(ctx, &upstream.Request{})
	require.NoError(t, err)
	_, err = resp.Text()
	var xerr *apperrors.ExtractionError
	require.ErrorAs(t, err, &xerr)
}

func TestFileSearchUsesPoolKey(t *testing.T) {
	h := newHarness(t, testSettings)
	h.withPool(t, "pool-key")
	h.addSetting(&storage.BackendSetting{ID: "own", OwnerID: "C", ManagedBy: storage.ManagedBySelf})

	out, err := h.r.FileSearch(context.Background(), FileSearchRequest{
		ClientID:   "C",
		Query:      "termination notice period?",
		StoreNames: []string{" fileSearchStores/contracts ", ""},
	})
	require.NoError(t, err)
	require.Equal(t, SourceFallbackPool, out.Source)
	require.Equal(t, KeySourceSuperadmin, out.KeySource)
	require.Equal(t, []string{"pool-key"}, h.factory.rest)
	require.Empty(t, h.factory.vertex)

	client := h.factory.clients[0]
	require.True(t, client.isClosed())
	names := gjson.GetBytes(client.last.Tools, "0.fileSearch.fileSearchStoreNames").Array()
	require.Len(t, names, 1)
	require.Equal(t, "fileSearchStores/contracts", names[0].String())

	recs := h.usage.all()
	require.Len(t, recs, 1)
	require.Equal(t, "file_search", recs[0].Feature)
	require.True(t, recs[0].HasTools)
}

func TestFileSearchFallsBackToEnvKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testSettings)

	out, err := h.r.FileSearch(ctx, FileSearchRequest{Query: "q", StoreNames: []string{"s"}})
	require.NoError(t, err)
	require.Equal(t, SourceEnv, out.Source)
	require.Equal(t, KeySourceEnv, out.KeySource)

	h.r.UpdateSettings(Settings{})
	_, err = h.r.FileSearch(ctx, FileSearchRequest{Query: "q", StoreNames: []string{"s"}})
	require.True(t, apperrors.IsTerminal(err))

	_, err = h.r.FileSearch(ctx, FileSearchRequest{Query: " "})
	var verr *apperrors.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, []string{"query", "storeNames"}, verr.Missing)
}

func TestFileSearchToolsJSON(t *testing.T) {
	raw, err := fileSearchTools([]string{"a", "b"})
	require.NoError(t, err)
	require.JSONEq(t, `[{"fileSearch":{"fileSearchStoreNames":["a","b"]}}]`, string(raw))
}
