package provider

import (
	"context"
	"net/http"

	"contractai-go/internal/credential"
	"contractai-go/internal/storage"
	"contractai-go/internal/upstream"
	"contractai-go/internal/upstream/rest"
	"contractai-go/internal/upstream/studio"
	"contractai-go/internal/usage"
)

// Factory builds vendor clients. Tests substitute fakes.
type Factory interface {
	// Studio builds an SDK client for an API key.
	Studio(ctx context.Context, apiKey, model string) (upstream.Client, error)
	// Vertex builds a service-account client for a backend setting.
	Vertex(ctx context.Context, setting *storage.BackendSetting, sa *credential.ServiceAccount, location, model string) (upstream.Client, error)
	// KeyREST builds a REST client for an API key; used where request
	// tools must pass through verbatim.
	KeyREST(ctx context.Context, apiKey, model string) (upstream.Client, error)
}

// SDKFactory is the production Factory.
type SDKFactory struct {
	HTTPClient *http.Client
	Invoker    *upstream.Invoker
	Recorder   usage.Recorder
	// VertexBase and StudioBase override endpoints; empty means public.
	VertexBase string
	StudioBase string
}

func (f *SDKFactory) Studio(ctx context.Context, apiKey, model string) (upstream.Client, error) {
	return studio.New(ctx, apiKey, model, studio.Options{
		HTTPClient: f.HTTPClient,
		BaseURL:    f.StudioBase,
		Invoker:    f.Invoker,
		Recorder:   f.Recorder,
	})
}

func (f *SDKFactory) Vertex(ctx context.Context, setting *storage.BackendSetting, sa *credential.ServiceAccount, location, model string) (upstream.Client, error) {
	endpoint, err := rest.NewVertexEndpoint(ctx, sa, setting.ProjectID, location, f.VertexBase, f.HTTPClient)
	if err != nil {
		return nil, err
	}
	return rest.New(endpoint, model, f.restOptions()), nil
}

func (f *SDKFactory) KeyREST(_ context.Context, apiKey, model string) (upstream.Client, error) {
	return rest.New(&rest.APIKeyEndpoint{Base: f.StudioBase, Key: apiKey}, model, f.restOptions()), nil
}

func (f *SDKFactory) restOptions() rest.Options {
	return rest.Options{HTTPClient: f.HTTPClient, Invoker: f.Invoker, Recorder: f.Recorder}
}
