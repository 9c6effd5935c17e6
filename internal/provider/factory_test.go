package provider

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"contractai-go/internal/upstream"

	"github.com/stretchr/testify/require"
)

func TestReleasingOneClientKeepsSharedConnections(t *testing.T) {
	var conns int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`))
	}))
	srv.Config.ConnState = func(_ net.Conn, s http.ConnState) {
		if s == http.StateNew {
			atomic.AddInt32(&conns, 1)
		}
	}
	srv.Start()
	t.Cleanup(srv.Close)

	f := &SDKFactory{HTTPClient: srv.Client(), StudioBase: srv.URL}
	ctx := context.Background()
	released, err := f.KeyREST(ctx, "k-ephemeral", "m")
	require.NoError(t, err)
	other, err := f.KeyREST(ctx, "k-other", "m")
	require.NoError(t, err)

	generate := func(c upstream.Client) {
		resp, err := c.Generate(ctx, &upstream.Request{Messages: []upstream.Message{upstream.UserText("hi")}})
		require.NoError(t, err)
		text, err := resp.Text()
		require.NoError(t, err)
		require.Equal(t, "ok", text)
	}
	generate(other)
	generate(other)
	require.EqualValues(t, 1, atomic.LoadInt32(&conns))

	require.NoError(t, released.Close())
	generate(other)
	require.EqualValues(t, 1, atomic.LoadInt32(&conns), "closing one client must not drop the shared pool")
}
