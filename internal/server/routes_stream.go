package server

import (
	"context"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"contractai-go/internal/config"
	apperrors "contractai-go/internal/errors"
	"contractai-go/internal/logging"
	"contractai-go/internal/provider"

	"github.com/gin-gonic/gin"
	ws "github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 90 * time.Second
	wsPingInterval = 30 * time.Second
	wsFirstFrame   = 30 * time.Second
)

// streamFrame is every server-to-client message on /v1/stream.
type streamFrame struct {
	Type      string `json:"type"` // chunk | done | error
	Text      string `json:"text,omitempty"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
	Source    string `json:"source,omitempty"`
	KeySource string `json:"keySource,omitempty"`
	Model     string `json:"model,omitempty"`
}

type upgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request, h http.Header) (*ws.Conn, error)
}

// newUpgrader accepts same-host origins plus the configured allow list.
func newUpgrader(cfg func() *config.Config) *ws.Upgrader {
	return &ws.Upgrader{CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := neturl.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		for _, a := range cfg().Server.AllowedOrigins {
			if strings.EqualFold(a, origin) {
				return true
			}
			if au, err := neturl.Parse(a); err == nil && au.Host != "" && strings.EqualFold(au.Host, u.Host) {
				return true
			}
		}
		return false
	}}
}

// stream serves GET /v1/stream. The first client frame is a TextRequest;
// the server answers with chunk frames and a final done or error frame.
func (h *handlers) stream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logging.WithReq(c, log.Fields{}).WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	var req provider.TextRequest
	_ = conn.SetReadDeadline(time.Now().Add(wsFirstFrame))
	if err := conn.ReadJSON(&req); err != nil {
		writeFrame(conn, streamFrame{Type: "error", Code: "invalid_json", Message: "first frame must be a JSON generation request"})
		return
	}
	c.Set("client_id", req.ClientID)
	if strings.TrimSpace(req.ClientID) == "" || strings.TrimSpace(req.Prompt) == "" {
		writeError(conn, &apperrors.ValidationError{Missing: missingStreamFields(req)})
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go watchPeer(conn, cancel)
	stopPing := keepAlive(conn)
	defer stopPing()

	res, err := h.deps.Providers.Resolve(ctx, req.ClientID, req.ConsultantID)
	if err != nil {
		writeError(conn, err)
		return
	}
	defer res.Cleanup()
	if req.Feature != "" {
		res.SetFeature(req.Feature, req.FeatureRole)
	}

	entry := logging.WithReq(c, log.Fields{"client_id": req.ClientID, "source": res.Source})
	chunks := 0
	for chunk, err := range res.GenerateStream(ctx, req.Request()) {
		if err != nil {
			entry.WithError(err).Warn("stream failed")
			writeError(conn, err)
			return
		}
		if chunk.Text == "" {
			continue
		}
		if !writeFrame(conn, streamFrame{Type: "chunk", Text: chunk.Text}) {
			entry.Debug("stream client went away")
			return
		}
		chunks++
	}
	writeFrame(conn, streamFrame{Type: "done", Source: res.Source, KeySource: res.KeySource, Model: res.Client.Model()})
	entry.WithField("chunks", chunks).Info("stream complete")
}

func missingStreamFields(req provider.TextRequest) []string {
	var missing []string
	if strings.TrimSpace(req.ClientID) == "" {
		missing = append(missing, "clientId")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		missing = append(missing, "prompt")
	}
	return missing
}

// watchPeer cancels the request once the peer closes or stops answering pings.
func watchPeer(conn *ws.Conn, cancel context.CancelFunc) {
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			cancel()
			return
		}
	}
}

func keepAlive(conn *ws.Conn) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(ws.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func writeError(conn *ws.Conn, err error) {
	ae := apperrors.ToAPIError(err)
	writeFrame(conn, streamFrame{Type: "error", Code: ae.Code, Message: ae.Message})
}

func writeFrame(conn *ws.Conn, f streamFrame) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(f) == nil
}
