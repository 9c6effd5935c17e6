package server

import (
	"net/http"
	"strings"

	apperrors "contractai-go/internal/errors"
	"contractai-go/internal/provider"

	"github.com/gin-gonic/gin"
)

func (h *handlers) generate(c *gin.Context) {
	var req provider.TextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadJSON(c, err)
		return
	}
	c.Set("client_id", req.ClientID)
	c.Set("consultant_id", req.ConsultantID)
	if strings.TrimSpace(req.ClientID) == "" {
		respondError(c, &apperrors.ValidationError{Missing: []string{"clientId"}})
		return
	}

	out, err := provider.GenerateText(c.Request.Context(), h.deps.Providers, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Set("source", out.Source)
	c.Set("key_source", out.KeySource)
	c.JSON(http.StatusOK, out)
}

func (h *handlers) fileSearch(c *gin.Context) {
	var req provider.FileSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadJSON(c, err)
		return
	}
	c.Set("client_id", req.ClientID)
	out, err := h.deps.Providers.FileSearch(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Set("source", out.Source)
	c.Set("key_source", out.KeySource)
	c.JSON(http.StatusOK, out)
}

// resolve runs a dry-run resolution without generating. The result is
// released immediately.
func (h *handlers) resolve(c *gin.Context) {
	clientID := strings.TrimSpace(c.Query("clientId"))
	consultantID := strings.TrimSpace(c.Query("consultantId"))
	if clientID == "" {
		respondError(c, &apperrors.ValidationError{Missing: []string{"clientId"}})
		return
	}
	res, err := h.deps.Providers.DryRun(c.Request.Context(), clientID, consultantID)
	if err != nil {
		respondError(c, err)
		return
	}
	defer res.Cleanup()
	c.JSON(http.StatusOK, gin.H{
		"source":    res.Source,
		"keySource": res.KeySource,
		"backend":   res.Client.Backend(),
		"model":     res.Client.Model(),
		"metadata":  res.Metadata,
	})
}

func respondBadJSON(c *gin.Context, err error) {
	_ = c.Error(err)
	ae := apperrors.New(http.StatusBadRequest, "invalid_json", "invalid_request_error", "request body is not valid JSON")
	c.AbortWithStatusJSON(ae.HTTPStatus, ae.Body())
}
