package handlers

import (
	"net/http"
	"time"

	"github.com/nomis52/runledger/server/types"
)

// NextPruneResponse describes when retention runs next.
type NextPruneResponse struct {
	Scheduled bool       `json:"scheduled"`
	NextPrune *time.Time `json:"next_prune,omitempty"`
}

// APIStatusResponse is the response for /api/status.
type APIStatusResponse struct {
	Server    types.ServerProperties `json:"server"`
	Store     string                 `json:"store"`
	Retention time.Duration          `json:"retention_max_age"`
	NextPrune NextPruneResponse      `json:"next_prune"`
}

// APIStatusHandler handles requests for the status endpoint.
type APIStatusHandler struct {
	provider StatusProvider
}

// NewAPIStatusHandler creates a new APIStatusHandler.
func NewAPIStatusHandler(provider StatusProvider) *APIStatusHandler {
	return &APIStatusHandler{
		provider: provider,
	}
}

// ServeHTTP implements http.Handler.
func (h *APIStatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.provider.Config()
	next := h.provider.NextPrune()

	writeJSON(w, http.StatusOK, APIStatusResponse{
		Server:    h.provider.Properties(),
		Store:     cfg.Store.Driver,
		Retention: cfg.Retention.MaxAge,
		NextPrune: NextPruneResponse{
			Scheduled: next != nil,
			NextPrune: next,
		},
	})
}
