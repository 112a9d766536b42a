// Package api exposes the orchestration core over HTTP: sessions and
// turns, encrypted memory and key management, plugins, queries and
// handoffs. Error kinds map onto HTTP statuses in one place.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hupe1980/hearthcore/core"
	"github.com/hupe1980/hearthcore/handoff"
	"github.com/hupe1980/hearthcore/logging"
	"github.com/hupe1980/hearthcore/pipeline"
	"github.com/hupe1980/hearthcore/session"
	"github.com/hupe1980/hearthcore/store"
	"github.com/hupe1980/hearthcore/synapse"
	"github.com/hupe1980/hearthcore/vault"
)

// Handler bundles the component dependencies shared by all endpoints.
type Handler struct {
	repo     store.Repository
	sessions *session.Manager
	vault    *vault.Vault
	registry *synapse.Registry
	pipeline *pipeline.Pipeline
	handoffs *handoff.Coordinator
	logger   logging.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(
	repo store.Repository,
	sessions *session.Manager,
	v *vault.Vault,
	registry *synapse.Registry,
	p *pipeline.Pipeline,
	coord *handoff.Coordinator,
	logger logging.Logger,
) *Handler {
	return &Handler{
		repo:     repo,
		sessions: sessions,
		vault:    v,
		registry: registry,
		pipeline: p,
		handoffs: coord,
		logger:   logging.OrNoOp(logger),
	}
}

// RegisterRoutes mounts all endpoints on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Post("/pause", h.PauseSession)
				r.Post("/close", h.CloseSession)
				r.Post("/turn/request", h.RequestTurn)
				r.Post("/turn/release", h.ReleaseTurn)
				r.Get("/context", h.GetContext)
				r.Post("/context", h.PropagateContext)
				r.Post("/query", h.ProcessQuery)
				r.Post("/handoffs", h.InitiateHandoff)
				r.Get("/handoffs", h.ListHandoffs)
			})
		})

		r.Route("/handoffs/{handoffID}", func(r chi.Router) {
			r.Get("/", h.GetHandoff)
			r.Post("/cancel", h.CancelHandoff)
		})

		r.Route("/memory", func(r chi.Router) {
			r.Post("/", h.StoreMemory)
			r.Get("/{sliceID}", h.RetrieveMemory)
		})

		r.Route("/vault/keys", func(r chi.Router) {
			r.Get("/", h.ListKeys)
			r.Post("/rotate", h.RotateKey)
			r.Post("/{keyID}/rollback", h.RollbackKey)
			r.Post("/{keyID}/revoke", h.RevokeKey)
		})

		r.Route("/plugins", func(r chi.Router) {
			r.Post("/", h.RegisterPlugin)
			r.Get("/", h.ListPlugins)
			r.Route("/{pluginName}", func(r chi.Router) {
				r.Get("/", h.GetPlugin)
				r.Delete("/", h.RemovePlugin)
				r.Post("/activate", h.ActivatePlugin)
				r.Post("/deactivate", h.DeactivatePlugin)
				r.Post("/execute", h.ExecutePlugin)
			})
		})
	})
}

// Health reports readiness of the relational store.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		Error(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// kindStatus maps error kinds to HTTP statuses.
var kindStatus = map[core.Kind]int{
	core.KindValidation:      http.StatusBadRequest,
	core.KindNotFound:        http.StatusNotFound,
	core.KindInvalidState:    http.StatusConflict,
	core.KindPermission:      http.StatusForbidden,
	core.KindInvalidManifest: http.StatusUnprocessableEntity,
	core.KindCircuitOpen:     http.StatusServiceUnavailable,
	core.KindTimeout:         http.StatusGatewayTimeout,
	core.KindEncryption:      http.StatusInternalServerError,
	core.KindDecryption:      http.StatusInternalServerError,
	core.KindPersistence:     http.StatusInternalServerError,
	core.KindInternal:        http.StatusInternalServerError,
}

// writeErr translates a component error into the HTTP response.
func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	status, ok := kindStatus[core.KindOf(err)]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	Error(w, status, err.Error())
}

// decode parses a JSON request body into v.
func decode(r *http.Request, v interface{}) error {
	defer r.Body.Close() //nolint:errcheck
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
