package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hupe1980/hearthcore/core"
	"github.com/hupe1980/hearthcore/synapse"
)

// RegisterPlugin validates a manifest and registers the plugin inactive.
// A body that does not decode into the manifest schema, including one
// carrying unrecognized fields, is an invalid manifest rather than a
// generic bad request.
func (h *Handler) RegisterPlugin(w http.ResponseWriter, r *http.Request) {
	var manifest synapse.Manifest
	if err := decode(r, &manifest); err != nil {
		h.writeErr(w, core.Ef("plugin.add", core.KindInvalidManifest, "plugin", "", "invalid manifest: %v", err))
		return
	}

	plugin, err := h.registry.Register(r.Context(), manifest)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	JSON(w, http.StatusCreated, plugin)
}

// ListPlugins returns all registered plugins.
func (h *Handler) ListPlugins(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{"plugins": h.registry.List()})
}

// GetPlugin returns a plugin by name.
func (h *Handler) GetPlugin(w http.ResponseWriter, r *http.Request) {
	plugin, err := h.registry.Get(chi.URLParam(r, "pluginName"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, plugin)
}

// ActivatePlugin moves a plugin to the active state.
func (h *Handler) ActivatePlugin(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Activate(r.Context(), chi.URLParam(r, "pluginName")); err != nil {
		h.writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "active"})
}

// DeactivatePlugin moves a plugin to the inactive state.
func (h *Handler) DeactivatePlugin(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Deactivate(r.Context(), chi.URLParam(r, "pluginName")); err != nil {
		h.writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "inactive"})
}

// RemovePlugin deletes an inactive plugin.
func (h *Handler) RemovePlugin(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Remove(r.Context(), chi.URLParam(r, "pluginName")); err != nil {
		h.writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

type executePluginRequest struct {
	Operation string         `json:"operation"`
	Payload   map[string]any `json:"payload"`
}

// ExecutePlugin runs a plugin operation through its circuit breaker.
func (h *Handler) ExecutePlugin(w http.ResponseWriter, r *http.Request) {
	var req executePluginRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	output, err := h.registry.Execute(r.Context(), chi.URLParam(r, "pluginName"), req.Operation, req.Payload)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"output": output})
}
