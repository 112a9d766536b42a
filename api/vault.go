package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type storeMemoryRequest struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	Content   string `json:"content"`
}

// StoreMemory encrypts and stores a memory slice. Storing identical
// content for the same session returns the existing slice.
func (h *Handler) StoreMemory(w http.ResponseWriter, r *http.Request) {
	var req storeMemoryRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	slice, err := h.vault.Store(r.Context(), req.SessionID, req.AgentID, []byte(req.Content))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	JSON(w, http.StatusCreated, slice)
}

// RetrieveMemory decrypts and returns a memory slice's content.
func (h *Handler) RetrieveMemory(w http.ResponseWriter, r *http.Request) {
	sliceID := chi.URLParam(r, "sliceID")
	plaintext, err := h.vault.Retrieve(r.Context(), sliceID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"slice_id": sliceID,
		"content":  string(plaintext),
	})
}

// ListKeys returns encryption key metadata. Key material never leaves the
// vault.
func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"active_key_id": h.vault.ActiveKeyID(),
		"keys":          h.vault.Keys(),
	})
}

// RotateKey generates a fresh active key and retires the previous one.
func (h *Handler) RotateKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.vault.RotateKey(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	JSON(w, http.StatusCreated, key)
}

// RollbackKey reinstates a retired key as active.
func (h *Handler) RollbackKey(w http.ResponseWriter, r *http.Request) {
	if err := h.vault.RollbackKey(r.Context(), chi.URLParam(r, "keyID")); err != nil {
		h.writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"active_key_id": h.vault.ActiveKeyID()})
}

// RevokeKey permanently bars a retired key from decryption.
func (h *Handler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	if err := h.vault.RevokeKey(r.Context(), chi.URLParam(r, "keyID")); err != nil {
		h.writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
