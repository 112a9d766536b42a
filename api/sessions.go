package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hupe1980/hearthcore/core"
)

type createSessionRequest struct {
	UserID       string   `json:"user_id"`
	Topic        string   `json:"topic"`
	Participants []string `json:"participants"`
}

// CreateSession creates a session and returns it.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := h.sessions.CreateSession(r.Context(), req.UserID, req.Topic, req.Participants)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	JSON(w, http.StatusCreated, sess)
}

// GetSession returns a session by id.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// PauseSession suspends an active session.
func (h *Handler) PauseSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Pause(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		h.writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": string(core.SessionPaused)})
}

// CloseSession terminates a session.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Close(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		h.writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": string(core.SessionClosed)})
}

type turnRequest struct {
	AgentID string `json:"agent_id"`
}

// RequestTurn requests the session turn for an agent. The response carries
// either a grant or the queue position.
func (h *Handler) RequestTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	dec, err := h.sessions.RequestTurn(r.Context(), chi.URLParam(r, "sessionID"), req.AgentID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, dec)
}

// ReleaseTurn releases the session turn.
func (h *Handler) ReleaseTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.sessions.ReleaseTurn(r.Context(), chi.URLParam(r, "sessionID"), req.AgentID); err != nil {
		h.writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// GetContext returns the session's context window, oldest first.
func (h *Handler) GetContext(w http.ResponseWriter, r *http.Request) {
	refs, err := h.sessions.ContextWindow(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"slice_ids": refs})
}

type propagateRequest struct {
	SliceID string `json:"slice_id"`
}

// PropagateContext attaches a memory-slice reference to the session.
func (h *Handler) PropagateContext(w http.ResponseWriter, r *http.Request) {
	var req propagateRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.sessions.PropagateContext(r.Context(), chi.URLParam(r, "sessionID"), req.SliceID); err != nil {
		h.writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "attached"})
}

type queryRequest struct {
	AgentID string `json:"agent_id"`
	Query   string `json:"query"`
}

// ProcessQuery runs the reasoning pipeline. When the result survives but
// could not be persisted, it is still returned with the unpersisted flag
// and the persistence error alongside.
func (h *Handler) ProcessQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.pipeline.ProcessQuery(r.Context(), chi.URLParam(r, "sessionID"), req.AgentID, req.Query)
	if err != nil {
		if res != nil && res.Unpersisted {
			JSON(w, http.StatusOK, map[string]interface{}{
				"result": res,
				"error":  err.Error(),
			})
			return
		}
		h.writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"result": res})
}

type initiateHandoffRequest struct {
	SourceAgentID  string `json:"source_agent_id"`
	TargetAgentID  string `json:"target_agent_id"`
	ContextSliceID string `json:"context_slice_id"`
}

// InitiateHandoff runs the handoff protocol for a session.
func (h *Handler) InitiateHandoff(w http.ResponseWriter, r *http.Request) {
	var req initiateHandoffRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ho, err := h.handoffs.Initiate(r.Context(), chi.URLParam(r, "sessionID"),
		req.SourceAgentID, req.TargetAgentID, req.ContextSliceID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	JSON(w, http.StatusCreated, ho)
}

// ListHandoffs returns a session's handoff history, newest first.
func (h *Handler) ListHandoffs(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.handoffs.History(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"handoffs": reqs})
}

// GetHandoff returns a handoff request by id.
func (h *Handler) GetHandoff(w http.ResponseWriter, r *http.Request) {
	req, err := h.handoffs.Get(r.Context(), chi.URLParam(r, "handoffID"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, req)
}

// CancelHandoff withdraws a pending handoff.
func (h *Handler) CancelHandoff(w http.ResponseWriter, r *http.Request) {
	if err := h.handoffs.Cancel(r.Context(), chi.URLParam(r, "handoffID")); err != nil {
		h.writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": string(core.HandoffCancelled)})
}
