package bridge

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/valet/pkg/valet/conversation"
	"github.com/jholhewres/valet/pkg/valet/router"
	"github.com/jholhewres/valet/pkg/valet/trigger"
)

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	_ = json.NewEncoder(w).Encode(resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth implements GET /health.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"uptime":        time.Since(g.startedAt).Round(time.Second).String(),
		"active_agents": g.pool.ActiveCount(),
	})
}

type chatRequest struct {
	UserID string `json:"user_id"`
	Body   string `json:"body"`
}

// handleChat implements POST /api/v1/chat, the web front end's inline path.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	reply, err := g.router.Handle(r.Context(), req.UserID, router.Inbound{
		Origin: "web",
		Body:   req.Body,
	})
	if err != nil {
		g.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"reply": reply})
}

// handleHistory implements GET /api/v1/chat/history?user_id=&limit=.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		g.writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			g.writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	msgs, err := g.log.History(r.Context(), userID, limit)
	if err != nil {
		g.writeError(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleBridge dispatches /api/v1/bridge/{bridge}/{inbound|outbound|ack}.
func (g *Gateway) handleBridge(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/bridge/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		g.writeError(w, "not found", http.StatusNotFound)
		return
	}
	bridge, op := parts[0], parts[1]

	switch op {
	case "inbound":
		g.handleBridgeInbound(w, r, bridge)
	case "outbound":
		g.handleBridgeOutbound(w, r, bridge)
	case "ack":
		g.handleBridgeAck(w, r, bridge)
	default:
		g.writeError(w, "not found", http.StatusNotFound)
	}
}

type inboundRequest struct {
	UserID      string `json:"user_id"`
	ClientMsgID string `json:"client_msg_id"`
	Body        string `json:"body"`
}

// handleBridgeInbound accepts one message from a native bridge. Duplicate
// client_msg_id resends return the original reply without appending.
func (g *Gateway) handleBridgeInbound(w http.ResponseWriter, r *http.Request, bridge string) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req inboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	reply, err := g.router.Handle(r.Context(), req.UserID, router.Inbound{
		Origin:      bridge,
		Body:        req.Body,
		ClientMsgID: req.ClientMsgID,
	})
	if err != nil {
		g.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"reply": reply})
}

// handleBridgeOutbound implements the idempotent poll: messages with id
// beyond the cursor, which defaults to the bridge's stored cursor.
func (g *Gateway) handleBridgeOutbound(w http.ResponseWriter, r *http.Request, bridge string) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		g.writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	var cursor int64
	if v := r.URL.Query().Get("cursor"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			g.writeError(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = n
	} else {
		stored, err := g.cursors.Get(r.Context(), bridge, userID)
		if err != nil {
			g.writeError(w, "cursor unavailable", http.StatusInternalServerError)
			return
		}
		cursor = stored
	}

	msgs, err := g.log.PendingSince(r.Context(), userID, cursor)
	if err != nil {
		g.writeError(w, "outbound unavailable", http.StatusInternalServerError)
		return
	}

	next := cursor
	if len(msgs) > 0 {
		next = msgs[len(msgs)-1].ID
	}
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"cursor":   next,
	})
}

type ackRequest struct {
	UserID string `json:"user_id"`
	Cursor int64  `json:"cursor"`
}

// handleBridgeAck advances the durable cursor and marks everything up to it
// delivered.
func (g *Gateway) handleBridgeAck(w http.ResponseWriter, r *http.Request, bridge string) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Cursor < 0 {
		g.writeError(w, "user_id and a non-negative cursor are required", http.StatusBadRequest)
		return
	}

	if err := g.cursors.Advance(r.Context(), bridge, req.UserID, req.Cursor); err != nil {
		g.writeError(w, "ack failed", http.StatusInternalServerError)
		return
	}
	if err := g.log.MarkDelivered(r.Context(), req.UserID, req.Cursor); err != nil {
		g.logger.Warn("mark delivered failed",
			"bridge", bridge, "user", req.UserID, "error", err)
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"acknowledged": req.Cursor})
}

// handleAgents implements GET /api/v1/agents?user_id=.
func (g *Gateway) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		g.writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"agents": g.pool.List(userID)})
}

// handleAgentByID implements GET (status) and DELETE (cancel) on
// /api/v1/agents/{id}.
func (g *Gateway) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/agents/")
	if id == "" || strings.Contains(id, "/") {
		g.writeError(w, "not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		inst, ok := g.pool.Get(id)
		if !ok {
			g.writeError(w, "agent not found", http.StatusNotFound)
			return
		}
		g.writeJSON(w, http.StatusOK, inst)
	case http.MethodDelete:
		if err := g.pool.Cancel(id); err != nil {
			g.writeError(w, err.Error(), http.StatusConflict)
			return
		}
		g.writeJSON(w, http.StatusOK, map[string]any{"cancelled": id})
	default:
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type createTriggerRequest struct {
	UserID  string `json:"user_id"`
	Kind    string `json:"kind"`
	When    string `json:"when"`
	FireAt  string `json:"fire_at"`
	Payload string `json:"payload"`
	AgentID string `json:"agent_id"`
}

// handleTriggers implements GET (list) and POST (create) on
// /api/v1/triggers. Creation accepts either an explicit kind plus fire_at or
// schedule in "when", or a natural-language phrase ("in 10 minutes",
// "daily at 9am").
func (g *Gateway) handleTriggers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			g.writeError(w, "user_id is required", http.StatusBadRequest)
			return
		}
		list, err := g.triggers.ListByUser(r.Context(), userID)
		if err != nil {
			g.writeError(w, "triggers unavailable", http.StatusInternalServerError)
			return
		}
		g.writeJSON(w, http.StatusOK, map[string]any{"triggers": list})

	case http.MethodPost:
		var req createTriggerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		t, err := buildTrigger(req)
		if err != nil {
			g.writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := g.triggers.Create(r.Context(), t); err != nil {
			g.writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		g.writeJSON(w, http.StatusCreated, t)

	default:
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// buildTrigger translates the creation request into a registry entry.
func buildTrigger(req createTriggerRequest) (*trigger.Trigger, error) {
	t := &trigger.Trigger{
		UserID:  req.UserID,
		Payload: req.Payload,
		AgentID: req.AgentID,
	}

	if req.FireAt != "" {
		at, err := time.Parse(time.RFC3339, req.FireAt)
		if err != nil {
			return nil, errors.New("fire_at must be RFC 3339")
		}
		t.Kind = trigger.KindOneShot
		t.FireAt = &at
		return t, nil
	}

	if req.When == "" {
		return nil, errors.New("when or fire_at is required")
	}

	spec, ok := trigger.ParseNaturalLanguage(req.When)
	if !ok {
		return nil, errors.New("unrecognized schedule phrase")
	}
	switch spec.Kind {
	case trigger.KindOneShot:
		at := time.Now().UTC().Add(spec.In)
		t.Kind = trigger.KindOneShot
		t.FireAt = &at
	default:
		t.Kind = trigger.KindRecurring
		if req.Kind == string(trigger.KindConditionPoll) {
			t.Kind = trigger.KindConditionPoll
		}
		t.Schedule = spec.Schedule
	}
	return t, nil
}

// handleTriggerByID implements DELETE /api/v1/triggers/{id}.
func (g *Gateway) handleTriggerByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/triggers/")
	if id == "" || strings.Contains(id, "/") {
		g.writeError(w, "not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodDelete {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := g.triggers.Cancel(r.Context(), id); err != nil {
		g.writeError(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"cancelled": id})
}
