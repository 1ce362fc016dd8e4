// Package handlers implements the coordinator's HTTP endpoints.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/flotillahq/flotilla/internal/models"
	"github.com/flotillahq/flotilla/internal/state"
)

// NodeHandler serves the registration and heartbeat request/reply channels.
type NodeHandler struct {
	state  *state.State
	logger *slog.Logger
}

// NewNodeHandler creates a node handler.
func NewNodeHandler(st *state.State, logger *slog.Logger) *NodeHandler {
	return &NodeHandler{state: st, logger: logger}
}

// Register handles POST /nodes/register. Registration is idempotent: a
// re-registering node overwrites its earlier record.
func (h *NodeHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.NodeID == "" {
		WriteError(w, http.StatusBadRequest, "node_id is required")
		return
	}

	class := h.state.Register(req.NodeID, req.Capabilities, req.IPAddress)
	h.logger.Info("node registered",
		"node_id", req.NodeID,
		"class", class,
		"address", req.IPAddress,
	)
	WriteJSON(w, http.StatusOK, &models.RegisterResponse{Status: "registered", Class: class})
}

// Heartbeat handles POST /nodes/heartbeat. Unknown nodes are acknowledged
// but not recorded; a node must register before it may heartbeat.
func (h *NodeHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req models.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.NodeID == "" {
		WriteError(w, http.StatusBadRequest, "node_id is required")
		return
	}

	at := time.Now()
	if req.Timestamp > 0 {
		at = time.Unix(req.Timestamp, 0)
	}
	known := h.state.Heartbeat(req.NodeID, at)
	if !known {
		h.logger.Warn("heartbeat from unregistered node", "node_id", req.NodeID)
	}
	WriteJSON(w, http.StatusOK, &models.HeartbeatResponse{Status: "ack", Known: known})
}

// List handles GET /nodes.
func (h *NodeHandler) List(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.state.Nodes())
}
