package server

import (
	"net/http"

	"github.com/teranos/vigil/errors"
	"github.com/teranos/vigil/rules"
)

// EventRequest is the body of POST /api/events.
type EventRequest struct {
	EventType string                 `json:"event_type"`
	Data      map[string]interface{} `json:"data"`
}

// EventResponse lists one execution per rule that matched.
type EventResponse struct {
	Executions []*rules.Execution `json:"executions"`
}

// handleEvent feeds an externally observed event (tagged, manual, api, or a
// file_closed from another watcher) into the rule engine.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		s.unavailable(w, "rule engine")
		return
	}
	var req EventRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.EventType == "" {
		s.fail(w, r, errors.NewInvalidRequestError("event_type is required"), "Invalid event")
		return
	}
	if req.Data == nil {
		req.Data = map[string]interface{}{}
	}

	execs, err := s.deps.Engine.EvaluateEvent(r.Context(), req.EventType, req.Data)
	if err != nil {
		s.fail(w, r, err, "Failed to evaluate event")
		return
	}
	if execs == nil {
		execs = []*rules.Execution{}
	}
	writeJSON(w, http.StatusOK, EventResponse{Executions: execs})
}
