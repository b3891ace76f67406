package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/vigil/logger"
	"github.com/teranos/vigil/rules"
)

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rules == nil {
		s.unavailable(w, "rule store")
		return
	}
	list, err := s.deps.Rules.List(r.Context())
	if err != nil {
		s.fail(w, r, err, "Failed to list rules")
		return
	}
	if list == nil {
		list = []*rules.Rule{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rules == nil {
		s.unavailable(w, "rule store")
		return
	}
	rule := rules.Rule{Enabled: true, Priority: 100}
	if err := readJSON(w, r, &rule); err != nil {
		return
	}
	if err := s.deps.Rules.Create(r.Context(), &rule); err != nil {
		s.fail(w, r, err, "Failed to create rule")
		return
	}
	s.log.Infow("Rule created", logger.FieldRuleID, rule.ID, logger.FieldRuleName, rule.Name)
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rules == nil {
		s.unavailable(w, "rule store")
		return
	}
	rule, err := s.deps.Rules.Get(r.Context(), chi.URLParam(r, "ruleID"))
	if err != nil {
		s.fail(w, r, err, "Failed to load rule")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rules == nil {
		s.unavailable(w, "rule store")
		return
	}
	var rule rules.Rule
	if err := readJSON(w, r, &rule); err != nil {
		return
	}
	rule.ID = chi.URLParam(r, "ruleID")
	if err := s.deps.Rules.Update(r.Context(), &rule); err != nil {
		s.fail(w, r, err, "Failed to update rule")
		return
	}
	updated, err := s.deps.Rules.Get(r.Context(), rule.ID)
	if err != nil {
		s.fail(w, r, err, "Failed to load rule")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rules == nil {
		s.unavailable(w, "rule store")
		return
	}
	id := chi.URLParam(r, "ruleID")
	if err := s.deps.Rules.Delete(r.Context(), id); err != nil {
		s.fail(w, r, err, "Failed to delete rule")
		return
	}
	s.log.Infow("Rule deleted", logger.FieldRuleID, id)
	w.WriteHeader(http.StatusNoContent)
}

// handleRuleHistory serves GET /api/rules/{id}/history?limit=
func (s *Server) handleRuleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		s.unavailable(w, "rule audit")
		return
	}
	limit, err := parseIntQueryParam(r, "limit", 0)
	if err != nil {
		s.fail(w, r, err, "Invalid query")
		return
	}
	execs, err := s.deps.Audit.ListByRule(r.Context(), chi.URLParam(r, "ruleID"), limit)
	if err != nil {
		s.fail(w, r, err, "Failed to load rule history")
		return
	}
	if execs == nil {
		execs = []*rules.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

// handleRecentExecutions serves GET /api/executions?limit=, newest first across all rules.
func (s *Server) handleRecentExecutions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		s.unavailable(w, "rule audit")
		return
	}
	limit, err := parseIntQueryParam(r, "limit", 0)
	if err != nil {
		s.fail(w, r, err, "Invalid query")
		return
	}
	execs, err := s.deps.Audit.ListRecent(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err, "Failed to load executions")
		return
	}
	if execs == nil {
		execs = []*rules.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}
