package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/teranos/vigil/errors"
	"github.com/teranos/vigil/logger"
	"github.com/teranos/vigil/pulse/guardrail"
)

// handleGuardrailCheck serves the executor-facing check. GET takes optional
// threshold overrides as query parameters; POST takes a guardrail.Override body.
// Always 200: blocked is part of the answer, not an error.
func (s *Server) handleGuardrailCheck(w http.ResponseWriter, r *http.Request) {
	if s.deps.Guard == nil {
		s.unavailable(w, "guardrail checker")
		return
	}

	var override *guardrail.Override
	if r.Method == http.MethodPost && r.ContentLength != 0 {
		override = &guardrail.Override{}
		if err := readJSON(w, r, override); err != nil {
			return
		}
	} else {
		o, err := overrideFromQuery(r)
		if err != nil {
			s.fail(w, r, err, "Invalid query")
			return
		}
		override = o
	}

	res := s.deps.Guard.Check(r.Context(), override)
	if res.Blocked {
		logger.GateWarnw(s.log, "Guardrail check blocked executor",
			logger.FieldViolations, res.Reasons,
			logger.FieldRequestID, middleware.GetReqID(r.Context()))
	}
	writeJSON(w, http.StatusOK, res)
}

func overrideFromQuery(r *http.Request) (*guardrail.Override, error) {
	q := r.URL.Query()
	var o guardrail.Override
	set := false

	floats := map[string]**float64{
		"cpu_threshold_pct": &o.CPUThresholdPct,
		"gpu_threshold_pct": &o.GPUThresholdPct,
		"min_disk_gb":       &o.MinDiskGB,
		"min_memory_gb":     &o.MinMemoryGB,
	}
	for name, dst := range floats {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, errors.NewInvalidRequestError("%s must be a number, got %q", name, raw)
		}
		*dst = &v
		set = true
	}

	bools := map[string]**bool{
		"pause_if_recording": &o.PauseIfRecording,
		"pause_if_streaming": &o.PauseIfStreaming,
	}
	for name, dst := range bools {
		b, err := parseBoolQueryParam(r, name)
		if err != nil {
			return nil, err
		}
		if b != nil {
			*dst = b
			set = true
		}
	}

	if !set {
		return nil, nil
	}
	return &o, nil
}
