// Package mcp exposes vigil's inspection surface to agents over the Model
// Context Protocol on stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/teranos/vigil/logger"
	"github.com/teranos/vigil/pulse/async"
	"github.com/teranos/vigil/pulse/guardrail"
	"github.com/teranos/vigil/pulse/window"
	"github.com/teranos/vigil/rules"
	"github.com/teranos/vigil/version"
)

const defaultBlockedLimit = 50

// Guard answers "may I run now?".
type Guard interface {
	Check(ctx context.Context, o *guardrail.Override) guardrail.CheckResult
}

// MCPServer wraps vigil's stores and exposes them as MCP tools.
type MCPServer struct {
	guard  Guard
	queue  *async.Queue
	rules  *rules.Store
	audit  *rules.AuditStore
	log    *zap.SugaredLogger
	server *server.MCPServer
}

// NewMCPServer registers the vigil tools.
func NewMCPServer(guard Guard, queue *async.Queue, ruleStore *rules.Store, audit *rules.AuditStore, log *zap.SugaredLogger) *MCPServer {
	s := &MCPServer{
		guard: guard,
		queue: queue,
		rules: ruleStore,
		audit: audit,
		log:   logger.AddComponent(log, "mcp"),
	}
	s.server = server.NewMCPServer(
		"vigil",
		version.Get().Version,
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

func (s *MCPServer) registerTools() {
	s.server.AddTool(mcp.NewTool("guardrails_check",
		mcp.WithDescription("Check whether resource-heavy work may run now. Returns blocked, reasons, retry_after_sec and the system snapshot."),
		mcp.WithNumber("cpu_threshold_pct", mcp.Description("Override the CPU threshold for this check")),
		mcp.WithNumber("gpu_threshold_pct", mcp.Description("Override the GPU threshold for this check")),
		mcp.WithNumber("min_disk_gb", mcp.Description("Override the free disk floor for this check")),
		mcp.WithNumber("min_memory_gb", mcp.Description("Override the available memory floor for this check")),
	), s.handleGuardrailsCheck)

	s.server.AddTool(mcp.NewTool("jobs_blocked",
		mcp.WithDescription("List deferred jobs with why each is blocked and when it is next re-checked"),
		mcp.WithNumber("limit", mcp.Description("Maximum jobs to return (default 50)"), mcp.Min(1)),
	), s.handleJobsBlocked)

	s.server.AddTool(mcp.NewTool("job_cancel",
		mcp.WithDescription("Cancel a queued, deferred or running job and its dependants"),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Job ID")),
	), s.handleJobCancel)

	s.server.AddTool(mcp.NewTool("rules_list",
		mcp.WithDescription("List automation rules in evaluation order"),
		mcp.WithBoolean("enabled_only", mcp.Description("Only list enabled rules")),
	), s.handleRulesList)

	s.server.AddTool(mcp.NewTool("rule_history",
		mcp.WithDescription("Show a rule's recent executions, including deferrals and failures"),
		mcp.WithString("rule_id", mcp.Required(), mcp.Description("Rule ID")),
		mcp.WithNumber("limit", mcp.Description("Maximum executions to return (default 50)"), mcp.Min(1)),
	), s.handleRuleHistory)
}

// Serve runs the server on stdio until stdin closes.
func (s *MCPServer) Serve() error {
	s.log.Infow("MCP server starting on stdio")
	return server.ServeStdio(s.server)
}

func (s *MCPServer) handleGuardrailsCheck(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var o guardrail.Override
	set := false
	for name, dst := range map[string]**float64{
		"cpu_threshold_pct": &o.CPUThresholdPct,
		"gpu_threshold_pct": &o.GPUThresholdPct,
		"min_disk_gb":       &o.MinDiskGB,
		"min_memory_gb":     &o.MinMemoryGB,
	} {
		if _, ok := request.GetArguments()[name]; ok {
			v := request.GetFloat(name, 0)
			*dst = &v
			set = true
		}
	}
	var override *guardrail.Override
	if set {
		override = &o
	}
	return jsonResult(s.guard.Check(ctx, override))
}

func (s *MCPServer) handleJobsBlocked(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobs, err := s.queue.ListBlocked(ctx, request.GetInt("limit", defaultBlockedLimit))
	if err != nil {
		s.log.Errorw("Failed to list blocked jobs", logger.FieldError, err)
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list blocked jobs: %v", err)), nil
	}
	if len(jobs) == 0 {
		return mcp.NewToolResultText("No blocked jobs"), nil
	}

	byKind := map[string]int{}
	for _, j := range jobs {
		kind := window.Kind(j.BlockedReason)
		if kind == "" {
			kind = "other"
		}
		byKind[kind]++
	}
	kinds := make([]string, 0, len(byKind))
	for k, n := range byKind {
		kinds = append(kinds, fmt.Sprintf("%s: %d", k, n))
	}
	sort.Strings(kinds)

	var b strings.Builder
	fmt.Fprintf(&b, "%d blocked job(s) (%s):\n\n", len(jobs), strings.Join(kinds, ", "))
	for _, j := range jobs {
		fmt.Fprintf(&b, "%s  %s\n", j.ID, j.Type)
		fmt.Fprintf(&b, "  blocked_reason: %s\n", j.BlockedReason)
		if j.NextRunAt != nil {
			fmt.Fprintf(&b, "  next_run_at: %s\n", j.NextRunAt.Format("2006-01-02T15:04:05Z07:00"))
		}
		fmt.Fprintf(&b, "  attempts: %d\n", j.Attempts)
		if path := j.FilePath(); path != "" {
			fmt.Fprintf(&b, "  path: %s\n", path)
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleJobCancel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	job, err := s.queue.Cancel(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel job: %v", err)), nil
	}
	s.log.Infow("Job canceled over MCP", logger.FieldJobID, id, logger.FieldState, job.State)
	return mcp.NewToolResultText(fmt.Sprintf("Job %s is %s", job.ID, job.State)), nil
}

func (s *MCPServer) handleRulesList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list := s.rules.List
	if request.GetBool("enabled_only", false) {
		list = s.rules.ListActive
	}
	rs, err := list(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list rules: %v", err)), nil
	}
	if len(rs) == 0 {
		return mcp.NewToolResultText("No rules"), nil
	}

	var b strings.Builder
	for _, r := range rs {
		state := "enabled"
		if !r.Enabled {
			state = "disabled"
		}
		actions := make([]string, len(r.Actions))
		for i, a := range r.Actions {
			actions[i] = a.Type
		}
		fmt.Fprintf(&b, "%s  %s (%s, priority %d)\n", r.ID, r.Name, state, r.Priority)
		fmt.Fprintf(&b, "  trigger: %s  actions: %s\n", r.Trigger.Type, strings.Join(actions, " -> "))
		if r.QuietPeriodSec > 0 {
			fmt.Fprintf(&b, "  quiet_period_sec: %d\n", r.QuietPeriodSec)
		}
		if r.LastError != "" {
			fmt.Fprintf(&b, "  last_error: %s\n", r.LastError)
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleRuleHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("rule_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	execs, err := s.audit.ListByRule(ctx, id, request.GetInt("limit", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load rule history: %v", err)), nil
	}
	if execs == nil {
		execs = []*rules.Execution{}
	}
	return jsonResult(execs)
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
