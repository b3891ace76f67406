package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teranos/vigil/display"
	"github.com/teranos/vigil/pulse/guardrail"
	"github.com/teranos/vigil/pulse/probe"
	"github.com/teranos/vigil/sym"
)

// GuardrailsCmd queries the guardrail evaluator
var GuardrailsCmd = &cobra.Command{
	Use:   "guardrails",
	Short: sym.Gate + " Check system guardrails",
}

var guardrailsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Sample the system and report whether heavy work may run",
	Long: sym.Gate + ` Sample CPU, GPU, memory, disk and capture state and evaluate
them against the configured guardrails. Threshold flags override the config
for this check only.

With --exit-code the command exits 2 when blocked, for use in scripts:
  vigil guardrails check --exit-code && ffmpeg ...`,
	RunE: runGuardrailsCheck,
}

// errBlocked carries the exit status for --exit-code.
type errBlocked struct{ reasons []string }

func (e errBlocked) Error() string { return "blocked: " + strings.Join(e.reasons, ",") }

// ExitCode is read by main.
func (e errBlocked) ExitCode() int { return 2 }

func init() {
	f := guardrailsCheckCmd.Flags()
	f.Float64("cpu", 0, "CPU threshold percent")
	f.Float64("gpu", 0, "GPU threshold percent")
	f.Float64("min-disk", 0, "Minimum free disk in GB")
	f.Float64("min-memory", 0, "Minimum available memory in GB")
	f.Bool("pause-if-recording", false, "Block while recording")
	f.Bool("pause-if-streaming", false, "Block while streaming")
	f.Bool("exit-code", false, "Exit 2 when blocked")
	GuardrailsCmd.AddCommand(guardrailsCheckCmd)
}

// overrideFromFlags builds an override from the flags the user actually set.
func overrideFromFlags(cmd *cobra.Command) *guardrail.Override {
	f := cmd.Flags()
	var o guardrail.Override
	set := false
	float := func(name string, dst **float64) {
		if f.Changed(name) {
			v, _ := f.GetFloat64(name)
			*dst = &v
			set = true
		}
	}
	boolean := func(name string, dst **bool) {
		if f.Changed(name) {
			v, _ := f.GetBool(name)
			*dst = &v
			set = true
		}
	}
	float("cpu", &o.CPUThresholdPct)
	float("gpu", &o.GPUThresholdPct)
	float("min-disk", &o.MinDiskGB)
	float("min-memory", &o.MinMemoryGB)
	boolean("pause-if-recording", &o.PauseIfRecording)
	boolean("pause-if-streaming", &o.PauseIfStreaming)
	if !set {
		return nil
	}
	return &o
}

func runGuardrailsCheck(cmd *cobra.Command, args []string) error {
	st, err := openStack(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	res := st.checker.Check(cmd.Context(), overrideFromFlags(cmd))
	if display.ShouldOutputJSON(cmd) {
		if err := display.OutputJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	} else if err := renderCheck(cmd, res, st.checker.Config().Apply(overrideFromFlags(cmd))); err != nil {
		return err
	}

	if exit, _ := cmd.Flags().GetBool("exit-code"); exit && res.Blocked {
		return errBlocked{reasons: res.Reasons}
	}
	return nil
}

func renderCheck(cmd *cobra.Command, res guardrail.CheckResult, cfg guardrail.Config) error {
	s := res.Snapshot
	value := func(m probe.Metric, v string) string {
		if !s.Has(m) {
			return "unavailable"
		}
		return v
	}
	pct := func(v float64) string { return strconv.FormatFloat(v, 'f', 1, 64) + "%" }
	gb := func(v float64) string { return strconv.FormatFloat(v, 'f', 1, 64) + " GB" }

	rows := [][]string{
		{"cpu", value(probe.MetricCPU, pct(s.CPUPct)), "< " + pct(cfg.CPUThresholdPct)},
		{"gpu", value(probe.MetricGPU, pct(s.GPUPct)), "< " + pct(cfg.GPUThresholdPct)},
		{"memory", value(probe.MetricMemory, gb(s.MemAvailableGB)), ">= " + gb(cfg.MinMemoryGB)},
		{"disk", value(probe.MetricDisk, gb(s.DiskFreeGB)), ">= " + gb(cfg.MinDiskGB)},
		{"recording", value(probe.MetricCapture, strconv.FormatBool(s.IsRecording)), pauseLimit(cfg.PauseIfRecording)},
		{"streaming", value(probe.MetricCapture, strconv.FormatBool(s.IsStreaming)), pauseLimit(cfg.PauseIfStreaming)},
	}
	if err := display.Table(cmd.OutOrStdout(), []string{"METRIC", "VALUE", "LIMIT"}, rows, ""); err != nil {
		return err
	}
	if res.Blocked {
		fmt.Fprintf(cmd.OutOrStdout(), "%s blocked: %s (retry after %ds)\n", sym.Gate, strings.Join(res.Reasons, ", "), res.RetryAfterSec)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s clear\n", sym.Gate)
	return nil
}

func pauseLimit(pause bool) string {
	if pause {
		return "must be false"
	}
	return "ignored"
}
