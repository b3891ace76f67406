package commands

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/vigil/display"
	"github.com/teranos/vigil/errors"
	"github.com/teranos/vigil/rules"
	"github.com/teranos/vigil/sym"
)

// RulesCmd manages automation rules
var RulesCmd = &cobra.Command{
	Use:   "rules",
	Short: sym.Rule + " Manage automation rules",
	Long: sym.Rule + ` Manage automation rules.

Rules are evaluated lowest priority first. Each one matches an event
(file_closed, schedule, tagged, manual, api) against its conditions, then
either runs its actions or defers them as jobs until the quiet period,
active hours and guardrails allow.

Examples:
  vigil rules import rules.yaml      # Create or update rules by name
  vigil rules ls                     # List rules in evaluation order
  vigil rules history <id>           # Recent executions, including deferrals
  vigil rules disable <id>`,
}

var rulesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List rules",
	RunE:  runRulesLs,
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import rules from YAML, upserting by name",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesImport,
}

var rulesHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show a rule's recent executions",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesHistory,
}

var rulesEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a rule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setRuleEnabled(cmd, args[0], true) },
}

var rulesDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a rule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setRuleEnabled(cmd, args[0], false) },
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a rule (its history is kept)",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesDelete,
}

func init() {
	rulesHistoryCmd.Flags().Int("limit", 20, "Maximum executions to show")
	RulesCmd.AddCommand(rulesLsCmd, rulesImportCmd, rulesHistoryCmd, rulesEnableCmd, rulesDisableCmd, rulesDeleteCmd)
}

func runRulesLs(cmd *cobra.Command, args []string) error {
	st, err := openStack(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	list, err := st.rules.List(cmd.Context())
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), list)
	}

	rows := make([][]string, 0, len(list))
	for _, r := range list {
		actions := make([]string, len(r.Actions))
		for i, a := range r.Actions {
			actions[i] = a.Type
		}
		last := ""
		if r.LastTriggered != nil {
			last = r.LastTriggered.Local().Format(time.DateTime)
		}
		rows = append(rows, []string{
			display.ShortID(r.ID), r.Name, strconv.FormatBool(r.Enabled), strconv.Itoa(r.Priority),
			r.Trigger.Type, strings.Join(actions, " -> "), last, r.LastError,
		})
	}
	return display.Table(cmd.OutOrStdout(),
		[]string{"ID", "NAME", "ENABLED", "PRIORITY", "TRIGGER", "ACTIONS", "LAST TRIGGERED", "LAST ERROR"},
		rows, "No rules")
}

func runRulesImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", args[0])
	}
	defer f.Close()

	parsed, err := rules.ParseYAML(f)
	if err != nil {
		return errors.Wrapf(err, "failed to parse %s", args[0])
	}

	st, err := openStack(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := st.rules.Import(cmd.Context(), parsed)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Imported %d rule(s): %d created, %d updated\n",
		sym.Rule, len(res.Created)+len(res.Updated), len(res.Created), len(res.Updated))
	return nil
}

func runRulesHistory(cmd *cobra.Command, args []string) error {
	st, err := openStack(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	execs, err := st.audit.ListByRule(cmd.Context(), args[0], limit)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), execs)
	}

	rows := make([][]string, 0, len(execs))
	for _, e := range execs {
		outcome := "ok"
		switch {
		case !e.Success:
			outcome = "failed"
		case e.Deferred:
			outcome = "deferred"
		}
		detail := e.BlockedReason
		if e.ErrorMessage != "" {
			detail = e.ErrorMessage
		}
		rows = append(rows, []string{
			e.ExecutedAt.Local().Format(time.DateTime), e.EventType, outcome, detail,
			strings.Join(e.ActionsPerformed, ", "), strconv.Itoa(len(e.JobIDs)),
			strconv.FormatInt(e.ExecutionTimeMS, 10) + "ms",
		})
	}
	return display.Table(cmd.OutOrStdout(),
		[]string{"EXECUTED", "EVENT", "OUTCOME", "DETAIL", "ACTIONS", "JOBS", "TOOK"},
		rows, "No executions")
}

func setRuleEnabled(cmd *cobra.Command, id string, enabled bool) error {
	st, err := openStack(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.rules.SetEnabled(cmd.Context(), id, enabled); err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", id, state)
	return nil
}

func runRulesDelete(cmd *cobra.Command, args []string) error {
	st, err := openStack(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.rules.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s deleted\n", args[0])
	return nil
}
