package commands

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/vigil/display"
	"github.com/teranos/vigil/errors"
	"github.com/teranos/vigil/pulse/async"
	"github.com/teranos/vigil/sym"
)

// JobsCmd inspects and manages jobs
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Pulse + " Inspect and manage jobs",
	Long: sym.Pulse + ` Inspect and manage jobs.

Examples:
  vigil jobs ls --blocked                 # Deferred jobs with blocked_reason and next_run_at
  vigil jobs ls --state failed            # Failed jobs
  vigil jobs submit proxy --path a.mkv    # Submit through the admission gates
  vigil jobs cancel <id>                  # Cancel a job and its dependants
  vigil jobs status                       # Counts by state`,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	RunE:  runJobsLs,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit <type>",
	Short: "Submit a job through the admission gates",
	Long: `Submit a job the same way rules do: it is deferred when its quiet period
has not elapsed, it is outside its active hours, or (for resource-sensitive
types) guardrails are tripped.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsSubmit,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a queued, deferred or running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job counts by state",
	RunE:  runJobsStatus,
}

func init() {
	jobsLsCmd.Flags().Bool("blocked", false, "Only deferred jobs")
	jobsLsCmd.Flags().String("state", "", "Filter by state (queued, running, completed, failed, canceled)")
	jobsLsCmd.Flags().String("type", "", "Filter by job type")
	jobsLsCmd.Flags().String("rule", "", "Filter by rule id")
	jobsLsCmd.Flags().Int("limit", 50, "Maximum jobs to list")

	jobsSubmitCmd.Flags().String("path", "", "File the job operates on")
	jobsSubmitCmd.Flags().String("asset", "", "Asset id")
	jobsSubmitCmd.Flags().Int("quiet-period", 0, "Seconds the file must be unmodified before the job runs")
	jobsSubmitCmd.Flags().StringToString("param", nil, "Extra payload parameters (key=value)")

	JobsCmd.AddCommand(jobsLsCmd, jobsShowCmd, jobsSubmitCmd, jobsCancelCmd, jobsStatusCmd)
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	st, err := openStack(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	blocked, _ := cmd.Flags().GetBool("blocked")
	state, _ := cmd.Flags().GetString("state")
	jobType, _ := cmd.Flags().GetString("type")
	ruleID, _ := cmd.Flags().GetString("rule")
	limit, _ := cmd.Flags().GetInt("limit")

	filter := async.JobFilter{Type: jobType, RuleID: ruleID, Limit: limit}
	if state != "" {
		if !async.IsValidState(state) {
			return errors.NewInvalidRequestError("unknown state %q", state)
		}
		filter.State = async.JobState(state)
	}
	if blocked {
		deferred := true
		filter.State = async.StateQueued
		filter.Deferred = &deferred
	}

	jobs, err := st.queue.ListJobs(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), jobs)
	}

	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		state := string(j.State)
		if j.Deferred {
			state = "deferred"
		}
		next := ""
		if j.NextRunAt != nil {
			next = j.NextRunAt.Local().Format(time.DateTime)
		}
		rows = append(rows, []string{
			display.ShortID(j.ID), j.Type, state, j.BlockedReason, next,
			strconv.Itoa(j.Attempts), j.FilePath(),
		})
	}
	return display.Table(cmd.OutOrStdout(),
		[]string{"ID", "TYPE", "STATE", "BLOCKED REASON", "NEXT RUN", "ATTEMPTS", "PATH"},
		rows, "No jobs")
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	st, err := openStack(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	job, err := st.queue.GetJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return display.OutputJSON(cmd.OutOrStdout(), job)
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	st, err := openStack(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	path, _ := cmd.Flags().GetString("path")
	asset, _ := cmd.Flags().GetString("asset")
	quiet, _ := cmd.Flags().GetInt("quiet-period")
	params, _ := cmd.Flags().GetStringToString("param")

	payload := map[string]interface{}{}
	for k, v := range params {
		payload[k] = v
	}
	if path != "" {
		payload["path"] = path
	}
	job, err := async.NewJob(args[0], async.SourceCLI, payload)
	if err != nil {
		return err
	}
	job.AssetID = asset
	if path != "" || quiet > 0 {
		job.Gate = &async.Gate{FilePath: path, QuietPeriodSec: quiet}
	}

	if err := st.scheduler.Admit(cmd.Context(), job); err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), job)
	}
	if job.Deferred {
		fmt.Fprintf(cmd.OutOrStdout(), "%s deferred: %s (next check %s)\n",
			job.ID, job.BlockedReason, job.NextRunAt.Local().Format(time.DateTime))
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s queued\n", job.ID)
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	st, err := openStack(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	job, err := st.queue.Cancel(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", job.ID, job.State)
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	st, err := openStack(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	counts, err := st.queue.Counts(cmd.Context())
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), counts)
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, strconv.Itoa(counts[k])})
	}
	return display.Table(cmd.OutOrStdout(), []string{"STATE", "COUNT"}, rows, "No jobs")
}
