package commands

import (
	"github.com/spf13/cobra"

	"github.com/teranos/vigil/mcp"
)

// McpCmd serves vigil's inspection tools over MCP on stdio
var McpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve guardrail and job inspection tools over MCP (stdio)",
	Long: `Run an MCP server on stdin/stdout exposing:
  guardrails_check  jobs_blocked  job_cancel  rules_list  rule_history

Logs go to stderr so they never corrupt the protocol stream.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStack(cmd)
		if err != nil {
			return err
		}
		defer st.Close()
		return mcp.NewMCPServer(st.checker, st.queue, st.rules, st.audit, st.log).Serve()
	},
}
