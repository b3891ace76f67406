// Package display renders CLI output: pterm tables for people, JSON for scripts.
package display

import (
	"fmt"
	"io"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/vigil/errors"
)

// ShouldOutputJSON reports whether --json was set on cmd or the root, or
// VIGIL_OUTPUT=json is in the environment.
func ShouldOutputJSON(cmd *cobra.Command) bool {
	if cmd != nil {
		if cmd.Flags().Changed("json") {
			v, _ := cmd.Flags().GetBool("json")
			return v
		}
		if v, _ := cmd.Root().PersistentFlags().GetBool("json"); v {
			return true
		}
	}
	return os.Getenv("VIGIL_OUTPUT") == "json"
}

// OutputJSON marshals and prints JSON using MarshalJSON
func OutputJSON(w io.Writer, v interface{}) error {
	data, err := MarshalJSON(v)
	if err != nil {
		return errors.Wrap(err, "failed to marshal JSON")
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// Table renders rows under header. An empty table prints empty instead.
func Table(w io.Writer, header []string, rows [][]string, empty string) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, empty)
		return err
	}
	data := append(pterm.TableData{header}, rows...)
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return errors.Wrap(err, "failed to render table")
	}
	_, err = fmt.Fprintln(w, out)
	return err
}

// ShortID truncates an ID to 8 characters for tables
func ShortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
