package display

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldOutputJSON(t *testing.T) {
	root := &cobra.Command{Use: "vigil"}
	root.PersistentFlags().Bool("json", false, "")
	child := &cobra.Command{Use: "ls"}
	root.AddCommand(child)

	assert.False(t, ShouldOutputJSON(child))
	require.NoError(t, root.PersistentFlags().Set("json", "true"))
	assert.True(t, ShouldOutputJSON(child))

	t.Setenv("VIGIL_OUTPUT", "json")
	assert.True(t, ShouldOutputJSON(nil))
}

func TestTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Table(&buf, []string{"ID", "TYPE"}, nil, "No jobs"))
	assert.Equal(t, "No jobs\n", buf.String())

	buf.Reset()
	require.NoError(t, Table(&buf, []string{"ID", "TYPE"}, [][]string{{"abc", "proxy"}}, "No jobs"))
	assert.Contains(t, buf.String(), "proxy")
	assert.Contains(t, buf.String(), "TYPE")
}

func TestOutputJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, OutputJSON(&buf, map[string]int{"queued": 2}))
	assert.Equal(t, "{\n  \"queued\": 2\n}\n", buf.String())
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "12345678", ShortID("1234567890"))
	assert.Equal(t, "abc", ShortID("abc"))
}
