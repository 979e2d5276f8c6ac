package commands

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandRegistersAllSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range GetRootCmd().Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["migrate"])
	assert.True(t, names["replay"])
	assert.True(t, names["diagnose"])
}

func TestDiagnoseCommandPrintsFamilyAndInterfaces(t *testing.T) {
	var out bytes.Buffer
	cmd := GetRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"diagnose"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "family:")
	assert.Contains(t, out.String(), "available interfaces:")
}

func TestPrintErrWritesToRootCmdStderr(t *testing.T) {
	var errBuf bytes.Buffer
	rootCmd.SetErr(&errBuf)
	PrintErr("boom: %s", "detail")
	assert.Contains(t, errBuf.String(), "boom: detail")
}
