package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCreateCommand(t *testing.T) {
	cmd := newCreateCommand()
	assert.NotNil(t, cmd)
	assert.Equal(t, "create <path>", cmd.Use)
}

func TestCreateThenRootNewListThenListAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.pmemobj")

	createCmd := newCreateCommand()
	createCmd.SetArgs([]string{path})
	require.NoError(t, createCmd.Execute())

	rootCmd := newRootCommand()
	rootCmd.SetArgs([]string{"new-list", path})
	require.NoError(t, rootCmd.Execute())

	appendCmd := newListCommand()
	appendCmd.SetArgs([]string{"append", path, "42"})
	require.NoError(t, appendCmd.Execute())

	appendCmd2 := newListCommand()
	appendCmd2.SetArgs([]string{"append", path, "hello"})
	require.NoError(t, appendCmd2.Execute())

	var buf bytes.Buffer
	listCmd := newListCommand()
	listCmd.SetArgs([]string{path})
	listCmd.SetOut(&buf)
	require.NoError(t, listCmd.Execute())
	output := buf.String()
	assert.Contains(t, output, "0: ")
	assert.Contains(t, output, "1: ")
}

func TestListClearEmptiesRootList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli-clear.pmemobj")

	createCmd := newCreateCommand()
	createCmd.SetArgs([]string{path})
	require.NoError(t, createCmd.Execute())

	rootCmd := newRootCommand()
	rootCmd.SetArgs([]string{"new-list", path})
	require.NoError(t, rootCmd.Execute())

	appendCmd := newListCommand()
	appendCmd.SetArgs([]string{"append", path, "42"})
	require.NoError(t, appendCmd.Execute())

	clearCmd := newListCommand()
	clearCmd.SetArgs([]string{"clear", path})
	require.NoError(t, clearCmd.Execute())

	var buf bytes.Buffer
	listCmd := newListCommand()
	listCmd.SetArgs([]string{path})
	listCmd.SetOut(&buf)
	require.NoError(t, listCmd.Execute())
	assert.Empty(t, buf.String())
}

func TestLedgerCreateAndPrint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.pmemobj")

	createCmd := newCreateCommand()
	createCmd.SetArgs([]string{path})
	require.NoError(t, createCmd.Execute())

	ledgerCmd := newLedgerCommand()
	ledgerCmd.SetArgs([]string{"create", path, "checking", "100.50"})
	require.NoError(t, ledgerCmd.Execute())

	ledgerCmd2 := newLedgerCommand()
	ledgerCmd2.SetArgs([]string{"create", path, "savings", "25.25"})
	require.NoError(t, ledgerCmd2.Execute())

	var buf bytes.Buffer
	printCmd := newLedgerCommand()
	printCmd.SetArgs([]string{path})
	printCmd.SetOut(&buf)
	require.NoError(t, printCmd.Execute())

	output := buf.String()
	assert.Contains(t, output, "checking")
	assert.Contains(t, output, "savings")
	assert.Contains(t, output, "Net Worth")
}

func TestGCCommandReportsLiveObjects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gc-cli.pmemobj")

	createCmd := newCreateCommand()
	createCmd.SetArgs([]string{path})
	require.NoError(t, createCmd.Execute())

	ledgerCmd := newLedgerCommand()
	ledgerCmd.SetArgs([]string{"create", path, "checking", "10"})
	require.NoError(t, ledgerCmd.Execute())

	var buf bytes.Buffer
	gcCmd := newGCCommand()
	gcCmd.SetArgs([]string{path})
	gcCmd.SetOut(&buf)
	require.NoError(t, gcCmd.Execute())

	output := buf.String()
	assert.Contains(t, output, "live objects by class")
}
