package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
	carol = "0x3333333333333333333333333333333333333333"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func run(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--db", db}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, db string, args ...string) string {
	t.Helper()
	out, err := run(t, db, args...)
	require.NoError(t, err, "forgectl %s: %s", strings.Join(args, " "), out)
	return out
}

func TestIdentityMintAndShow(t *testing.T) {
	t.Parallel()
	db := filepath.Join(t.TempDir(), "forge.db")

	out := mustRun(t, db, "identity", "mint", "7", "--from", alice, "--name", "Alice", "--uri", "ipfs://alice")
	assert.Contains(t, out, "minted carvId 7")

	out = mustRun(t, db, "--json", "carvid", "show", "7")
	var view map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "7", view["carvId"])
	assert.Equal(t, "ipfs://alice", view["metadataURI"])

	out = mustRun(t, db, "identity", "owned", alice)
	assert.Contains(t, out, "7")

	out = mustRun(t, db, "identity", "access", "7", bob, "health")
	assert.Equal(t, "false\n", out)

	_, err := run(t, db, "identity", "mint", "7", "--from", alice)
	assert.Error(t, err)
}

func TestAgentPayPerCall(t *testing.T) {
	t.Parallel()
	db := filepath.Join(t.TempDir(), "forge.db")

	mustRun(t, db, "accounts", "fund", bob, "1 ether")
	out := mustRun(t, db, "agents", "register", "--from", alice, "--name", "Translator",
		"--keyword", "Translate", "--keyword", "nlp", "--price", "0.1 ether", "--receiver", carol, "--carvid", "7")
	assert.Contains(t, out, "registered agent 1")

	out = mustRun(t, db, "agents", "call", "1", "--from", bob, "--value", "0.1 ether")
	assert.Contains(t, out, "called agent 1")

	out = mustRun(t, db, "--json", "accounts", "show", carol)
	var acct map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &acct))
	assert.Equal(t, "100000000000000000", acct["balance"])

	out = mustRun(t, db, "--json", "agents", "show", "1")
	var agent map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &agent))
	assert.EqualValues(t, 1, agent["totalCalls"])
	assert.Equal(t, "100000000000000000", agent["totalEarnings"])

	_, err := run(t, db, "agents", "call", "1", "--from", bob, "--value", "1 gwei")
	assert.Error(t, err)
}

func TestAgentQueries(t *testing.T) {
	t.Parallel()
	db := filepath.Join(t.TempDir(), "forge.db")

	mustRun(t, db, "agents", "register", "--from", alice, "--name", "one", "--keyword", "search", "--carvid", "5")
	mustRun(t, db, "agents", "register", "--from", bob, "--name", "two", "--keyword", "SEARCH")

	out := mustRun(t, db, "agents", "search", "search")
	assert.Contains(t, out, "one")
	assert.Contains(t, out, "two")

	out = mustRun(t, db, "agents", "by-creator", bob)
	assert.Contains(t, out, "two")
	assert.NotContains(t, out, "one")

	out = mustRun(t, db, "--json", "agents", "by-carvid", "5")
	var items []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "one", items[0]["name"])

	out = mustRun(t, db, "agents", "search", "missing")
	assert.Contains(t, out, "No agents.")
}

func TestAgentDeactivateIsCreatorOnly(t *testing.T) {
	t.Parallel()
	db := filepath.Join(t.TempDir(), "forge.db")

	mustRun(t, db, "agents", "register", "--from", alice, "--name", "one")
	_, err := run(t, db, "agents", "deactivate", "1", "--from", bob)
	assert.Error(t, err)

	out := mustRun(t, db, "agents", "deactivate", "1", "--from", alice)
	assert.Contains(t, out, "inactive")
	out = mustRun(t, db, "agents", "list")
	assert.Contains(t, out, "inactive")

	mustRun(t, db, "agents", "reactivate", "1", "--from", alice)
	out = mustRun(t, db, "--json", "agents", "list")
	assert.Contains(t, out, `"isActive": true`)
}

func TestRejectingReceiverFailsCall(t *testing.T) {
	t.Parallel()
	db := filepath.Join(t.TempDir(), "forge.db")

	mustRun(t, db, "accounts", "fund", bob, "1 ether")
	mustRun(t, db, "agents", "register", "--from", alice, "--price", "5 gwei", "--receiver", carol)
	mustRun(t, db, "accounts", "reject", carol)

	_, err := run(t, db, "agents", "call", "1", "--from", bob, "--value", "5 gwei")
	require.Error(t, err)

	out := mustRun(t, db, "--json", "accounts", "show", bob)
	assert.Contains(t, out, `"balance": "1000000000000000000"`)
}

func TestLogsFilter(t *testing.T) {
	t.Parallel()
	db := filepath.Join(t.TempDir(), "forge.db")

	mustRun(t, db, "identity", "mint", "1", "--from", alice)
	mustRun(t, db, "agents", "register", "--from", alice, "--name", "one")

	out := mustRun(t, db, "--json", "logs", "--contract", "Agent")
	var logs []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &logs))
	require.NotEmpty(t, logs)
	for _, lg := range logs {
		assert.Equal(t, "Agent", lg["contract"])
	}

	out = mustRun(t, db, "logs", "--event", "Transfer")
	assert.Contains(t, out, "Transfer")
	assert.NotContains(t, out, "AgentRegistered")
}

func TestEnvironmentSelectsDatabase(t *testing.T) {
	db := filepath.Join(t.TempDir(), "env.db")
	t.Setenv("AGENTFORGE_DB", db)

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"accounts", "fund", alice, "3"})
	require.NoError(t, cmd.Execute())

	got := mustRun(t, db, "--json", "accounts", "show", alice)
	assert.Contains(t, got, `"balance": "3"`)
}

func TestChainCommandsNeedRPC(t *testing.T) {
	t.Parallel()
	_, err := run(t, filepath.Join(t.TempDir(), "forge.db"), "chain", "agent", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--rpc")
}
