package unixenv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSpawnArgsIdentity(t *testing.T) {
	name, args, err := BuildSpawnArgs("node", []string{"executor.js", "--socket", "/tmp/a.sock"}, SpawnOpts{})
	require.NoError(t, err)
	assert.Equal(t, "node", name)
	assert.Equal(t, []string{"executor.js", "--socket", "/tmp/a.sock"}, args)
}

func TestBuildSpawnArgsSudoUser(t *testing.T) {
	name, args, err := BuildSpawnArgs("node", []string{"executor.js"}, SpawnOpts{AsUser: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "sudo", name)
	assert.Equal(t, []string{"-n", "-u", "alice", "node", "executor.js"}, args)
}

func TestBuildSpawnArgsSudoUserWithEnv(t *testing.T) {
	name, args, err := BuildSpawnArgs("node", []string{"x.js"}, SpawnOpts{
		AsUser: "alice",
		Env:    map[string]string{"HOME": "/home/alice", "AGOR_TASK": "t1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "sudo", name)
	assert.Equal(t, []string{"-n", "-u", "alice", "env", "AGOR_TASK=t1", "HOME=/home/alice", "node", "x.js"}, args)
}

func TestBuildSpawnArgsFreshGroups(t *testing.T) {
	name, args, err := BuildSpawnArgs("node", []string{"executor.js", "--task", "t1"}, SpawnOpts{
		AsUser:      "alice",
		FreshGroups: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "sudo", name)
	require.Len(t, args, 6)
	assert.Equal(t, []string{"-n", "su", "-", "alice", "-c"}, args[:5])
	assert.Equal(t, `'node' 'executor.js' '--task' 't1'`, args[5])
}

func TestBuildSpawnArgsFreshGroupsWithEnv(t *testing.T) {
	_, args, err := BuildSpawnArgs("node", []string{"x.js"}, SpawnOpts{
		AsUser:      "alice",
		FreshGroups: true,
		Env:         map[string]string{"ANTHROPIC_API_KEY": "sk-it's"},
	})
	require.NoError(t, err)
	// Login shells strip env, so values ride through env(1); single quotes
	// inside values must be escaped.
	assert.Equal(t, `env 'ANTHROPIC_API_KEY=sk-it'\''s' 'node' 'x.js'`, args[5])
}

func TestBuildSpawnArgsRejectsBadUsername(t *testing.T) {
	_, _, err := BuildSpawnArgs("node", nil, SpawnOpts{AsUser: "Alice; rm -rf /"})
	assert.Error(t, err)
}
