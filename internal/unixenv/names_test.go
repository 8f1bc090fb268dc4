package unixenv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupForWorktree(t *testing.T) {
	group, err := GroupForWorktree("ab12cd34-5678-90ab-cdef-112233445566")
	require.NoError(t, err)
	assert.Equal(t, "agor_wt_ab12cd34", group)

	// Plain hex ids derive the same way
	group, err = GroupForWorktree("AB12CD345678")
	require.NoError(t, err)
	assert.Equal(t, "agor_wt_ab12cd34", group)
}

func TestGroupForWorktreeRejectsShortIDs(t *testing.T) {
	_, err := GroupForWorktree("ab12")
	assert.Error(t, err)

	_, err = GroupForWorktree("")
	assert.Error(t, err)
}

func TestGroupForWorktreeRejectsNonHex(t *testing.T) {
	_, err := GroupForWorktree("zzzzzzzz-0000")
	assert.Error(t, err)
}

func TestValidUsername(t *testing.T) {
	valid := []string{"alice", "bob_2", "_svc", "a", "user_with_32_chars_aaaaaaaaaaaaa"}
	for _, u := range valid {
		assert.True(t, ValidUsername(u), "expected %q to be valid", u)
	}

	invalid := []string{"", "Alice", "1abc", "a-b", "a b", "root;rm", "ünïcode",
		"user_with_33_chars_aaaaaaaaaaaaaa"}
	for _, u := range invalid {
		assert.False(t, ValidUsername(u), "expected %q to be invalid", u)
	}
}

func TestWorktreeLinkPath(t *testing.T) {
	assert.Equal(t, "/home/alice/agor/worktrees/feature-x",
		WorktreeLinkPath("/home", "alice", "feature-x"))
	assert.Equal(t, "/home/alice/agor/worktrees", WorktreesDir("/home", "alice"))
}
