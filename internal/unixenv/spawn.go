package unixenv

import (
	"fmt"
	"sort"

	"github.com/13ty/agor-sub000/internal/command"
)

// SpawnOpts controls how a command is wrapped for execution as another
// unix user.
type SpawnOpts struct {
	// AsUser is the target unix username. Empty means run as-is.
	AsUser string

	// FreshGroups forces a login shell so newly added supplementary
	// groups take effect. "sudo -u" inherits the caller's cached group
	// set from its session; only "su -" re-reads /etc/group. Required
	// whenever the user was just added to a worktree group.
	FreshGroups bool

	// Env is prepended to the inner command. Login shells strip the
	// environment, so with FreshGroups these are injected via env(1).
	Env map[string]string
}

// BuildSpawnArgs wraps (name, args) for execution under opts. With no
// target user the input is returned unchanged, byte for byte.
func BuildSpawnArgs(name string, args []string, opts SpawnOpts) (string, []string, error) {
	if opts.AsUser == "" {
		return name, args, nil
	}
	if !ValidUsername(opts.AsUser) {
		return "", nil, fmt.Errorf("invalid unix username %q", opts.AsUser)
	}

	if !opts.FreshGroups {
		// sudo -u preserves cached groups but is cheaper; fine when no
		// membership changed since the user's session began.
		sudoArgs := []string{"-n", "-u", opts.AsUser}
		if len(opts.Env) > 0 {
			sudoArgs = append(sudoArgs, "env")
			sudoArgs = append(sudoArgs, envPairs(opts.Env)...)
		}
		sudoArgs = append(sudoArgs, name)
		sudoArgs = append(sudoArgs, args...)
		return "sudo", sudoArgs, nil
	}

	// Login shell escalation. The inner command line is assembled with
	// shell quoting because su -c takes a single string.
	inner := ""
	if len(opts.Env) > 0 {
		inner = "env "
		for _, pair := range envPairs(opts.Env) {
			inner += command.Quote(pair) + " "
		}
	}
	inner += command.Quote(name)
	for _, a := range args {
		inner += " " + command.Quote(a)
	}

	return "sudo", []string{"-n", "su", "-", opts.AsUser, "-c", inner}, nil
}

// envPairs renders Env as sorted KEY=value pairs for deterministic argv.
func envPairs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+env[k])
	}
	return pairs
}
