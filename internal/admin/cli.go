package admin

import (
	"github.com/spf13/cobra"

	"github.com/13ty/agor-sub000/internal/command"
	"github.com/13ty/agor-sub000/internal/common/logger"
)

// NewCommand builds the "agor admin" command tree. Every subcommand
// accepts --dry-run and --verbose and exits 0 on success, including
// when the system is already in the requested state.
func NewCommand() *cobra.Command {
	var (
		dryRun  bool
		verbose bool
	)

	adminCmd := &cobra.Command{
		Use:   "admin",
		Short: "Privileged unix isolation operations",
		Long: `Privileged subcommands that manage unix users, per-worktree groups,
and home-directory symlinks. These are designed to be invoked by the
daemon through passwordless sudo; the sudoers policy should restrict
"sudo -n" to exactly this command set.`,
	}

	adminCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "log intended mutations without applying them")
	adminCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug-level logging")

	newService := func() (*Service, error) {
		level := "info"
		if verbose {
			level = "debug"
		}
		log, err := logger.NewLogger(logger.LoggingConfig{Level: level, Format: "console", OutputPath: "stderr"})
		if err != nil {
			return nil, err
		}
		var runner command.Runner = command.WithLogging(command.NewDirect(), log)
		if dryRun {
			runner = command.WithDryRun(runner, log)
		}
		return NewService(runner, log), nil
	}

	var worktreeID string
	createGroupCmd := &cobra.Command{
		Use:   "create-worktree-group",
		Short: "Create the unix group for a worktree",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newService()
			if err != nil {
				return err
			}
			return svc.CreateWorktreeGroup(cmd.Context(), worktreeID)
		},
	}
	createGroupCmd.Flags().StringVar(&worktreeID, "worktree-id", "", "worktree id the group is derived from")
	_ = createGroupCmd.MarkFlagRequired("worktree-id")

	var deleteGroupName string
	deleteGroupCmd := &cobra.Command{
		Use:   "delete-worktree-group",
		Short: "Delete a managed worktree group",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newService()
			if err != nil {
				return err
			}
			return svc.DeleteWorktreeGroup(cmd.Context(), deleteGroupName)
		},
	}
	deleteGroupCmd.Flags().StringVar(&deleteGroupName, "group", "", "group name (agor_wt_ prefix required)")
	_ = deleteGroupCmd.MarkFlagRequired("group")

	var (
		ensureUsername string
		ensureHomeBase string
	)
	ensureUserCmd := &cobra.Command{
		Use:   "ensure-user",
		Short: "Create a unix user with home and worktrees directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newService()
			if err != nil {
				return err
			}
			return svc.EnsureUser(cmd.Context(), ensureUsername, ensureHomeBase)
		},
	}
	ensureUserCmd.Flags().StringVar(&ensureUsername, "username", "", "unix username")
	ensureUserCmd.Flags().StringVar(&ensureHomeBase, "home-base", "", "base directory for homes (default /home)")
	_ = ensureUserCmd.MarkFlagRequired("username")

	var (
		deleteUsername string
		deleteHome     bool
	)
	deleteUserCmd := &cobra.Command{
		Use:   "delete-user",
		Short: "Delete a unix user",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newService()
			if err != nil {
				return err
			}
			return svc.DeleteUser(cmd.Context(), deleteUsername, deleteHome)
		},
	}
	deleteUserCmd.Flags().StringVar(&deleteUsername, "username", "", "unix username")
	deleteUserCmd.Flags().BoolVar(&deleteHome, "delete-home", false, "also remove the home directory")
	_ = deleteUserCmd.MarkFlagRequired("username")

	var (
		removeMemberUsername string
		removeMemberGroup    string
	)
	removeFromGroupCmd := &cobra.Command{
		Use:   "remove-from-worktree-group",
		Short: "Remove a user from a managed worktree group",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newService()
			if err != nil {
				return err
			}
			return svc.RemoveFromWorktreeGroup(cmd.Context(), removeMemberUsername, removeMemberGroup)
		},
	}
	removeFromGroupCmd.Flags().StringVar(&removeMemberUsername, "username", "", "unix username")
	removeFromGroupCmd.Flags().StringVar(&removeMemberGroup, "group", "", "group name (agor_wt_ prefix required)")
	_ = removeFromGroupCmd.MarkFlagRequired("username")
	_ = removeFromGroupCmd.MarkFlagRequired("group")

	var (
		symlinkUsername string
		symlinkWorktree string
		symlinkHomeBase string
	)
	removeSymlinkCmd := &cobra.Command{
		Use:   "remove-symlink",
		Short: "Remove a worktree symlink from a user's home",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newService()
			if err != nil {
				return err
			}
			return svc.RemoveSymlink(cmd.Context(), symlinkUsername, symlinkWorktree, symlinkHomeBase)
		},
	}
	removeSymlinkCmd.Flags().StringVar(&symlinkUsername, "username", "", "unix username")
	removeSymlinkCmd.Flags().StringVar(&symlinkWorktree, "worktree-name", "", "worktree link name")
	removeSymlinkCmd.Flags().StringVar(&symlinkHomeBase, "home-base", "", "base directory for homes (default /home)")
	_ = removeSymlinkCmd.MarkFlagRequired("username")
	_ = removeSymlinkCmd.MarkFlagRequired("worktree-name")

	var (
		syncUsername string
		syncHomeBase string
	)
	syncSymlinksCmd := &cobra.Command{
		Use:   "sync-user-symlinks",
		Short: "Remove broken worktree symlinks from a user's home",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newService()
			if err != nil {
				return err
			}
			return svc.SyncUserSymlinks(cmd.Context(), syncUsername, syncHomeBase)
		},
	}
	syncSymlinksCmd.Flags().StringVar(&syncUsername, "username", "", "unix username")
	syncSymlinksCmd.Flags().StringVar(&syncHomeBase, "home-base", "", "base directory for homes (default /home)")
	_ = syncSymlinksCmd.MarkFlagRequired("username")

	adminCmd.AddCommand(
		createGroupCmd,
		deleteGroupCmd,
		ensureUserCmd,
		deleteUserCmd,
		removeFromGroupCmd,
		removeSymlinkCmd,
		syncSymlinksCmd,
	)
	return adminCmd
}
