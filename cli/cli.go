package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/javanhut/vbranch/internal/colors"
	"github.com/javanhut/vbranch/internal/logging"
	"github.com/javanhut/vbranch/internal/session"
	"github.com/javanhut/vbranch/internal/vberr"
)

var rootCmd = &cobra.Command{
	Use:   "vbranch",
	Short: "Work on several branches at once in one working directory",
	Long: `vbranch splits the uncommitted changes of a working directory into
virtual branches. Each changed hunk belongs to one branch, branches can be
applied and unapplied independently, and each one is committed on its own.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var noColor bool

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		printError(err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if noColor {
			colors.SetColorEnabled(false)
		}
	}

	// Repository
	rootCmd.AddCommand(initCmd, statusCmd, targetCmd, configCmd)
	configCmd.AddCommand(configGetCmd, configSetCmd, configListCmd)

	// Branch management
	rootCmd.AddCommand(listCmd, createCmd, updateCmd, deleteCmd)

	// Hunks and the working directory
	rootCmd.AddCommand(diffCmd, assignCmd, applyCmd, unapplyCmd, resolveCmd)

	// Commits
	rootCmd.AddCommand(commitCmd, historyCmd)

	// Operation log
	rootCmd.AddCommand(undoCmd, redoCmd, logCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Start tracking virtual branches in the current directory",
	Long: `Creates the .vbranch directory. Inside a Git repository the Git object
store and HEAD are used as the target; otherwise the current contents are
recorded as the initial target commit.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		workDir, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		logger := logging.FromEnv()
		defer logger.Sync()

		s, err := session.Init(cmd.Context(), workDir, session.Options{Logger: logger})
		if err != nil {
			return err
		}
		defer s.Close()

		view := s.View()
		fmt.Printf("%s %s\n", colors.SuccessText("Initialized vbranch repository in"), s.MetaDir)
		if view != nil {
			fmt.Printf("Target: %s\n", colors.Yellow(view.State.Target.Short()))
		}
		return nil
	},
}

// withSession opens the repository containing the working directory, runs fn
// and closes it again.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session.Session) error) error {
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	root, err := session.Find(workDir)
	if err != nil {
		return err
	}

	logger := logging.FromEnv()
	defer logger.Sync()

	s, err := session.Open(root, session.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := logging.With(cmd.Context(), logger.With(zap.String("command", cmd.Name())))
	return fn(ctx, s)
}

func printError(err error) {
	switch {
	case vberr.IsWarning(err):
		fmt.Fprintln(os.Stderr, colors.WarningText("warning: ")+err.Error())
	case vberr.IsInvariant(err):
		fmt.Fprintln(os.Stderr, colors.ErrorText("internal error: ")+err.Error())
		fmt.Fprintln(os.Stderr, "Set VBRANCH_LOG_LEVEL=debug and report the output.")
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, colors.WarningText("interrupted"))
	default:
		fmt.Fprintln(os.Stderr, colors.ErrorText("error: ")+err.Error())
	}
}
