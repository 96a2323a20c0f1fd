package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/javanhut/vbranch/internal/colors"
	"github.com/javanhut/vbranch/internal/diffmerge"
	"github.com/javanhut/vbranch/internal/session"
)

var (
	resolveTake        string
	resolveKeepWorking bool
)

var applyCmd = &cobra.Command{
	Use:   "apply <branch>",
	Short: "Write an unapplied branch's changes into the working directory",
	Long: `Applies a branch. Lines that were edited in the working directory since
the branch was unapplied become inline conflict blocks; resolve them with
'vbranch resolve'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			res, err := s.ApplyBranch(ctx, args[0])
			if err != nil {
				return err
			}
			printApplyResult(res)
			return nil
		})
	},
}

func printApplyResult(res *session.ApplyResult) {
	fmt.Printf("Applied %s (%d file(s) written)\n", colors.Branch(res.Branch.Name, true), len(res.Written))
	for _, mk := range res.Markers {
		fmt.Printf("  %s %s\n", colors.Red("conflict"), colors.HunkID(diffmerge.FormatID(mk.Path, mk.Range)))
	}
	for _, path := range res.Skipped {
		fmt.Printf("  %s %s\n", colors.WarningText("not written"), path)
	}
	if res.Err != nil {
		fmt.Println(colors.WarningText(res.Err.Error()))
	}
}

var unapplyCmd = &cobra.Command{
	Use:   "unapply <branch>",
	Short: "Remove a branch's changes from the working directory and save them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			b, err := s.UnapplyBranch(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Unapplied %s\n", colors.Branch(b.Name, false))
			return nil
		})
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <path> <range>",
	Short: "Settle a conflict in favor of one branch",
	Long: `Resolves the conflict on path overlapping range (start-end or a single
line). With --take the named branch wins; with --keep-working the working
copy side of a conflict block is kept, or conflicted lines are left
unassigned.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if (resolveTake == "") == !resolveKeepWorking {
			return fmt.Errorf("exactly one of --take or --keep-working is required")
		}
		r, err := diffmerge.ParseRange(args[1])
		if err != nil {
			return err
		}
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			if err := s.ResolveConflict(ctx, args[0], r, resolveTake); err != nil {
				return err
			}
			winner := "working copy"
			if resolveTake != "" {
				winner = colors.Branch(resolveTake, true)
			}
			fmt.Printf("Resolved %s for %s\n", colors.HunkID(diffmerge.FormatID(args[0], r)), winner)
			return nil
		})
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolveTake, "take", "", "Branch whose side wins")
	resolveCmd.Flags().BoolVar(&resolveKeepWorking, "keep-working", false, "Keep the working copy side")
}
