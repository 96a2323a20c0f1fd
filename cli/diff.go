package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/javanhut/vbranch/internal/colors"
	"github.com/javanhut/vbranch/internal/diffmerge"
	"github.com/javanhut/vbranch/internal/session"
)

var diffStat bool

var diffCmd = &cobra.Command{
	Use:   "diff [branch]",
	Short: "Show the hunks of one or all virtual branches",
	Long: `Without an argument, shows the hunks of every branch followed by the
changes no applied branch owns. Hunk identifiers (path:start-end) are the
arguments of 'vbranch assign' and 'vbranch resolve'.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			if len(args) == 1 {
				hunks, err := s.GetBranchDiff(ctx, args[0])
				if err != nil {
					return err
				}
				printHunks(hunks)
				return nil
			}

			st, err := s.Status(ctx)
			if err != nil {
				return err
			}
			for _, info := range st.Branches {
				hunks, err := s.GetBranchDiff(ctx, string(info.Branch.ID))
				if err != nil {
					return err
				}
				if len(hunks) == 0 {
					continue
				}
				fmt.Println(colors.SectionHeader("Branch " + colors.Branch(info.Branch.Name, info.Branch.Applied)))
				printHunks(hunks)
			}
			if len(st.Unassigned) > 0 {
				fmt.Println(colors.SectionHeader("Unassigned"))
				printHunks(st.Unassigned)
			}
			return nil
		})
	},
}

func printHunks(hunks []diffmerge.Hunk) {
	for _, h := range hunks {
		printHunk(h)
	}
}

func printHunk(h diffmerge.Hunk) {
	header := colors.HunkID(h.ID()) + "  " + colors.Gray(string(h.Change))
	if h.OldPath != "" {
		header += colors.Gray(" from " + h.OldPath)
	}
	if h.Status == diffmerge.StatusConflicted {
		header += "  " + colors.Red("conflicted")
	}
	fmt.Println(header)
	if diffStat {
		fmt.Printf("  %s %s\n", colors.Green(fmt.Sprintf("+%d", len(h.Added))), colors.Red(fmt.Sprintf("-%d", len(h.Removed))))
		return
	}
	for _, line := range strings.SplitAfter(h.Unified(), "\n") {
		if line == "" {
			continue
		}
		fmt.Print(colors.DiffLine(strings.TrimSuffix(line, "\n")) + "\n")
	}
}

var assignCmd = &cobra.Command{
	Use:   "assign <hunk-id> <branch>",
	Short: "Move a hunk to another applied virtual branch",
	Long: `Gives the hunk identified by path:start-end to branch. Any other branch's
stake in those lines is dropped, which also settles a conflict over them.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			if err := s.ReassignHunk(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Assigned %s to %s\n", colors.HunkID(args[0]), colors.Branch(args[1], true))
			return nil
		})
	},
}

func init() {
	diffCmd.Flags().BoolVar(&diffStat, "stat", false, "Show only line counts per hunk")
}
