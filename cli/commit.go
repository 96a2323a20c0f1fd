package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/javanhut/vbranch/internal/colors"
	"github.com/javanhut/vbranch/internal/commit"
	"github.com/javanhut/vbranch/internal/logging"
	"github.com/javanhut/vbranch/internal/session"
)

var (
	commitMessage string
	commitAmend   bool
	commitForce   bool

	historyLimit int
)

var commitCmd = &cobra.Command{
	Use:   "commit <branch> -m <message>",
	Short: "Commit the clean hunks of a virtual branch",
	Long: `Creates a commit on the branch containing its base plus every clean hunk
it owns. Conflicted hunks block the commit. The working directory is not
touched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(commitMessage) == "" {
			return fmt.Errorf("commit message required (use -m)")
		}
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			res, err := s.CommitBranch(ctx, args[0], commitMessage, commit.Options{Amend: commitAmend, Force: commitForce})
			if err != nil {
				return err
			}
			logging.From(ctx).Debug("commit created",
				zap.String("tree", res.Tree.Short()),
				zap.String("parent", res.Parent.Short()))

			verb := "Committed"
			if commitAmend {
				verb = "Amended"
			}
			fmt.Printf("%s %s on %s\n", verb, colors.Yellow(res.Commit.Short()), colors.Branch(args[0], true))
			if res.Empty {
				fmt.Println(colors.Dim("  (empty commit)"))
			}
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <branch>",
	Short: "Show the commits of a virtual branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			commits, err := s.History(ctx, args[0], historyLimit)
			if err != nil {
				return err
			}
			if len(commits) == 0 {
				fmt.Println(colors.Dim("No commits on this branch yet."))
				return nil
			}
			for _, c := range commits {
				fmt.Printf("%s %s\n", colors.Yellow("commit"), colors.Yellow(string(c.ID)))
				fmt.Printf("Author: %s <%s>\n", c.Author.Name, c.Author.Email)
				fmt.Printf("Date:   %s\n\n", c.Author.When.Format("Mon Jan 2 15:04:05 2006 -0700"))
				for _, line := range strings.Split(strings.TrimRight(c.Message, "\n"), "\n") {
					fmt.Printf("    %s\n", line)
				}
				fmt.Println()
			}
			return nil
		})
	},
}

func init() {
	commitCmd.Flags().StringVarP(&commitMessage, "message", "m", "", "Commit message")
	commitCmd.Flags().BoolVar(&commitAmend, "amend", false, "Replace the branch's latest commit")
	commitCmd.Flags().BoolVar(&commitForce, "force", false, "Commit even when nothing changed")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Limit number of commits to show")
}
