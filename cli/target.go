package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/javanhut/vbranch/internal/colors"
	"github.com/javanhut/vbranch/internal/session"
)

var targetCmd = &cobra.Command{
	Use:   "target [<commit>]",
	Short: "Show or move the commit branches are diffed against",
	Long: `Without arguments, shows the target commit. With a commit (an id, HEAD,
or in a Git repository a branch or tag name) the target moves there. The
working directory is left as it is. Applied branches must be empty; unapply
branches with changes first.

Examples:
  vbranch target
  vbranch target HEAD
  vbranch target main`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			var (
				info *session.TargetInfo
				err  error
			)
			if len(args) == 1 {
				info, err = s.SetTarget(ctx, args[0])
			} else {
				info, err = s.Target(ctx)
			}
			if err != nil {
				return err
			}
			printTarget(info)
			return nil
		})
	},
}

func printTarget(info *session.TargetInfo) {
	if info.ID.IsZero() {
		fmt.Println(colors.Dim("No target commit yet."))
		return
	}
	fmt.Printf("Target %s\n", colors.Yellow(info.ID.Short()))
	if c := info.Commit; c != nil {
		subject, _, _ := strings.Cut(strings.TrimSpace(c.Message), "\n")
		fmt.Printf("  %s %s\n", colors.Gray(c.Author.When.Local().Format("2006-01-02 15:04")), subject)
	}
	if !info.Head.IsZero() && info.Head != info.ID {
		fmt.Printf("  %s\n", colors.WarningText("repository head is at "+info.Head.Short()))
	}
	if len(info.Stale) > 0 {
		fmt.Printf("  %s %s\n", colors.Dim("based elsewhere:"), strings.Join(info.Stale, ", "))
	}
}
