package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/javanhut/vbranch/internal/colors"
	"github.com/javanhut/vbranch/internal/session"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show virtual branches and the changes they own",
	Long: `Shows each branch with its files, the changes no applied branch owns,
conflicts and files that could not be read.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			st, err := s.Status(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("Target %s\n\n", colors.Yellow(st.Target.Short()))

			if len(st.Branches) > 0 {
				fmt.Println(colors.SectionHeader("Virtual branches:"))
				for _, info := range st.Branches {
					printBranchLine(info)
					for _, path := range info.Files {
						fmt.Printf("      %s\n", path)
					}
				}
				fmt.Println()
			}

			if len(st.Unassigned) > 0 {
				fmt.Println(colors.SectionHeader("Unassigned changes:"))
				fmt.Println(colors.Dim("  (use \"vbranch assign <hunk-id> <branch>\" to give them to a branch)"))
				for _, h := range st.Unassigned {
					fmt.Printf("  %s\n", colors.HunkID(h.ID()))
				}
				fmt.Println()
			}

			if len(st.Conflicts) > 0 {
				fmt.Println(colors.SectionHeader("Conflicts:"))
				fmt.Println(colors.Dim("  (use \"vbranch resolve <path> <range> --take <branch>\" to settle them)"))
				for _, c := range st.Conflicts {
					fmt.Printf("  %s\n", colors.ErrorText(c.Error()))
				}
				fmt.Println()
			}

			if len(st.Errors) > 0 {
				fmt.Println(colors.SectionHeader("Unreadable files:"))
				for _, e := range st.Errors {
					fmt.Printf("  %s\n", colors.WarningText(e.Error()))
				}
				fmt.Println()
			}

			if st.Clean() {
				fmt.Println(colors.SuccessText("Nothing needs attention."))
			}
			return nil
		})
	},
}
