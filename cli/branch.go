package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/javanhut/vbranch/internal/colors"
	"github.com/javanhut/vbranch/internal/session"
)

var (
	createNotes string
	createFrom  string
	createBase  string

	updateName  string
	updateNotes string
	updateOrder int
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List virtual branches",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			branches, err := s.ListVirtualBranches(ctx)
			if err != nil {
				return err
			}
			if len(branches) == 0 {
				fmt.Println(colors.Dim("No virtual branches. Create one with: vbranch create <name>"))
				return nil
			}
			for _, info := range branches {
				printBranchLine(info)
			}
			return nil
		})
	},
}

func printBranchLine(info session.BranchInfo) {
	b := info.Branch
	state := colors.Green("applied")
	if !b.Applied {
		state = colors.Gray("unapplied")
	}
	line := fmt.Sprintf("%-3d %s  %s  %d file(s), %d hunk(s)",
		b.Order, colors.Branch(b.Name, b.Applied), state, len(info.Files), info.Hunks)
	if info.Conflicted > 0 {
		line += colors.Red(fmt.Sprintf(", %d conflicted", info.Conflicted))
	}
	if !b.Head.IsZero() {
		line += colors.Gray("  head " + b.Head.Short())
	}
	if len(b.Pending) > 0 {
		line += colors.WarningText(fmt.Sprintf("  %d file(s) not written", len(b.Pending)))
	}
	fmt.Println(line)
	if b.Notes != "" {
		fmt.Printf("    %s\n", colors.Dim(b.Notes))
	}
}

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an empty applied virtual branch",
	Long: `Creates a virtual branch. With --from the branch starts at an existing
commit or virtual branch and its changes relative to --base (the target by
default) are applied to the working directory. A branch based elsewhere than
the target stays unapplied until 'vbranch target' moves there.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if createBase != "" && createFrom == "" {
			return fmt.Errorf("--base requires --from")
		}
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			if createFrom == "" {
				b, err := s.CreateBranch(ctx, args[0], createNotes)
				if err != nil {
					return err
				}
				fmt.Printf("Created virtual branch %s (%s)\n", colors.Branch(b.Name, true), colors.Gray(b.ID.Short()))
				return nil
			}

			b, res, err := s.CreateBranchFrom(ctx, args[0], createNotes, createFrom, createBase)
			if err != nil {
				return err
			}
			fmt.Printf("Created virtual branch %s at %s\n", colors.Branch(b.Name, b.Applied), colors.Yellow(b.Head.Short()))
			if res != nil {
				printApplyResult(res)
			} else if !b.Applied {
				fmt.Println(colors.Dim("  (based on " + b.Base.Short() + "; run \"vbranch target " + b.Base.Short() + "\" to apply it)"))
			}
			return nil
		})
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <branch>",
	Short: "Rename, annotate or reorder a virtual branch",
	Long: `Changes the name, notes or order of a branch. The order decides which
branch receives changes no branch owns yet and how conflict blocks are
stacked.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var upd session.BranchUpdate
		flags := cmd.Flags()
		if flags.Changed("name") {
			upd.Name = &updateName
		}
		if flags.Changed("notes") {
			upd.Notes = &updateNotes
		}
		if flags.Changed("order") {
			upd.Order = &updateOrder
		}
		if upd.Name == nil && upd.Notes == nil && upd.Order == nil {
			return fmt.Errorf("nothing to update (use --name, --notes or --order)")
		}

		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			b, err := s.UpdateBranch(ctx, args[0], upd)
			if err != nil {
				return err
			}
			fmt.Printf("Updated virtual branch %s\n", colors.Branch(b.Name, b.Applied))
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <branch>",
	Aliases: []string{"rm"},
	Short:   "Delete a virtual branch",
	Long: `Deletes a branch. An applied branch first has its changes removed from
the working directory. Use 'vbranch undo' to get it back.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			if err := s.DeleteBranch(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted virtual branch %s\n", strings.TrimSpace(args[0]))
			return nil
		})
	},
}

func init() {
	createCmd.Flags().StringVar(&createNotes, "notes", "", "Free-form description of the branch")
	createCmd.Flags().StringVar(&createFrom, "from", "", "Start the branch at this commit or virtual branch")
	createCmd.Flags().StringVar(&createBase, "base", "", "Commit the branch's changes are relative to")

	updateCmd.Flags().StringVar(&updateName, "name", "", "New branch name")
	updateCmd.Flags().StringVar(&updateNotes, "notes", "", "New branch notes")
	updateCmd.Flags().IntVar(&updateOrder, "order", 0, "New position among the branches")
}
