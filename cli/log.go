package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/javanhut/vbranch/internal/colors"
	"github.com/javanhut/vbranch/internal/oplog"
	"github.com/javanhut/vbranch/internal/session"
)

var logLimit int

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the operation log",
	Long:  `Lists recorded operations, newest first. Undo and redo entries name the operation they revert.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			entries, err := s.Log(logLimit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println(colors.Dim("No operations recorded yet."))
				return nil
			}
			for _, e := range entries {
				fmt.Printf("%s %s %-8s %s\n",
					colors.Yellow(fmt.Sprintf("#%d", e.Seq)),
					colors.Gray(e.At.Local().Format("2006-01-02 15:04:05")),
					kindText(e.Kind),
					e.Summary)
			}
			return nil
		})
	},
}

func kindText(k oplog.Kind) string {
	switch k {
	case oplog.KindUndo, oplog.KindRedo:
		return colors.Magenta(string(k))
	case oplog.KindDelete:
		return colors.Red(string(k))
	case oplog.KindCommit:
		return colors.Green(string(k))
	default:
		return colors.Cyan(string(k))
	}
}

var undoCmd = &cobra.Command{
	Use:   "undo",
	Short: "Revert the most recent operation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			e, err := s.Undo(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Undid #%d: %s\n", e.Seq, e.Summary)
			return nil
		})
	},
}

var redoCmd = &cobra.Command{
	Use:   "redo",
	Short: "Re-apply the most recently undone operation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			e, err := s.Redo(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Redid #%d: %s\n", e.Seq, e.Summary)
			return nil
		})
	},
}

func init() {
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 0, "Limit number of entries to show")
}
