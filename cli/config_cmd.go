package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/javanhut/vbranch/internal/colors"
	"github.com/javanhut/vbranch/internal/config"
	"github.com/javanhut/vbranch/internal/session"
)

var configGlobal bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Get and set repository or global options",
	Long: `Reads and writes vbranch configuration. Repository values in
.vbranch/config.json override the global ~/.vbranchconfig.json, and VBRANCH_SECTION_KEY
environment variables override both.

Examples:
  vbranch config set user.name "Your Name"
  vbranch config set --global user.email "you@example.com"
  vbranch config get conflict.policy
  vbranch config list`,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the effective value of a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := config.GetValue(metaDir(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a key in the repository or global config",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := metaDir()
		if !configGlobal && dir == "" {
			return fmt.Errorf("not in a vbranch repository (use --global to set a global value)")
		}
		if err := config.SetValue(dir, args[0], args[1], configGlobal); err != nil {
			return err
		}
		scope := "repository"
		if configGlobal {
			scope = "global"
		}
		fmt.Printf("Set %s = %s %s\n", colors.InfoText(args[0]), args[1], colors.Gray("("+scope+")"))
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every key with its effective value",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := config.List(metaDir())
		if err != nil {
			return err
		}
		fmt.Println(colors.SectionHeader("Configuration:"))
		for _, key := range config.Keys() {
			value := values[key]
			if value == "" {
				value = colors.Gray("(not set)")
			}
			fmt.Printf("  %s = %s\n", colors.InfoText(key), value)
		}
		return nil
	},
}

// metaDir returns the metadata directory of the enclosing repository, or ""
// outside one.
func metaDir() string {
	workDir, err := os.Getwd()
	if err != nil {
		return ""
	}
	root, err := session.Find(workDir)
	if err != nil {
		return ""
	}
	return filepath.Join(root, config.MetaDirName)
}

func init() {
	configSetCmd.Flags().BoolVar(&configGlobal, "global", false, "Write to the global config file")
}
