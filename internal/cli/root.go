package cli

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Work coordination for AI agents",
	Long: `foreman keeps a backlog, runs workstreams through AI agents within a
capacity limit, recommends what to do next and learns from how long work
really took.

  foreman add "Offline sync queue" --hours 4 --tags api,db
  foreman suggest
  foreman autopilot --execute`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("dir", "C", ".", "project directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("dir", rootCmd.PersistentFlags().Lookup("dir"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(boardCmd)
	rootCmd.AddCommand(blockCmd)
	rootCmd.AddCommand(unblockCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(coordinateCmd)
	rootCmd.AddCommand(suggestCmd)
	rootCmd.AddCommand(prepareCmd)
	rootCmd.AddCommand(autopilotCmd)
	rootCmd.AddCommand(explainCmd)
	rootCmd.AddCommand(decisionsCmd)
	rootCmd.AddCommand(progressCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(completeCmd)
	rootCmd.AddCommand(learnCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(uiCmd)
}

func initConfig() {
	viper.SetEnvPrefix("FOREMAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}
