package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/imkarma/foreman/internal/agent"
	"github.com/imkarma/foreman/internal/config"
	"github.com/imkarma/foreman/internal/git"
	"github.com/imkarma/foreman/internal/pm"
)

var (
	initName  string
	initType  string
	initGoals string
	initAgent string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize foreman in the project directory",
	Long:  "Creates a .foreman/ directory with default config and database.",
	RunE:  runInit,
}

func init() {
	initCmd.Flags().StringVar(&initName, "name", "", "Project name (default: directory name)")
	initCmd.Flags().StringVar(&initType, "type", "other", "Project type: cli-tool, web-service, library, other")
	initCmd.Flags().StringVar(&initGoals, "goals", "", "Comma separated project goals")
	initCmd.Flags().StringVar(&initAgent, "agent", "claude", "CLI agent to configure as builder (empty for none)")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := filepath.Abs(viper.GetString("dir"))
	if err != nil {
		return err
	}

	cfg := config.DefaultConfig()
	cfg.Project.Name = initName
	if cfg.Project.Name == "" {
		cfg.Project.Name = filepath.Base(dir)
	}
	cfg.Project.Type = initType
	cfg.Project.Goals = splitList(initGoals)
	cfg.Worker.Worktrees = git.New(dir).IsGitRepo()

	if initAgent != "" {
		cfg.Agents[initAgent] = config.Agent{Role: "builder", Mode: "cli", Cmd: initAgent, AutoAccept: true}
		if agent.CLIAvailable(initAgent) {
			printStatus("✓", fmt.Sprintf("%s found", initAgent), color.FgGreen)
		} else {
			printStatus("⚠", fmt.Sprintf("%s not found in PATH (edit .foreman/config.yaml)", initAgent), color.FgYellow)
		}
	}

	if err := pm.Init(dir, cfg); err != nil {
		return err
	}
	printStatus("✓", "Created .foreman/ with config.yaml and foreman.db", color.FgGreen)
	if cfg.Worker.Worktrees {
		printStatus("✓", "Git repository found; workstreams run in worktrees", color.FgGreen)
	}

	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit .foreman/config.yaml to set goals and agents")
	fmt.Println("  2. Run: foreman add \"your first item\" --hours 2")
	fmt.Println("  3. Run: foreman suggest")
	return nil
}

func printStatus(symbol, message string, attr color.Attribute) {
	c := color.New(attr)
	fmt.Fprintf(os.Stdout, "%s %s\n", c.Sprint(symbol), message)
}
