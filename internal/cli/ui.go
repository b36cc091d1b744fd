package cli

import (
	"context"
	"fmt"
	"io"
	"log"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/imkarma/foreman/internal/pm"
	"github.com/imkarma/foreman/internal/tui"
)

var uiCmd = &cobra.Command{
	Use:   "ui",
	Short: "Open interactive dashboard",
	Long:  "Opens a live dashboard of the backlog, active workstreams, coordination issues and suggestions.",
	RunE:  runUI,
}

func runUI(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(ctx context.Context, svc *pm.Service) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go svc.WatchIndex(ctx)

		// Component logs would corrupt the alt screen.
		prev := log.Writer()
		log.SetOutput(io.Discard)
		defer log.SetOutput(prev)

		p := tea.NewProgram(tui.New(ctx, svc), tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("TUI error: %w", err)
		}
		return nil
	})
}
