package main

import (
	"chatpilot/cmd/pilot/ui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// tuiCmd launches the full-screen interface
var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Start the full-screen terminal interface",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		stack, err := buildStack(ctx)
		if err != nil {
			return err
		}
		defer stack.Close()

		program := tea.NewProgram(ui.New(ctx, stack.Engine), tea.WithAltScreen())

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			_, err := program.Run()
			cancel()
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			program.Quit()
			return nil
		})
		return g.Wait()
	},
}
