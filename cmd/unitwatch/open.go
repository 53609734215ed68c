package main

import (
	"fmt"
	"os/exec"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/modoterra/unitwatch/pkg/config"
	"github.com/modoterra/unitwatch/pkg/transport/uds"
)

// launch starts argv in its own session and does not wait for it.
var launch = func(argv []string) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}

var openCmd = &cobra.Command{
	Use:   "open <unit> [label]",
	Short: "Run one of a service's open actions (URL or command)",
	Long:  "Open hands a configured URL to xdg-open or starts a configured command detached. With several actions, name one by its label.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var view uds.UnitView
		if err := call(uds.MethodGetUnit, uds.UnitRequest{Unit: args[0]}, &view); err != nil {
			return err
		}
		label := ""
		if len(args) == 2 {
			label = args[1]
		}
		action, err := view.Open.Find(label)
		if err != nil {
			return fmt.Errorf("%s: %w", view.Unit.UnitID, err)
		}

		argv := openArgv(action)
		if err := launch(argv); err != nil {
			return fmt.Errorf("%s: %w", action.Label, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", okStyle.Render("✓"), view.Unit.Name(), action.Label)
		return nil
	},
}

func openArgv(a config.OpenAction) []string {
	if a.URL != "" {
		return []string{"xdg-open", a.URL}
	}
	return a.Command.Argv()
}

func init() {
	rootCmd.AddCommand(openCmd)
}
