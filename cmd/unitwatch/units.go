package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/modoterra/unitwatch/pkg/core"
	"github.com/modoterra/unitwatch/pkg/transport/uds"
)

// --- Status ---

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status [unit]",
	Short: "Show the state of watched units",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var views []uds.UnitView
		if len(args) == 1 {
			var v uds.UnitView
			if err := call(uds.MethodGetUnit, uds.UnitRequest{Unit: args[0]}, &v); err != nil {
				return err
			}
			views = []uds.UnitView{v}
		} else {
			var resp uds.ListUnitsResponse
			if err := call(uds.MethodListUnits, nil, &resp); err != nil {
				return err
			}
			views = resp.Units
		}

		if statusJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(views)
		}
		renderStatus(cmd.OutOrStdout(), views, time.Now())
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

// --- Start / Stop / Restart ---

var actionNoWait bool

func actionCmd(kind core.ActionKind, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   string(kind) + " <unit>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doAction(cmd, args[0], kind)
		},
	}
	cmd.Flags().BoolVar(&actionNoWait, "no-wait", false, "return once the daemon accepted the command")
	return cmd
}

var (
	startCmd   = actionCmd(core.ActionStart, "Start a watched unit")
	stopCmd    = actionCmd(core.ActionStop, "Stop a watched unit")
	restartCmd = actionCmd(core.ActionRestart, "Restart a watched unit")
)

func doAction(cmd *cobra.Command, unit string, kind core.ActionKind) error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	// Actions carry their own timeout in the daemon; leave room for it.
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var resp uds.ActionResponse
	req := uds.ActionRequest{Unit: unit, Action: string(kind), Wait: !actionNoWait}
	if err := client.Call(ctx, uds.MethodAction, req, &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if resp.Result == nil {
		fmt.Fprintf(out, "%s → %s requested\n", kind, unit)
		return nil
	}
	if !resp.Result.Succeeded {
		return fmt.Errorf("%s %s failed (%s): %s", kind, resp.Result.UnitID, resp.Result.Failure, resp.Result.ExitInfo)
	}
	fmt.Fprintf(out, "%s → %s %s\n", kind, resp.Result.UnitID, okStyle.Render("✓"))
	return nil
}

// --- Logs ---

var logsLines int

var logsCmd = &cobra.Command{
	Use:   "logs <unit>",
	Short: "Tail the journal of a watched unit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return tailLogs(ctx, cmd, args[0])
	},
}

func init() {
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 0, "number of past lines (default: the unit's setting)")
}

func tailLogs(ctx context.Context, cmd *cobra.Command, unit string) error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	unitID := core.NormalizeUnitID(unit)
	out := cmd.OutOrStdout()
	ended := make(chan error, 1)
	client.OnEvent(func(msg uds.Message) {
		var evt core.Event
		if msg.UnmarshalData(&evt) != nil || evt.UnitID != unitID {
			return
		}
		switch {
		case evt.Log != nil:
			fmt.Fprintln(out, renderLogLine(*evt.Log))
		case evt.Tail != nil:
			if evt.Tail.Kind == core.TailStreamClosed {
				ended <- nil
			} else {
				ended <- fmt.Errorf("log tail ended: %s %s", evt.Tail.Kind, evt.Tail.Message)
			}
		}
	})

	reqCtx, reqCancel := context.WithTimeout(ctx, requestTimeout)
	var att uds.AttachLogResponse
	err = client.Call(reqCtx, uds.MethodAttachLog, uds.AttachLogRequest{Unit: unitID, Lines: logsLines}, &att)
	reqCancel()
	if err != nil {
		return err
	}

	select {
	case err = <-ended:
	case <-ctx.Done():
	case <-client.Done():
		return errors.New("daemon closed the connection")
	}

	detachCtx, detachCancel := context.WithTimeout(context.Background(), requestTimeout)
	defer detachCancel()
	_ = client.Call(detachCtx, uds.MethodDetachLog, uds.UnitRequest{Unit: unitID}, nil)
	return err
}

// --- Watch / Unwatch ---

var (
	watchName     string
	watchLines    int
	watchNoLogs   bool
	watchNoFollow bool
	watchPersist  bool
)

var watchCmd = &cobra.Command{
	Use:   "watch <unit>",
	Short: "Start watching a unit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := uds.WatchRequest{
			Unit: core.WatchedUnit{
				DisplayName:  watchName,
				UnitID:       args[0],
				LogEnabled:   !watchNoLogs,
				LogLineLimit: watchLines,
				LogFollow:    !watchNoFollow,
			},
			Persist: watchPersist,
		}
		var v uds.UnitView
		if err := call(uds.MethodWatch, req, &v); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "watching %s\n", v.Unit.UnitID)
		return nil
	},
}

var unwatchPersist bool

var unwatchCmd = &cobra.Command{
	Use:   "unwatch <unit>",
	Short: "Stop watching a unit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp uds.UnwatchResponse
		if err := call(uds.MethodUnwatch, uds.UnwatchRequest{Unit: args[0], Persist: unwatchPersist}, &resp); err != nil {
			return err
		}
		if !resp.Removed {
			fmt.Fprintf(cmd.OutOrStdout(), "%s was not watched\n", core.NormalizeUnitID(args[0]))
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stopped watching %s\n", core.NormalizeUnitID(args[0]))
		return nil
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchName, "name", "", "display name")
	watchCmd.Flags().IntVar(&watchLines, "lines", 0, "log lines to show on attach")
	watchCmd.Flags().BoolVar(&watchNoLogs, "no-logs", false, "disable log tailing for this unit")
	watchCmd.Flags().BoolVar(&watchNoFollow, "no-follow", false, "show past log lines only")
	watchCmd.Flags().BoolVar(&watchPersist, "persist", false, "also add the unit to services.yaml")
	unwatchCmd.Flags().BoolVar(&unwatchPersist, "persist", false, "also remove the unit from services.yaml")
}

// --- Refresh / Reload / Discover ---

var refreshCmd = &cobra.Command{
	Use:   "refresh [unit]",
	Short: "Probe one or all watched units now",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			if err := call(uds.MethodRefresh, uds.RefreshRequest{}, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "refresh scheduled")
			return nil
		}
		var v uds.UnitView
		if err := call(uds.MethodRefresh, uds.RefreshRequest{Unit: args[0]}, &v); err != nil {
			return err
		}
		renderStatus(cmd.OutOrStdout(), []uds.UnitView{v}, time.Now())
		return nil
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Make the daemon re-read services.yaml",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var resp uds.ReloadResponse
		if err := call(uds.MethodReloadConfig, nil, &resp); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(resp.Added)+len(resp.Removed)+len(resp.Updated) == 0 {
			fmt.Fprintln(out, "watch list unchanged")
			return nil
		}
		for _, id := range resp.Added {
			fmt.Fprintf(out, "+ %s\n", id)
		}
		for _, id := range resp.Removed {
			fmt.Fprintf(out, "- %s\n", id)
		}
		for _, id := range resp.Updated {
			fmt.Fprintf(out, "~ %s\n", id)
		}
		return nil
	},
}

var daemonReloadCmd = &cobra.Command{
	Use:   "daemon-reload",
	Short: "Reload the systemd user manager configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := client.Call(ctx, uds.MethodDaemonReload, nil, nil); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "user manager reloaded")
		return nil
	},
}

var discoverAll bool

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List installed user services",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var resp uds.DiscoverResponse
		if err := call(uds.MethodDiscover, uds.DiscoverRequest{IncludeHidden: discoverAll}, &resp); err != nil {
			return err
		}
		renderDiscover(cmd.OutOrStdout(), resp.Units)
		return nil
	},
}

func init() {
	discoverCmd.Flags().BoolVar(&discoverAll, "all", false, "include hidden desktop and template units")
}
