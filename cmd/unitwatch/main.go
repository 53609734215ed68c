package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/modoterra/unitwatch/internal/buildinfo"
	"github.com/modoterra/unitwatch/pkg/transport/uds"
)

const requestTimeout = 5 * time.Second

var socketPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "unitwatch",
	Short:         "Watch and control systemd user services",
	Long:          "unitwatch talks to unitwatchd, which keeps the state of your watched user services in sync and tails their journals.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", uds.DefaultSocketPath(), "daemon socket path")

	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(startCmd, stopCmd, restartCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(watchCmd, unwatchCmd)
	rootCmd.AddCommand(refreshCmd, reloadCmd, daemonReloadCmd, discoverCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serviceCmd)
}

func dialDaemon() (*uds.Client, error) {
	client, err := uds.Dial(socketPath)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon at %s (is unitwatchd running?): %w", socketPath, err)
	}
	return client, nil
}

// call runs one request against the daemon.
func call(method string, in, out any) error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return client.Call(ctx, method, in, out)
}

// --- Ping ---

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check if daemon is running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var pong uds.PingResponse
		if err := call(uds.MethodPing, nil, &pong); err != nil {
			return err
		}
		if pong.Pong {
			fmt.Fprintf(cmd.OutOrStdout(), "pong ✓ unitwatchd %s, %s backend, %d units\n", pong.Version, pong.Backend, pong.Units)
		}
		return nil
	},
}

// --- Version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "unitwatch %s\n", buildinfo.String())
	},
}
