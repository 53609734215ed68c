package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/modoterra/unitwatch/pkg/config"
	"github.com/modoterra/unitwatch/pkg/daemon/service"
)

// --- Config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage services.yaml",
}

func configPath(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	return config.DefaultPath()
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate services.yaml",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath(args)
		if err != nil {
			return err
		}
		c, err := config.Load(path)
		if err != nil {
			return err
		}

		errs := config.Validate(c)
		if len(errs) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d services)\n", path, len(c.Services))
			return nil
		}

		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d error(s)\n", path, len(errs))
		for _, e := range errs {
			fmt.Fprintf(cmd.ErrOrStderr(), "  • %s\n", e)
		}
		return fmt.Errorf("%s is invalid", path)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [file]",
	Short: "Write a commented services.yaml if none exists",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath(args)
		if err != nil {
			return err
		}
		created, err := config.EnsureDefault(path)
		if err != nil {
			return err
		}
		if !created {
			return errors.New(path + " already exists")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd, configInitCmd)
}

// --- Service ---

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the unitwatchd user service",
}

var serviceConfig string

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and start unitwatchd as a systemd user service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := service.Install(serviceConfig); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "installed "+service.UnitName)
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop and remove the unitwatchd user service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := service.Uninstall(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "removed "+service.UnitName)
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether unitwatchd is installed and reachable",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), service.Status(socketPath))
	},
}

func init() {
	serviceInstallCmd.Flags().StringVar(&serviceConfig, "config", "", "services.yaml path passed to unitwatchd")
	serviceCmd.AddCommand(serviceInstallCmd, serviceUninstallCmd, serviceStatusCmd)
}
