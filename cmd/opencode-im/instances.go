package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qikezhang/opencode-on-im/core"
	"github.com/qikezhang/opencode-on-im/internal/logutil"
)

func newInstanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instance",
		Short: "Manage registered backend instances",
	}
	cmd.AddCommand(newInstanceListCmd())
	cmd.AddCommand(newInstanceCreateCmd())
	cmd.AddCommand(newInstanceRenameCmd())
	cmd.AddCommand(newInstanceDeleteCmd())
	cmd.AddCommand(newInstanceResetQRCmd())
	return cmd
}

func newInstanceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := quietRegistry()
			if err != nil {
				return err
			}
			instances := registry.ListInstances()
			if len(instances) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No instances. Create one with: opencode-im instance create <name>")
				return nil
			}
			for _, inst := range instances {
				session := inst.SessionID
				if session == "" {
					session = "-"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s  session=%s  created=%s\n", inst.Name, inst.ID, session, inst.CreatedAt)
			}
			return nil
		},
	}
}

func newInstanceCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create [name]",
		Short: "Create an instance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := quietRegistry()
			if err != nil {
				return err
			}
			name := ""
			if len(args) == 1 {
				name = strings.TrimSpace(args[0])
			}
			inst, err := registry.CreateInstance(name, "")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created instance %q (%s)\n", inst.Name, inst.ID)
			return nil
		},
	}
}

func newInstanceRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <name> <new-name>",
		Short: "Rename an instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := quietRegistry()
			if err != nil {
				return err
			}
			inst, err := instanceByName(registry, args[0])
			if err != nil {
				return err
			}
			if err := registry.RenameInstance(inst.ID, strings.TrimSpace(args[1])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renamed %q to %q\n", args[0], strings.TrimSpace(args[1]))
			return nil
		},
	}
}

func newInstanceDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := quietRegistry()
			if err != nil {
				return err
			}
			inst, err := instanceByName(registry, args[0])
			if err != nil {
				return err
			}
			if _, err := registry.DeleteInstance(inst.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted instance %q\n", inst.Name)
			return nil
		},
	}
}

func newInstanceResetQRCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-qr <name>",
		Short: "Rotate an instance's binding secret (invalidates old QR codes)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := quietRegistry()
			if err != nil {
				return err
			}
			inst, err := instanceByName(registry, args[0])
			if err != nil {
				return err
			}
			updated, err := registry.ResetQR(inst.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset QR for %q (version %d). Re-run: opencode-im qr %s\n", updated.Name, updated.QRVersion, updated.Name)
			return nil
		},
	}
}

// quietRegistry builds the registry with the configured logger, for
// one-shot commands.
func quietRegistry() (*core.InstanceRegistry, error) {
	logger, err := logutil.LoggerFromViper()
	if err != nil {
		return nil, err
	}
	return registryFromViper(logger)
}

func instanceByName(registry *core.InstanceRegistry, name string) (*core.Instance, error) {
	name = strings.TrimSpace(name)
	if inst := registry.GetInstanceByName(name); inst != nil {
		return inst, nil
	}
	// Allow addressing by id as well.
	if inst := registry.GetInstance(name); inst != nil {
		return inst, nil
	}
	return nil, fmt.Errorf("unknown instance: %s", name)
}
