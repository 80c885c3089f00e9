package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qikezhang/opencode-on-im/core"
)

func newQRCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qr [instance-name]",
		Short: "Print a binding QR code (creates a first instance when none exist)",
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

			var inst *core.Instance
			if name != "" {
				if inst, err = instanceByName(registry, name); err != nil {
					return err
				}
			} else if existing := registry.ListInstances(); len(existing) > 0 {
				inst = existing[0]
			} else {
				inst, err = registry.CreateInstance("", "")
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created instance %q (%s)\n\n", inst.Name, inst.ID)
			}

			ascii, err := registry.GenerateQRASCII(inst)
			if err != nil {
				return err
			}
			data, err := registry.GenerateQRData(inst)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), ascii)
			fmt.Fprintf(cmd.OutOrStdout(), "Instance: %s\n", inst.Name)
			fmt.Fprintf(cmd.OutOrStdout(), "Scan the QR code, or paste this to the bot:\n%s\n", data)

			if pngPath, _ := cmd.Flags().GetString("png"); strings.TrimSpace(pngPath) != "" {
				img, err := registry.GenerateQRImage(inst)
				if err != nil {
					return err
				}
				if err := os.WriteFile(pngPath, img, 0o644); err != nil {
					return fmt.Errorf("write qr png: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved PNG to %s\n", pngPath)
			}
			return nil
		},
	}

	cmd.Flags().String("png", "", "Also write the QR code as a PNG file to this path.")

	return cmd
}
