package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/qikezhang/opencode-on-im/internal/logutil"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backend health, instances, and bindings",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}

			client, err := clientFromViper(logger)
			if err != nil {
				return err
			}
			registry, err := registryFromViper(logger)
			if err != nil {
				return err
			}
			sessions, err := sessionStoreFromViper(logger)
			if err != nil {
				return err
			}
			defer func() { _ = sessions.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			backend := "unreachable"
			if client.IsAvailable(ctx) {
				backend = "ok"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backend %s: %s\n", backendURLFromViper(), backend)

			instances := registry.ListInstances()
			if len(instances) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No instances registered.")
				return nil
			}
			for _, inst := range instances {
				users, err := sessions.InstanceUsers(ctx, inst.ID)
				if err != nil {
					return err
				}
				session := inst.SessionID
				if session == "" {
					session = "-"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s session=%s bound_users=%d\n", inst.Name, session, len(users))
				for _, u := range users {
					fmt.Fprintf(cmd.OutOrStdout(), "  - %s:%s\n", u.Platform, u.UserID)
				}
			}
			return nil
		},
	}
}
