package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/qikezhang/opencode-on-im/adapters/dingtalk"
	"github.com/qikezhang/opencode-on-im/adapters/telegram"
	"github.com/qikezhang/opencode-on-im/core"
	"github.com/qikezhang/opencode-on-im/internal/configutil"
	"github.com/qikezhang/opencode-on-im/internal/logutil"
	"github.com/qikezhang/opencode-on-im/opencode"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the IM bridge service",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			client, err := clientFromViper(logger)
			if err != nil {
				return err
			}
			subscriber, err := opencode.NewSubscriber(opencode.SubscriberOptions{
				Client: client,
				Logger: logger,
			})
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

			router := core.NewNotificationRouter(logger)

			var adapters []core.Adapter
			if token := strings.TrimSpace(configutil.FlagOrViperString(cmd, "telegram-token", "telegram.token")); token != "" {
				tg, err := telegram.New(telegram.Options{
					Token:       token,
					PollTimeout: viper.GetDuration("telegram.poll_timeout"),
					Client:      client,
					Registry:    registry,
					Sessions:    sessions,
					Router:      router,
					Logger:      logger,
				})
				if err != nil {
					return err
				}
				adapters = append(adapters, tg)
			}
			appKey := strings.TrimSpace(configutil.FlagOrViperString(cmd, "dingtalk-app-key", "dingtalk.app_key"))
			appSecret := strings.TrimSpace(configutil.FlagOrViperString(cmd, "dingtalk-app-secret", "dingtalk.app_secret"))
			if appKey != "" && appSecret != "" {
				dt, err := dingtalk.New(dingtalk.Options{
					AppKey:    appKey,
					AppSecret: appSecret,
					Client:    client,
					Registry:  registry,
					Sessions:  sessions,
					Router:    router,
					Logger:    logger,
				})
				if err != nil {
					return err
				}
				adapters = append(adapters, dt)
			}

			app, err := core.NewApp(core.AppOptions{
				Client:                 client,
				Subscriber:             subscriber,
				Registry:               registry,
				Sessions:               sessions,
				Router:                 router,
				Adapters:               adapters,
				NotifyConnectionEvents: viper.GetBool("notify_connection_events"),
				Logger:                 logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			probeCtx, cancelProbe := context.WithTimeout(ctx, configutil.FlagOrViperDuration(cmd, "serve-health-timeout", "serve.health_timeout"))
			if !client.IsAvailable(probeCtx) {
				logger.Warn("backend_not_reachable", "url", backendURLFromViper())
			}
			cancelProbe()

			return app.Run(ctx)
		},
	}

	cmd.Flags().String("telegram-token", "", "Telegram bot token (enables the Telegram adapter).")
	cmd.Flags().String("dingtalk-app-key", "", "DingTalk app key (enables the DingTalk adapter).")
	cmd.Flags().String("dingtalk-app-secret", "", "DingTalk app secret.")
	cmd.Flags().Duration("serve-health-timeout", 5*time.Second, "Startup backend health probe timeout.")

	return cmd
}
