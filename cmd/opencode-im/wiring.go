package main

import (
	"log/slog"

	"github.com/spf13/viper"

	"github.com/qikezhang/opencode-on-im/core"
	"github.com/qikezhang/opencode-on-im/internal/pathutil"
	"github.com/qikezhang/opencode-on-im/internal/statepaths"
	"github.com/qikezhang/opencode-on-im/opencode"
)

func clientFromViper(logger *slog.Logger) (*opencode.Client, error) {
	return opencode.NewClient(opencode.ClientOptions{
		BaseURL:  backendURLFromViper(),
		Password: viper.GetString("backend.password"),
		Logger:   logger,
	})
}

func registryFromViper(logger *slog.Logger) (*core.InstanceRegistry, error) {
	if err := pathutil.EnsureDir(statepaths.DataDir()); err != nil {
		return nil, err
	}
	return core.NewInstanceRegistry(core.InstanceRegistryOptions{
		Path:          statepaths.InstancesPath(),
		SecretKey:     viper.GetString("secret_key"),
		LocalEndpoint: backendEndpointFromViper(),
		Logger:        logger,
	})
}

func sessionStoreFromViper(logger *slog.Logger) (*core.SessionStore, error) {
	if err := pathutil.EnsureDir(statepaths.DataDir()); err != nil {
		return nil, err
	}
	return core.OpenSessionStore(core.SessionStoreOptions{
		Path:               statepaths.BindingsDBPath(),
		MaxOfflineMessages: viper.GetInt("max_offline_messages"),
		Logger:             logger,
	})
}
