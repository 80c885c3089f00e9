package main

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

func initViperDefaults() {
	// Backend (the local OpenCode server).
	viper.SetDefault("backend.host", "127.0.0.1")
	viper.SetDefault("backend.port", 4096)
	viper.SetDefault("backend.password", "")

	// Global
	viper.SetDefault("secret_key", "change-me-in-production")
	viper.SetDefault("max_offline_messages", 100)
	viper.SetDefault("notify_connection_events", true)
	viper.SetDefault("serve.health_timeout", 5*time.Second)

	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.add_source", false)
	viper.SetDefault("trace", false)

	// Adapters
	viper.SetDefault("telegram.token", "")
	viper.SetDefault("telegram.poll_timeout", 30*time.Second)
	viper.SetDefault("dingtalk.app_key", "")
	viper.SetDefault("dingtalk.app_secret", "")
}

func backendEndpointFromViper() string {
	return fmt.Sprintf("%s:%d", viper.GetString("backend.host"), viper.GetInt("backend.port"))
}

func backendURLFromViper() string {
	return "http://" + backendEndpointFromViper()
}
