package configutil

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// FlagOrViperString prefers an explicitly set flag over the viper key.
func FlagOrViperString(cmd *cobra.Command, flagName, viperKey string) string {
	if cmd != nil && cmd.Flags().Changed(flagName) {
		v, _ := cmd.Flags().GetString(flagName)
		return v
	}
	return viper.GetString(viperKey)
}

func FlagOrViperInt(cmd *cobra.Command, flagName, viperKey string) int {
	if cmd != nil && cmd.Flags().Changed(flagName) {
		v, _ := cmd.Flags().GetInt(flagName)
		return v
	}
	return viper.GetInt(viperKey)
}

func FlagOrViperBool(cmd *cobra.Command, flagName, viperKey string) bool {
	if cmd != nil && cmd.Flags().Changed(flagName) {
		v, _ := cmd.Flags().GetBool(flagName)
		return v
	}
	return viper.GetBool(viperKey)
}

func FlagOrViperDuration(cmd *cobra.Command, flagName, viperKey string) time.Duration {
	if cmd != nil && cmd.Flags().Changed(flagName) {
		v, _ := cmd.Flags().GetDuration(flagName)
		return v
	}
	return viper.GetDuration(viperKey)
}
