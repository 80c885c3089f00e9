package statepaths

import (
	"github.com/spf13/viper"

	"github.com/qikezhang/opencode-on-im/internal/pathutil"
)

const (
	instancesFilename = "instances.json"
	bindingsFilename  = "bindings.db"
)

func DataDir() string {
	return pathutil.ResolveStateDir(viper.GetString("data_dir"))
}

func InstancesPath() string {
	return pathutil.ResolveStateFile(viper.GetString("data_dir"), instancesFilename)
}

func BindingsDBPath() string {
	return pathutil.ResolveStateFile(viper.GetString("data_dir"), bindingsFilename)
}
