package config

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ConfigOptions is used to configure the loading of config parameters by "relayer run".
type ConfigOptions struct {
	// FilePath is the path to the config file to be loaded, including the file name and extension.
	// The file may be any of the types supported by Viper (such as .yaml or .json).
	FilePath string

	// EnvPrefix is the prefix of environment variables overriding config file settings. With
	// "RELAYER", --guardianRPC is read from RELAYER_GUARDIANRPC.
	EnvPrefix string
}

// InitFileConfig initializes configuration according to the following precedence:
// 1. Command line flags
// 2. Environment variables
// 3. Config file
// 4. Cobra default values
//
// The returned viper instance also holds settings that have no flag, such as the chain list.
func InitFileConfig(cmd *cobra.Command, options ConfigOptions) (*viper.Viper, error) {
	v := viper.New()

	if options.FilePath != "" {
		v.SetConfigFile(options.FilePath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix(options.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := bindFlags(cmd, v); err != nil {
		return nil, err
	}
	return v, nil
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if bindErr != nil {
			return
		}
		// Apply the viper config value to the flag when the flag is not set and viper has a value
		if !f.Changed && v.IsSet(f.Name) {
			val := v.Get(f.Name)
			if err := cmd.Flags().Set(f.Name, fmt.Sprintf("%v", val)); err != nil {
				bindErr = fmt.Errorf("failed to bind flag %s to viper: %w", f.Name, err)
			}
		}
	})
	return bindErr
}
