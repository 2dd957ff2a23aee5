package config

import (
	"strings"

	"feedpipe.com/pkg/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Load reads config/{service}.yaml (or ./{service}.yaml) into out.
// defaults are applied first; SERVICE_A_B env vars override a.b keys.
func Load(service string, out interface{}, defaults map[string]interface{}) (*viper.Viper, error) {
	v := newViper(service, defaults)
	if err := v.ReadInConfig(); err != nil {
		// a missing file is fine when defaults cover everything
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}
	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}
	return v, nil
}

// LoadAndWatch is Load plus hot reload. out is filled once; on every change
// of the config file onChange runs with the re-read viper, so callers pick
// the settings that may change at runtime.
func LoadAndWatch(service string, out interface{}, defaults map[string]interface{}, onChange func(v *viper.Viper)) (*viper.Viper, error) {
	v, err := Load(service, out, defaults)
	if err != nil {
		return nil, err
	}
	log := logger.Named("config").With(zap.String("config", service))
	if v.ConfigFileUsed() == "" {
		log.Info("no config file found, running on defaults")
		return v, nil
	}
	log.Info("config loaded", zap.String("file", v.ConfigFileUsed()))

	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info("config file changed", zap.String("file", e.Name), zap.Stringer("op", e.Op))
		if onChange != nil {
			onChange(v)
		}
	})
	v.WatchConfig()
	return v, nil
}

func newViper(service string, defaults map[string]interface{}) *viper.Viper {
	v := viper.New()
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix(strings.ToUpper(service))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}
