package common

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/weaveworks/promrus"

	commonconfig "github.com/G-Research/dataflow/internal/common/config"
)

const baseConfigFileName = "config"

// EnvPrefix is prepended to every environment variable override, e.g. DATAFLOW_WORKER_POLLINTERVAL.
const EnvPrefix = "DATAFLOW"

// BindCommandlineArguments binds the flags of the running command so they can override config values.
func BindCommandlineArguments() {
	err := viper.BindPFlags(pflag.CommandLine)
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

// LoadConfig reads config.yaml from defaultPath, merges each of the userConfigs files over it, applies
// DATAFLOW_* environment overrides and decodes the result into config. The process exits on any failure,
// including a struct-tag validation failure.
func LoadConfig(config interface{}, defaultPath string, userConfigs []string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(baseConfigFileName)
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		log.Errorf("Error reading base config path=%s: %v", defaultPath, err)
		os.Exit(-1)
	}
	log.Infof("Read base config from %s", v.ConfigFileUsed())

	for _, userConfig := range userConfigs {
		if strings.TrimSpace(userConfig) == "" {
			continue
		}
		v.SetConfigFile(userConfig)
		err := v.MergeInConfig()
		if err != nil {
			log.Errorf("Error reading config from %s: %v", userConfig, err)
			os.Exit(-1)
		}
		log.Infof("Read config from %s", v.ConfigFileUsed())
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(config, commonconfig.CustomHooks...); err != nil {
		log.Error(err)
		os.Exit(-1)
	}

	if err := commonconfig.Validate(config); err != nil {
		commonconfig.LogValidationErrors(err)
		os.Exit(-1)
	}
	return v
}

// ConfigureLogging sets up the standard logger for a long running process.
func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
	log.AddHook(promrus.MustNewPrometheusHook())
}

// ConfigureCommandLineLogging sets up the standard logger for short lived command line invocations.
func ConfigureCommandLineLogging() {
	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	log.SetOutput(os.Stderr)
}

// SetLogLevel applies a textual level from configuration, keeping the current level if it can't be parsed.
func SetLogLevel(level string) {
	if level == "" {
		return
	}
	parsed, err := log.ParseLevel(level)
	if err != nil {
		log.WithError(err).Warnf("unknown log level %q, keeping %s", level, log.GetLevel())
		return
	}
	log.SetLevel(parsed)
}
