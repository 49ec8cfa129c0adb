package chatter

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type ConfigLoader interface {
	Load() (*Config, error)
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"api":       "api.baseurl",
	"chat":      "chat.url",
	"db":        "storage.file",
	"metrics":   "metrics.addr",
	"log-level": "log.level",
}

// Flags returns the command line flags understood by ViperConfigLoader.
func Flags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("chatter", pflag.ContinueOnError)
	flags.String("api", "", "REST backend base URL")
	flags.String("chat", "", "real-time endpoint URL")
	flags.String("db", "", "SQLite file holding the session")
	flags.String("metrics", "", "address to serve /metrics on")
	flags.String("log-level", "", "debug | info | warn | error")
	flags.String("login", "", "sign in as this identifier before starting")
	return flags
}

// ViperConfigLoader reads config.yaml from Paths, then variables from the
// EnvFiles (.env by default), the environment and finally Flags. Missing
// files are skipped.
type ViperConfigLoader struct {
	Flags    *pflag.FlagSet
	Paths    []string
	EnvFiles []string
}

func (l *ViperConfigLoader) Load() (*Config, error) {
	envFiles := l.EnvFiles
	if envFiles == nil {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// variables already in the environment win over the file
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range l.Paths {
		v.AddConfigPath(p)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if len(l.Paths) > 0 {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if l.Flags != nil {
		for name, key := range flagKeys {
			f := l.Flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}
	return decodeConfig(v)
}

// DefaultConfigLoader returns the defaults only.
type DefaultConfigLoader struct{}

func (l *DefaultConfigLoader) Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	return decodeConfig(v)
}
