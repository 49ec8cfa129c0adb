package chatter

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	API struct {
		// BaseURL is the REST backend, e.g. http://localhost:3000.
		BaseURL string `validate:"required,url"`
		// Timeout bounds every REST request. The default is 10s.
		Timeout time.Duration `validate:"gt=0"`
	}
	Chat struct {
		// URL is the real-time endpoint, e.g. ws://localhost:3000/chat.
		URL string `validate:"required,url"`
		// ReconnectAttempts is how many consecutive failed dials end the
		// automatic reconnection. The default is 5.
		ReconnectAttempts int           `validate:"min=1"`
		ReconnectDelay    time.Duration `validate:"min=0"`
	}
	Storage struct {
		// File is the SQLite database holding the session token.
		File string `validate:"required"`
	}
	Metrics struct {
		// Addr serves /metrics when set, e.g. :9090.
		Addr string `validate:"omitempty,hostname_port"`
	}
	Log struct {
		Level slog.Level
	}
	valid bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.baseurl", "http://localhost:3000")
	v.SetDefault("api.timeout", "10s")
	v.SetDefault("chat.url", "ws://localhost:3000/chat")
	v.SetDefault("chat.reconnectattempts", 5)
	v.SetDefault("chat.reconnectdelay", "1s")
	v.SetDefault("storage.file", "./chatter.db")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("log.level", "info")
}

// LoadConfig loads the configuration from the optional config file in the
// working directory, the environment and the given flags, in increasing
// order of precedence. Any invalid value is left for the validation step.
func LoadConfig(flags *pflag.FlagSet) (*Config, error) {
	loader := &ViperConfigLoader{Flags: flags, Paths: []string{"."}}
	return loader.Load()
}

func decodeConfig(v *viper.Viper) (*Config, error) {
	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	err := validate.Struct(c)
	if err != nil {
		return err
	}
	c.valid = true
	return nil
}

func FormatValidationErrors(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errs.Translate(trans)

	var sb strings.Builder
	for _, v := range slices.Sorted(maps.Values(translated)) {
		sb.WriteString(v)
		sb.WriteString("\n")
	}
	return sb.String()
}
