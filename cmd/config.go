package main

import (
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/units"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/drgo/dataget"
	"github.com/drgo/dataget/credstore"
)

const envPrefix = "DATAGET"

// addTransferFlags registers the settings shared by every command that
// talks to servers.
func addTransferFlags(fs *pflag.FlagSet) {
	def := dataget.DefaultConfig()
	fs.String("list", "", "Read URLs from a text or YAML job list (- for stdin)")
	fs.Duration("timeout", def.Timeout, "Timeout for response headers and each body read")
	fs.Int("retries", def.Retries, "Retries of a request answered with 503")
	fs.Duration("retry-backoff", def.RetryBackoff, "Initial wait before a retry")
	fs.Duration("max-backoff", def.MaxBackoff, "Longest wait between retries")
	fs.Bool("follow-redirects", def.FollowRedirects, "Follow HTTP redirects")
	fs.String("credentials", "", "Credential store (default ~/.dataget/credentials.env)")
	fs.Bool("cookies", def.UseCookies, "Authenticate with browser cookies instead of stored logins")
	fs.String("cookie-file", "", "Browser cookie export in cookies.txt format")
}

// loadConfig merges, from highest precedence down, the flags given on the
// command line, DATAGET_* environment variables, the --config file and the
// flag defaults.
func loadConfig(cmd *cobra.Command) (dataget.Config, error) {
	cfg := dataget.DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return cfg, errors.Wrap(err, "binding flags")
	}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, errors.Wrapf(err, "reading config file %s", path)
		}
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		byteSizeHook,
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return cfg, errors.Wrap(err, "invalid configuration")
	}

	if cfg.CredentialsFile == "" {
		path, err := credstore.DefaultPath()
		if err != nil {
			return cfg, err
		}
		cfg.CredentialsFile = path
	}
	return cfg, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// byteSizeHook accepts sizes such as 64KiB or 10MB for integer settings.
// Plain numbers are left to the default decoding.
func byteSizeHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to == durationType {
		return data, nil
	}
	switch to.Kind() {
	case reflect.Int, reflect.Int64:
	default:
		return data, nil
	}
	s := strings.TrimSpace(data.(string))
	if _, err := strconv.ParseInt(s, 10, 64); err == nil || s == "" {
		return data, nil
	}
	n, err := units.ParseStrictBytes(s)
	if err != nil {
		return nil, errors.Errorf("invalid size %q", s)
	}
	return n, nil
}
