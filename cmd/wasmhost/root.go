package main

import (
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-host/errors"
	"github.com/wippyai/wasm-host/runtime"
)

// EnvPrefix marks environment variables that override the config file,
// e.g. WASMHOST_LOG_LEVEL=debug or WASMHOST_SERVE_ADDR=:9000.
const EnvPrefix = "WASMHOST_"

// cliConfig is the optional config file shared by all subcommands.
//
//	log:
//	  level: info
//	  file: stderr
//	serve:
//	  addr: ":8080"
//	  origins: ["*"]
//	plugins:
//	  - plugins/count_vowels.yaml
type cliConfig struct {
	Log struct {
		Level string `koanf:"level"`
		File  string `koanf:"file"`
	} `koanf:"log"`
	Serve struct {
		Addr    string   `koanf:"addr"`
		Origins []string `koanf:"origins"`
	} `koanf:"serve"`
	Plugins []string `koanf:"plugins"`
}

type rootOptions struct {
	configPath string
	logLevel   string
	logFile    string
	cfg        cliConfig
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "wasmhost",
		Short:         "Run WebAssembly plugins",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.setup(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (YAML)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&opts.logFile, "log-file", "", "log target: stdout, stderr or a file path")

	cmd.AddCommand(
		newCallCmd(),
		newInspectCmd(),
		newServeCmd(opts),
		newInteractiveCmd(),
		newSchemaCmd(),
		newVersionCmd(),
	)
	return cmd
}

// setup loads the config file and applies flag overrides.
func (o *rootOptions) setup(cmd *cobra.Command) error {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	o.cfg = cfg

	flags := cmd.Flags()
	if flags.Changed("log-level") || o.cfg.Log.Level == "" {
		o.cfg.Log.Level = o.logLevel
	}
	if flags.Changed("log-file") || o.cfg.Log.File == "" {
		o.cfg.Log.File = o.logFile
	}
	if o.cfg.Log.Level == "" && o.cfg.Log.File == "" {
		return nil
	}
	if o.cfg.Log.Level == "" {
		o.cfg.Log.Level = "info"
	}
	return runtime.SetLogFile(o.cfg.Log.File, o.cfg.Log.Level)
}

func loadConfig(path string) (cliConfig, error) {
	var cfg cliConfig

	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "load config "+path)
		}
	}
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return cfg, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "load environment")
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "decode config")
	}

	// manifest paths are relative to the config file
	if path != "" {
		dir := filepath.Dir(path)
		for i, p := range cfg.Plugins {
			if !filepath.IsAbs(p) {
				cfg.Plugins[i] = filepath.Join(dir, p)
			}
		}
	}
	return cfg, nil
}

// listKeys are config keys whose environment values are comma separated.
var listKeys = map[string]bool{
	"serve.origins": true,
	"plugins":       true,
}

// envValue maps an environment variable onto its config key and splits
// list values.
func envValue(name, value string) (string, any) {
	key := envKey(name)
	if !listKeys[key] {
		return key, value
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return key, items
}

// envKey maps WASMHOST_SERVE_ADDR to serve.addr.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
}
