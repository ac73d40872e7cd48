// Package cli provides the command-line interface of postalscan. It runs
// scans in-process, serves the HTTP API, manages the database schema and
// talks to a running server as a client.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/postalscan/internal/config"
	"github.com/anstrom/postalscan/internal/logging"
)

const (
	envPrefix         = "POSTALSCAN"
	defaultConfigFile = "config.yaml"
)

var (
	cfgFile string
	verbose bool
)

// Build information, set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// envOverrides lists the configuration keys that POSTALSCAN_* variables may
// override, e.g. POSTALSCAN_DATABASE_PASSWORD.
var envOverrides = []string{
	"database.host",
	"database.port",
	"database.database",
	"database.username",
	"database.password",
	"database.ssl_mode",
	"jobs.store",
	"jobs.input_dir",
	"api.listen_addr",
	"api.port",
	"logging.level",
	"logging.format",
	"scanning.nmap_path",
}

// clientEnv lists client-only settings: POSTALSCAN_SERVER,
// POSTALSCAN_API_KEY and POSTALSCAN_API_KEY_FILE.
var clientEnv = []string{"server", "api_key", "api_key_file"}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "postalscan",
	Short: "Postal-code reachability scanner",
	Long: `postalscan samples hosts from the networks registered for each postal code,
probes one TCP port on every sampled address and reports the share of
responsive hosts per postal code.

Scans run in-process with "postalscan scan" or as background jobs behind the
HTTP API started with "postalscan server".`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. It is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	if err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind verbose flag: %v\n", err)
	}
}

// initConfig points viper at the config file and environment.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	for _, key := range append(envOverrides, clientEnv...) {
		_ = viper.BindEnv(key)
	}

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	initLogging()
}

// getConfigFilePath returns the config file viper resolved, or the default.
func getConfigFilePath() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return defaultConfigFile
}

// loadConfig loads the YAML configuration and applies environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigFilePath())
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyOverrides copies the keys in envOverrides that v has a value for.
func applyOverrides(cfg *config.Config, v *viper.Viper) {
	set := func(key string, apply func()) {
		if v.IsSet(key) {
			apply()
		}
	}
	set("database.host", func() { cfg.Database.Host = v.GetString("database.host") })
	set("database.port", func() { cfg.Database.Port = v.GetInt("database.port") })
	set("database.database", func() { cfg.Database.Database = v.GetString("database.database") })
	set("database.username", func() { cfg.Database.Username = v.GetString("database.username") })
	set("database.password", func() { cfg.Database.Password = v.GetString("database.password") })
	set("database.ssl_mode", func() { cfg.Database.SSLMode = v.GetString("database.ssl_mode") })
	set("jobs.store", func() { cfg.Jobs.Store = v.GetString("jobs.store") })
	set("jobs.input_dir", func() { cfg.Jobs.InputDir = v.GetString("jobs.input_dir") })
	set("api.listen_addr", func() { cfg.API.ListenAddr = v.GetString("api.listen_addr") })
	set("api.port", func() { cfg.API.Port = v.GetInt("api.port") })
	set("logging.level", func() { cfg.Logging.Level = v.GetString("logging.level") })
	set("logging.format", func() { cfg.Logging.Format = v.GetString("logging.format") })
	set("scanning.nmap_path", func() { cfg.Scanning.NmapPath = v.GetString("scanning.nmap_path") })
}

func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}

// initLogging initializes structured logging from the loaded configuration.
func initLogging() {
	cfg, err := config.Load(getConfigFilePath())
	if err != nil {
		logging.SetDefault(logging.NewDefault())
		return
	}
	applyOverrides(cfg, viper.GetViper())

	logConfig := logging.Config{
		Level:     logging.LogLevel(cfg.Logging.Level),
		Format:    logging.LogFormat(cfg.Logging.Format),
		Output:    cfg.Logging.Output,
		AddSource: cfg.Logging.Level == "debug",
	}
	if verbose {
		logConfig.Level = logging.LevelDebug
	}

	logger, err := logging.New(logConfig)
	if err != nil {
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	logging.SetDefault(logger)

	if verbose {
		logging.Info("Structured logging initialized", "level", logConfig.Level, "format", cfg.Logging.Format)
	}
}
