package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stackops/internal/clients"
	"stackops/internal/config"
	"stackops/internal/errors"
	"stackops/internal/logging"
	"stackops/internal/notify"
)

var cfgFile string

// CLI flag variables
var (
	verbose         bool
	quiet           bool
	noColor         bool
	logFile         string
	logJSON         bool
	timeoutOverride time.Duration
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "stackops",
	Short: "Operational control plane for the application stack",
	Long: `stackops backs up, restores, deploys, and health-checks a multi-service
application stack: its relational database, cache, code tree, configuration,
logs, and user data.

Every operation is driven by a single configuration file and reports its
outcome through the configured notification sinks.

Examples:
  # Full backup of every component
  stackops backup --config /etc/stackops/config.yaml

  # Incremental backup of rows changed in the last day
  stackops backup --mode incremental --since 24h

  # Restore only the database from a bundle, without prompting
  stackops restore /var/backups/stackapp/backup-20250601-120000.tar \
                   --components database --force

  # Deploy a tagged release with automatic rollback on failure
  stackops deploy --version v2.4.0

  # Machine-readable health report
  stackops health --format json`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and maps failures to the documented
// exit codes. Called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if errors.IsCategory(err, errors.CategoryConfirmationRejected) {
			// a declined confirmation is a clean abort
			fmt.Fprintln(os.Stderr, "Aborted.")
			os.Exit(errors.ExitSuccess)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(errors.ExitCodeFor(err))
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/stackops/config.yaml, then $HOME/.stackops.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable color output")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to file instead of stderr")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")
	rootCmd.PersistentFlags().DurationVar(&timeoutOverride, "timeout", 0, "override the configured connect, command, and fetch timeouts (e.g. 30s)")

	viper.BindPFlag("logging.file", rootCmd.PersistentFlags().Lookup("log-file"))
}

// initConfig reads in the config file and environment variables
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/stackops")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigName(".stackops")
		}
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("STACKOPS")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// app bundles everything a subcommand needs
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	db       *clients.MySQLClient
	cache    *clients.RedisClient
	notifier *notify.Dispatcher
}

// buildApp loads configuration and wires the shared clients
func buildApp() (*app, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, errors.NewValidationError("invalid configuration", err)
	}
	applyTimeoutOverride(cfg, timeoutOverride)

	level := logging.LogLevel(cfg.Logging.Level)
	if verbose {
		level = logging.LogLevelVerbose
	}
	if quiet {
		level = logging.LogLevelQuiet
	}
	format := cfg.Logging.Format
	if logJSON {
		format = "json"
	}
	file := cfg.Logging.File
	if logFile != "" {
		file = logFile
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:   level,
		Output:  os.Stderr,
		Format:  format,
		LogFile: file,
	})
	if err != nil {
		return nil, err
	}

	db, err := clients.NewMySQLClient(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		cache:    clients.NewRedisClient(cfg.Cache, logger),
		notifier: notify.NewDispatcher(cfg.Notify, logger),
	}, nil
}

// Close releases client resources
func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
}

// applyTimeoutOverride replaces every configured timeout with the
// --timeout value; zero leaves the configuration alone
func applyTimeoutOverride(cfg *config.Config, d time.Duration) {
	if d <= 0 {
		return
	}
	cfg.Timeouts.Connect = d
	cfg.Timeouts.Command = d
	cfg.Timeouts.Fetch = d
}

// colorEnabled decides whether human-readable output gets color. The
// flag wins, then NO_COLOR/CLICOLOR conventions, then a tty check.
func colorEnabled() bool {
	if noColor || termenv.EnvNoColor() {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}
