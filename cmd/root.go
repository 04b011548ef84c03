package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/veil/internal/catalog"
	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/logging"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// configKey is the flag annotation naming the config key a flag overrides.
const configKey = "veil.config-key"

// defaultDatabaseURL is used by catalog commands when no database is configured.
const defaultDatabaseURL = "postgres://localhost:5432/veil"

var (
	// Cfg is the merged configuration for the running command
	Cfg *config.Config
	// Logger is the structured logger built from Cfg
	Logger *slog.Logger

	cfgFile string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "veil",
	Short:   "Selective face redaction for photographs",
	Long:    "Blur every face in a photo except the people you enrolled.",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load(cfgFile, cmd.Flags(), boundKeys(cmd.Flags()))
		if err != nil {
			utils.ShowError("Invalid configuration", err, nil)
			return err
		}
		Logger, err = logging.New(Cfg.LoggingOptions())
		if err != nil {
			return err
		}
		slog.SetDefault(Logger)
		return nil
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(loadDotEnv)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("faces", "faces", "Root directory of the identity store")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "console", "Log format: console, json")
	bindFlag(rootCmd.PersistentFlags(), "faces", "faces_dir")
	bindFlag(rootCmd.PersistentFlags(), "log-level", "log.level")
	bindFlag(rootCmd.PersistentFlags(), "log-format", "log.format")
}

// loadDotEnv pulls POSTGRES_* and VEIL_* variables from a local .env file, if any.
func loadDotEnv() {
	_ = godotenv.Load()
}

// bindFlag marks a flag as the command-line override of a config key.
func bindFlag(fs *pflag.FlagSet, flag, key string) {
	if err := fs.SetAnnotation(flag, configKey, []string{key}); err != nil {
		panic(err)
	}
}

func boundKeys(fs *pflag.FlagSet) map[string]string {
	bind := map[string]string{}
	fs.VisitAll(func(f *pflag.Flag) {
		if keys := f.Annotations[configKey]; len(keys) == 1 {
			bind[keys[0]] = f.Name
		}
	})
	return bind
}

// openCatalog connects to the configured catalog, falling back to a local database.
func openCatalog(ctx context.Context) (*catalog.Catalog, error) {
	url := Cfg.Database.URL
	if url == "" {
		url = defaultDatabaseURL
	}
	return catalog.New(ctx, url, Cfg.Database.Dimension)
}
