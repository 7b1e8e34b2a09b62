package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andresmejia3/distguard/internal/config"
	"github.com/andresmejia3/distguard/internal/errors"
	"github.com/andresmejia3/distguard/internal/logger"
	"github.com/andresmejia3/distguard/internal/store"
)

// annotationDB marks commands that need the database before they run.
const annotationDB = "distguard/db"

var needsDB = map[string]string{annotationDB: "true"}

var (
	// DB is the global database connection shared by subcommands
	DB *store.Store
	// Cfg is the loaded configuration, v the viper instance behind it
	Cfg *config.Config
	v   *viper.Viper

	cfgFile string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "distguard",
	Short:   "Social distancing analysis for video feeds",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		v, err = config.New(cfgFile)
		if err != nil {
			return err
		}
		flags := cmd.Root().PersistentFlags()
		v.BindPFlag("database.url", flags.Lookup("db"))
		v.BindPFlag("log.level", flags.Lookup("log-level"))
		v.BindPFlag("log.json", flags.Lookup("log-json"))

		Cfg, err = config.Load(v)
		if err != nil {
			return err
		}
		if err := logger.Initialize(Cfg.Log.JSON, Cfg.Log.Level); err != nil {
			return err
		}

		if cmd.Annotations[annotationDB] == "true" {
			return connectDB(cmd.Context())
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
		}
		logger.Cleanup()
	},
}

// connectDB opens the global connection once.
func connectDB(ctx context.Context) error {
	if DB != nil {
		return nil
	}
	var err error
	DB, err = store.New(ctx, Cfg.Database.URL)
	if err != nil {
		return errors.WithHint(errors.Wrap(err, "failed to connect to database"),
			"set --db, database.url in distguard.yaml or DISTGUARD_DATABASE_URL")
	}
	return nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if hint := errors.Hint(err); hint != "" {
			fmt.Fprintf(os.Stderr, "HINT: %s\n", hint)
		}
		stop()
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (default: ./distguard.yaml or ~/.distguard/distguard.yaml)")
	flags.String("db", "", "PostgreSQL connection string (default: postgres://localhost:5432/distguard)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Write logs as JSON")
}
