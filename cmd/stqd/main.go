package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bigshoulders/stq/internal/profile"
	"github.com/bigshoulders/stq/internal/version"
	"github.com/bigshoulders/stq/server"
	"github.com/bigshoulders/stq/store"
	"github.com/bigshoulders/stq/store/db"
)

var rootCmd = &cobra.Command{
	Use:   "stqd",
	Short: "A server that hands shell-command tasks to a fleet of polling runners, with retries, timeouts and dependencies.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Try to load .env from the current directory; missing file is fine.
		_ = godotenv.Load()
		return nil
	},
	RunE: func(_ *cobra.Command, _ []string) error {
		instanceProfile := &profile.Profile{
			Mode:    viper.GetString("mode"),
			Host:    viper.GetString("host"),
			Port:    viper.GetInt("port"),
			Driver:  "sqlite",
			DSN:     viper.GetString("dbfile"),
			Version: version.GetCurrentVersion(viper.GetString("mode")),
		}
		if err := instanceProfile.Validate(); err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		dbDriver, err := db.NewDBDriver(instanceProfile)
		if err != nil {
			slog.Error("failed to create db driver", "error", err)
			return err
		}

		storeInstance := store.New(dbDriver, instanceProfile)
		if err := storeInstance.Migrate(ctx); err != nil {
			slog.Error("failed to migrate", "error", err)
			return err
		}

		s, err := server.NewServer(ctx, instanceProfile, storeInstance)
		if err != nil {
			slog.Error("failed to create server", "error", err)
			return err
		}

		c := make(chan os.Signal, 1)
		// SIGTERM is what most process managers send for graceful shutdown.
		signal.Notify(c, terminationSignals...)

		errCh := make(chan error, 1)
		go func() {
			errCh <- s.Start(ctx)
		}()

		printGreetings(instanceProfile)

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("failed to start server", "error", err)
				return err
			}
		case <-c:
			s.Shutdown(ctx)
		}
		return nil
	},
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("port", 8000)
	viper.SetDefault("dbfile", "stq_persistence.db")

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev"`)
	rootCmd.PersistentFlags().String("host", "", "address the server binds to")
	rootCmd.PersistentFlags().Int("port", 8000, "port of server")
	rootCmd.PersistentFlags().String("dbfile", "stq_persistence.db", "path to the persisted task state")

	for _, flag := range []string{"mode", "host", "port", "dbfile"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("stq")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func printGreetings(profile *profile.Profile) {
	fmt.Printf("stqd %s started\n", profile.Version)
	fmt.Printf("Database file: %s\n", profile.DSN)
	if len(profile.Host) == 0 {
		fmt.Printf("Server running on port %d\n", profile.Port)
	} else {
		fmt.Printf("Server running on %s:%d\n", profile.Host, profile.Port)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
