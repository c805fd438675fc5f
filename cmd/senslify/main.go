// Command senslify runs the sensor telemetry service: HTTP command API,
// batch upload, and the live viewer websocket.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gollum18/senslify-web/internal/api"
	"github.com/gollum18/senslify-web/internal/config"
	"github.com/gollum18/senslify-web/internal/logging"
	"github.com/gollum18/senslify-web/internal/rooms"
	"github.com/gollum18/senslify-web/internal/store"
	"github.com/gollum18/senslify-web/internal/store/mongo"
	"github.com/gollum18/senslify-web/internal/store/postgres"
	"github.com/gollum18/senslify-web/internal/store/sqldb"
)

func main() {
	reinit := flag.Bool("reinit", false, "prompt to destructively re-create the schema before serving")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "senslify: %v\n", err)
		os.Exit(1)
	}
	logging.Init(cfg.Logging)

	setupCtx, cancelSetup := context.WithTimeout(context.Background(), 30*time.Second)
	provider, err := openProvider(setupCtx, cfg.Storage)
	if err != nil {
		cancelSetup()
		logging.Fatal().Err(err).Str("driver", cfg.Storage.Driver).Msg("failed to open storage backend")
	}

	var confirm store.ConfirmFunc
	if *reinit {
		confirm = promptConfirm
	}
	if err := provider.Init(setupCtx, confirm); err != nil {
		cancelSetup()
		logging.Fatal().Err(err).Msg("failed to initialize storage backend")
	}
	cancelSetup()

	registry := rooms.NewRegistry()
	surface := api.New(provider, registry, api.Options{
		Debug:       cfg.Server.Debug,
		StreamDepth: cfg.Stream.Depth,
		RateLimit:   cfg.Server.RateLimit,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           surface.Router(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		logging.Info().
			Str("addr", cfg.Server.Addr()).
			Str("driver", cfg.Storage.Driver).
			Msg("senslify listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-shutdown
	logging.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	// Close the live viewers first; their handlers block until the
	// connection ends, which would otherwise stall the drain.
	surface.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("shutdown did not complete cleanly")
	}
	if err := provider.Close(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("failed to close storage backend")
	}
}

// openProvider selects the storage backend from configuration. The pgx
// provider serves postgres; sqlite and mysql run through the GORM provider.
func openProvider(ctx context.Context, cfg config.StorageConfig) (store.Provider, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemory(), nil

	case config.DriverMongo:
		return mongo.New(ctx, cfg.URI, cfg.Database, mongo.WithStatsTimeout(cfg.StatsTimeout))

	case config.DriverPostgres:
		return postgres.New(ctx, cfg.URI, int32(cfg.MaxOpenConns), postgres.WithStatsTimeout(cfg.StatsTimeout))

	case config.DriverSQLite, config.DriverMySQL:
		return sqldb.New(ctx, sqldb.Config{
			Driver:       cfg.Driver,
			DSN:          cfg.URI,
			MaxOpenConns: cfg.MaxOpenConns,
			MaxIdleConns: cfg.MaxIdleConns,
			StatsTimeout: cfg.StatsTimeout,
		})

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// promptConfirm asks on the terminal before a destructive re-create.
func promptConfirm(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
