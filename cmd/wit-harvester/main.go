package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulldump/goconfig"
	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/wit-harvester/internal/config"
	"github.com/Sternrassler/wit-harvester/pkg/client"
	"github.com/Sternrassler/wit-harvester/pkg/harvest"
	"github.com/Sternrassler/wit-harvester/pkg/logging"
	"github.com/Sternrassler/wit-harvester/pkg/metrics"
	"github.com/Sternrassler/wit-harvester/pkg/report"
)

var VERSION = "dev"

func main() {

	c := config.Default()
	goconfig.Read(&c)

	if c.Version {
		fmt.Println("Version:", VERSION)
		return
	}

	if c.ShowConfig {
		e := json.NewEncoder(os.Stdout)
		e.SetIndent("", "    ")
		e.Encode(c.Redacted())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, c, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run harvests once and writes the report to stdout. Logs go to stderr.
func run(ctx context.Context, c config.Configuration, stdout, stderr io.Writer) int {
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		level = logging.LevelInfo
	}
	logger := logging.Setup(logging.Config{Level: level, Pretty: c.LogPretty, Output: stderr})

	if err := c.Validate(); err != nil {
		logger.Error().Err(err).Msg("Invalid configuration")
		return 1
	}

	logger = logger.With().
		Str("organization", c.Organization).
		Str("project", c.Project).
		Logger()
	ctx = logging.WithContext(ctx, logger)

	clientCfg := c.ClientConfig()
	clientCfg.UserAgent = "wit-harvester/" + VERSION

	if c.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: c.RedisAddr,
			DB:   c.RedisDB,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error().Err(err).Str("addr", c.RedisAddr).Msg("Failed to connect to Redis")
			return 1
		}
		logger.Info().Str("addr", c.RedisAddr).Msg("Connected to Redis")
		clientCfg.Redis = redisClient
	}

	ado, err := client.New(clientCfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create Azure DevOps client")
		return 1
	}
	defer ado.Close()

	if c.MetricsAddr != "" {
		metricsCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if _, _, err := metrics.Serve(metricsCtx, c.MetricsAddr); err != nil {
			logger.Error().Err(err).Str("addr", c.MetricsAddr).Msg("Failed to serve metrics")
			return 1
		}
	}

	pipeline := harvest.New(ado, ado, c.FetchConfig(), c.SearchFields()...)

	var result *harvest.Result
	if c.QueryID != "" {
		logger.Info().Str("query_id", c.QueryID).Msg("Running saved query")
		result, err = pipeline.RunSaved(ctx, c.QueryID, c.Keyword)
	} else {
		result, err = pipeline.Run(ctx, c.WIQL(), c.Keyword)
	}
	if err != nil {
		logger.Error().Err(err).Msg("Harvest failed")
		return 1
	}

	w := report.NewWriter(stdout, c.Sorted)
	if c.Summary {
		if err := w.Summary(len(result.Items)); err != nil {
			logger.Error().Err(err).Msg("Failed to write report")
			return 1
		}
	}
	if err := w.Write(result.Matches); err != nil {
		logger.Error().Err(err).Msg("Failed to write report")
		return 1
	}

	logger.Info().
		Str("run_id", result.RunID).
		Int("items", len(result.Items)).
		Int("matches", len(result.Matches)).
		Ints("failed_batches", result.Fetch.Failed).
		Dur("duration", result.Duration).
		Msg("Done")

	return 0
}
