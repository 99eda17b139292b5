package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"

	"github.com/always-cache/precache"
	"github.com/always-cache/precache/cache"
	cachekey "github.com/always-cache/precache/pkg/cache-key"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// CLI flags
	configFilenameFlag string
	dbFilenameFlag     string
	portFlag           int
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string

	rootCmd = &cobra.Command{
		Use:               "precache",
		Short:             "Offline asset cache for web applications",
		SilenceUsage:      true,
		PersistentPreRunE: setupLogging,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Install the manifest, then serve requests cache-first",
		Args:  cobra.NoArgs,
		RunE:  serve,
	}

	installCmd = &cobra.Command{
		Use:   "install",
		Short: "Store every manifest entry in the bucket",
		Args:  cobra.NoArgs,
		RunE:  install,
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List buckets and stored keys",
		Args:  cobra.NoArgs,
		RunE:  list,
	}
)

func init() {
	if version == "" {
		version = "DEV"
	}
	rootCmd.Version = version

	rootCmd.PersistentFlags().StringVar(&configFilenameFlag, "config", "precache.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	rootCmd.PersistentFlags().BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	rootCmd.PersistentFlags().StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
	serveCmd.Flags().IntVar(&portFlag, "port", 8080, "Port to listen on")

	rootCmd.AddCommand(serveCmd, installCmd, listCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setupLogging(cmd *cobra.Command, args []string) error {
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
	return nil
}

// openCache opens the sqlite cache configured with the db flag.
func openCache() (cache.SQLiteCache, error) {
	dbFilename := dbFilenameFlag
	if dbFilename == "memory" {
		dbFilename = "file::memory:?cache=shared"
	}
	return cache.NewSQLiteCache(dbFilename)
}

// createWorker loads the config and creates the worker for it.
func createWorker(provider cache.CacheProvider) (*precache.Worker, error) {
	config, err := getConfig(configFilenameFlag)
	if err != nil {
		return nil, err
	}
	originURL, err := config.originURL()
	if err != nil {
		return nil, err
	}
	return precache.CreateWorker(precache.Config{
		Cache:            provider,
		Bucket:           config.Bucket,
		Manifest:         config.Manifest,
		OriginURL:        *originURL,
		FetchConcurrency: config.Concurrency,
		Logger:           &log.Logger,
	})
}

func serve(cmd *cobra.Command, args []string) error {
	provider, err := openCache()
	if err != nil {
		return err
	}
	defer provider.Close()
	worker, err := createWorker(provider)
	if err != nil {
		return err
	}

	reg := precache.NewRegistration(worker)
	if err := reg.Register(cmd.Context()); err != nil {
		// keep serving, requests go to the network until the next successful install
		log.Error().Err(err).Msg("Worker registration failed")
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/*", reg)

	log.Info().Msgf("Serving bucket '%s' on port %v", worker.Bucket(), portFlag)
	return http.ListenAndServe(fmt.Sprintf(":%d", portFlag), r)
}

func install(cmd *cobra.Command, args []string) error {
	provider, err := openCache()
	if err != nil {
		return err
	}
	defer provider.Close()
	worker, err := createWorker(provider)
	if err != nil {
		return err
	}
	return worker.Install(cmd.Context())
}

func list(cmd *cobra.Command, args []string) error {
	provider, err := openCache()
	if err != nil {
		return err
	}
	defer provider.Close()
	config, err := getConfig(configFilenameFlag)
	if err != nil {
		return err
	}
	return listBuckets(cmd.OutOrStdout(), provider, config.Bucket)
}

// listBuckets prints every bucket with its keys.
// Buckets other than the current one are marked as orphaned; they are
// never cleaned up.
func listBuckets(out io.Writer, provider cache.CacheProvider, current string) error {
	buckets, err := provider.Buckets()
	if err != nil {
		return err
	}
	for _, bucket := range buckets {
		if bucket == current {
			fmt.Fprintf(out, "%s (current)\n", bucket)
		} else {
			fmt.Fprintf(out, "%s (orphaned)\n", bucket)
			log.Warn().Str("bucket", bucket).Msg("Orphaned bucket is not cleaned up")
		}
		err := provider.Keys(bucket, func(key string) {
			req, err := cachekey.GetRequestFromKey(key)
			if err != nil {
				log.Warn().Err(err).Str("bucket", bucket).Msg("Skipping malformed key")
				return
			}
			fmt.Fprintf(out, "\t%s %s\n", req.Method, req.URL.RequestURI())
		})
		if err != nil {
			return err
		}
	}
	return nil
}
