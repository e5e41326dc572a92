package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/autoremedy/internal/httpapi"
	"github.com/ppiankov/autoremedy/internal/inbox"
	"github.com/ppiankov/autoremedy/internal/rules"
)

var serveListen string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP listen address (overrides config)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the automation engine",
	Long: `Starts the worker pool, the escalation sweep and the HTTP API.
Webhooks arrive on POST /webhooks/{source}. The rules file is reloaded when
it changes and the inbox directory, when configured, is watched for payload
files.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, hash, err := loadConfig()
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Listen = serveListen
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	rt, err := openRuntime(cfg, hash, logger, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rt.applyRulesFile(ctx); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.engine.Run(ctx) })

	api := httpapi.New(httpapi.Config{
		Addr:          cfg.Listen,
		RatePerSecond: cfg.IngestRate.PerSecond,
		Burst:         cfg.IngestRate.Burst,
	}, rt.engine, rt.metrics, logger.Named("http"))
	g.Go(func() error { return api.Start(ctx) })

	if cfg.RulesFile != "" {
		reloader, err := rules.NewReloader(cfg.RulesFile, rt.engine, logger.Named("rules"))
		if err != nil {
			logger.Warn("rules hot-reload disabled", zap.Error(err))
		} else {
			g.Go(func() error { return reloader.Run(ctx) })
		}
	}

	if cfg.InboxDir != "" {
		in := inbox.New(cfg.InboxDir, rt.engine, inbox.Options{Logger: logger.Named("inbox")})
		g.Go(func() error { return in.Run(ctx) })
	}

	fmt.Fprintf(os.Stderr, "autoremedy %s listening on %s (store: %s)\n", version, cfg.Listen, cfg.Store.Driver)
	err = g.Wait()
	fmt.Fprintln(os.Stderr, "autoremedy stopped")
	return err
}
