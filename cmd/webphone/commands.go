package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/arzzra/webphone/pkg/api"
	"github.com/arzzra/webphone/pkg/config"
	"github.com/arzzra/webphone/pkg/history"
	"github.com/arzzra/webphone/pkg/logging"
	"github.com/arzzra/webphone/pkg/phone"
	"github.com/arzzra/webphone/pkg/sipua"
	"github.com/arzzra/webphone/pkg/storage"
)

const shutdownTimeout = 10 * time.Second

func newRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "webphone",
		Short:         "SIP over WebSocket softphone with HTTP control API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the phone and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Print stored call history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return printHistory(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "webphone %s\n", version)
		},
	}

	rootCmd.AddCommand(serveCmd, historyCmd, versionCmd)
	return rootCmd
}

// openStore открывает хранилище по конфигурации. close освобождает соединения.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, func() error, error) {
	if cfg.Storage.Driver != config.StorageRedis {
		return storage.NewMemory(), func() error { return nil }, nil
	}
	r, err := storage.OpenRedis(ctx, cfg.Redis())
	if err != nil {
		return nil, nil, err
	}
	return r, r.Close, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Logging())
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = closeStore() }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := cfg.PhoneMetrics()
	metrics.Registerer = registry

	orch, err := phone.New(phone.Config{
		Factory:         sipua.NewFactory(cfg.SIPOptions()),
		Store:           store,
		Logger:          logger,
		Metrics:         metrics,
		MonitorWindow:   cfg.Media.MonitorWindow,
		MonitorDisabled: cfg.Media.MonitorDisabled,
	})
	if err != nil {
		return err
	}
	defer orch.Close(context.Background())

	if ok, err := orch.TryAutoLogin(ctx); err != nil {
		logger.LogError(ctx, err, "auto login failed")
	} else if ok {
		logger.Info(ctx, "auto login started")
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv, err := api.New(api.Config{
		Addr:     cfg.HTTP.Listen,
		Phone:    orch,
		Logger:   logger,
		Gatherer: registry,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func printHistory(ctx context.Context, out io.Writer, cfg *config.Config) error {
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = closeStore() }()

	entries, err := storage.LoadHistory(ctx, store)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No calls found")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"#", "Number", "Time", "Direction", "Status"})
	table.SetBorder(true)
	table.SetRowLine(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for i, e := range entries {
		table.Append([]string{
			strconv.Itoa(i + 1),
			e.Number,
			e.Time,
			string(e.Direction),
			statusText(e.Status),
		})
	}

	table.Render()
	fmt.Fprintf(out, "\nTotal: %d calls\n", len(entries))
	return nil
}

func statusText(s history.Status) string {
	switch s {
	case history.StatusConnected:
		return color.GreenString(string(s))
	case history.StatusMissed, history.StatusFailed:
		return color.RedString(string(s))
	case history.StatusCancelled:
		return color.YellowString(string(s))
	}
	return string(s)
}
