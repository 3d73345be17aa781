// Package cli is the standalone command line front end. It talks to klippy
// directly, without a Viam machine.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.viam.com/rdk/logging"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"resonancegraphs"
	"resonancegraphs/internal/klippy"
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          DefaultAppName,
		Short:        "run klipper resonance tests and render shaper graphs",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newInitCmd())
	return root
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:        "run",
		SuggestFor: []string{"serve", "ru"},
		Short:      "wait for klipper and serve test_resonances requests",
		Long: `run connects to the klippy API socket, waits until the printer is ready and
then serves test_resonances remote method calls one at a time.
The configuration is read from, in order:
1. path specified in --config flag
2. path defined by the RESONANCE_GRAPHS_CONFIG environment variable
3. $HOME/.config/resonance-graphs/config.yaml, /etc/resonance-graphs/config.yaml, current directory
Values are then overridden by RESONANCE_GRAPHS_* environment variables and flags.
`,
		Example: `  resonance-graphs run --socket ~/printer_data/comms/klippy.sock`,
		RunE:    runE,
	}
	cmd.Flags().String("config", "", "configuration file path")
	cmd.Flags().String("socket", "", "klippy API socket path")
	cmd.Flags().String("output-dir", "", "directory for capture files and graphs")
	cmd.Flags().String("script", "", "shaper calibration script")
	cmd.Flags().String("metrics-addr", "", "serve prometheus metrics on this address")
	cmd.Flags().String("log-file", "", "also log to this file, rotated")
	cmd.Flags().Bool("debug", false, "toggle debug logging")
	return cmd
}

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "write a configuration template",
		Long: `init writes a configuration template filled with defaults.
If --print is present the template is printed to stdout instead.
Use --yes / -y to overwrite an existing file.
`,
		Example: `  resonance-graphs init --print
  resonance-graphs init -o /path/to/config.yaml -y`,
		RunE: initE,
	}
	cmd.Flags().Bool("print", false, "print config to stdout")
	cmd.Flags().BoolP("yes", "y", false, "overwrite")
	cmd.Flags().StringP("output", "o", DefaultConfig, "output file")
	return cmd
}

func Execute() error {
	return NewRootCmd().Execute()
}

func runE(cmd *cobra.Command, _ []string) error {
	opt, err := LoadOpt(cmd)
	if err != nil {
		return err
	}
	logger, closeLog := newLogger(opt)
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	metrics := resonancegraphs.NewMetrics(registry)
	if opt.MetricsAddr != "" {
		srv := serveMetrics(opt.MetricsAddr, registry, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	session, err := klippy.Dial(ctx, opt.SocketPath, logger.Sublogger("klippy"))
	if err != nil {
		return err
	}
	defer session.Close()

	orch := resonancegraphs.NewOrchestrator(session, opt.Options(), logger, metrics)
	err = orch.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}
	return err
}

func newLogger(opt Opt) (logging.Logger, func()) {
	logger := logging.NewLogger(DefaultAppName)
	if opt.Debug {
		logger.SetLevel(logging.DEBUG)
	}
	if opt.LogFile == "" {
		return logger, func() {}
	}
	rotator := &lumberjack.Logger{
		Filename:   opt.LogFile,
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
	logger.AddAppender(logging.NewWriterAppender(rotator))
	return logger, func() { _ = rotator.Close() }
}

func serveMetrics(addr string, g prometheus.Gatherer, logger logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("metrics server: %v", err)
		}
	}()
	logger.Infof("serving metrics on %s/metrics", addr)
	return srv
}

func initE(cmd *cobra.Command, _ []string) error {
	printFlag, _ := cmd.Flags().GetBool("print")
	outputPath, _ := cmd.Flags().GetString("output")
	overwrite, _ := cmd.Flags().GetBool("yes")

	raw, err := yaml.Marshal(NewOpt())
	if err != nil {
		return err
	}
	if printFlag {
		_, err := cmd.OutOrStdout().Write(raw)
		return err
	}

	if _, err := os.Stat(outputPath); err == nil && !overwrite {
		return fmt.Errorf("%s already exists, use --yes to overwrite", outputPath)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, raw, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "configuration written to %s\n", outputPath)
	return nil
}
