package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/joeycumines/go-reactor"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type config struct {
	Listen        string
	MetricsListen string
	LogLevel      string
	Name          string
	Threads       int
	HighWaterMark int
	PollTimeout   time.Duration
	ReusePort     bool
	KeepAlive     bool
	NoDelay       bool
}

var (
	cmdConfig = &config{}
	rootCmd   = &cobra.Command{
		Use:           "reactor-echo",
		Short:         "Run an uppercasing TCP echo server",
		Long:          `Run an uppercasing TCP echo server. Every flag can also be set with an environment variable, REACTOR_<flag> (e.g. REACTOR_THREADS=3).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE:       processConfig,
		RunE:          run,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.Flags()
	flags.String("listen", "0.0.0.0:8000", "Address to accept connections on")
	flags.String("metrics-listen", "", "Address to serve Prometheus metrics on (/metrics), disabled if empty")
	flags.String("log-level", "info", "Log level (trace, debug, info, notice, warn, error, crit)")
	flags.String("name", "EchoServer", "Server name, used for connection names and metric labels")
	flags.Int("threads", 3, "Number of worker loops, 0 serves connections on the accepting loop")
	flags.Int("high-water-mark", reactor.DefaultHighWaterMark, "Output buffer size in bytes at which reads pause until the replies drain")
	flags.Duration("poll-timeout", reactor.DefaultPollTimeout, "Upper bound of each readiness wait")
	flags.Bool("reuse-port", true, "Set SO_REUSEPORT on the listening socket")
	flags.Bool("keep-alive", true, "Enable TCP keep-alive on accepted connections")
	flags.Bool("no-delay", false, "Enable TCP_NODELAY on accepted connections")
}

// initConfig loads .env files and wires environment variables into viper.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("reactor")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// processConfig reads the flags and environment into cmdConfig.
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	cmdConfig.Listen = viper.GetString("listen")
	cmdConfig.MetricsListen = viper.GetString("metrics-listen")
	cmdConfig.LogLevel = viper.GetString("log-level")
	cmdConfig.Name = viper.GetString("name")
	cmdConfig.Threads = viper.GetInt("threads")
	cmdConfig.HighWaterMark = viper.GetInt("high-water-mark")
	cmdConfig.PollTimeout = viper.GetDuration("poll-timeout")
	cmdConfig.ReusePort = viper.GetBool("reuse-port")
	cmdConfig.KeepAlive = viper.GetBool("keep-alive")
	cmdConfig.NoDelay = viper.GetBool("no-delay")

	if cmdConfig.Threads < 0 {
		return fmt.Errorf("invalid threads %d (expected >= 0)", cmdConfig.Threads)
	}
	if cmdConfig.HighWaterMark <= 0 {
		return fmt.Errorf("invalid high-water-mark %d (expected > 0)", cmdConfig.HighWaterMark)
	}
	if cmdConfig.PollTimeout <= 0 {
		return fmt.Errorf("invalid poll-timeout %s (expected > 0)", cmdConfig.PollTimeout)
	}
	if _, err := parseLevel(cmdConfig.LogLevel); err != nil {
		return err
	}
	return nil
}

func run(_ *cobra.Command, _ []string) error {
	level, _ := parseLevel(cmdConfig.LogLevel)
	logger := newLogger(os.Stderr, level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := reactor.NewMetrics()

	loop, err := reactor.NewEventLoop(
		reactor.WithName(cmdConfig.Name+"-base"),
		reactor.WithLogger(logger),
		reactor.WithMetrics(m),
		reactor.WithPollTimeout(cmdConfig.PollTimeout),
	)
	if err != nil {
		logger.Crit().Err(err).Log("failed to create event loop")
		return err
	}
	defer loop.Close()

	echo, err := NewEchoServer(loop, cmdConfig, logger, m)
	if err != nil {
		logger.Crit().Err(err).Str("listen", cmdConfig.Listen).Log("failed to create server")
		return err
	}

	if cmdConfig.MetricsListen != "" {
		srv := newMetricsServer(cmdConfig.MetricsListen, m)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Err().Err(err).Str("listen", cmdConfig.MetricsListen).Log("metrics server failed")
			}
		}()
		defer srv.Close()
	}

	if err := echo.Start(); err != nil {
		logger.Crit().Err(err).Log("failed to start server")
		return err
	}

	err = loop.Loop(ctx)
	_ = echo.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Crit().Err(err).Log("event loop failed")
		return err
	}
	return nil
}

func newMetricsServer(addr string, m *reactor.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		m.WritePrometheus(w)
		metrics.WritePrometheus(w, true)
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
