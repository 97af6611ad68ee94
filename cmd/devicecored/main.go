// Command devicecored runs a standalone signal-mapping device on a UDP
// transport, polling it in a tight loop and exposing prometheus metrics.
// It is a thin wiring binary: all behavior lives in internal/device,
// internal/admin, internal/router, and internal/transport.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sigmapper/devicecore/internal/admin"
	"github.com/sigmapper/devicecore/internal/device"
	"github.com/sigmapper/devicecore/internal/transport"
)

var (
	name                 = flag.String("name", "", "device identifier (required)")
	bindIP               = flag.String("bind-ip", "0.0.0.0", "signal transport bind address")
	port                 = flag.Int("port", 9000, "signal transport UDP port")
	pollIntervalMs       = flag.Int("poll-interval-ms", 20, "poll block duration in milliseconds")
	heartbeatInterval    = flag.Duration("heartbeat-interval", 5*time.Second, "admin heartbeat interval")
	enableVerboseLogging = flag.Bool("v", false, "enables debug logging")
	metricsEnable        = flag.Bool("metrics-enable", false, "enable prometheus metrics")
	metricsAddr          = flag.String("metrics-addr", "localhost:0", "address to listen on for prometheus metrics")
	versionFlag          = flag.Bool("version", false, "print build version and exit")

	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// newLogger builds a tint-colored console logger; verbose enables debug
// level.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: level}))
}

func main() {
	flag.Parse()

	logger := newLogger(*enableVerboseLogging)
	slog.SetDefault(logger)

	if *versionFlag {
		fmt.Printf("build: %s\n", commit)
		fmt.Printf("version: %s\n", version)
		fmt.Printf("date: %s\n", date)
		os.Exit(0)
	}

	if *name == "" {
		logger.Error("name is required")
		os.Exit(1)
	}

	if *metricsEnable {
		buildInfo := promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "devicecore_build_info",
				Help: "Build information of devicecored",
			},
			[]string{"version", "commit", "date"},
		)
		buildInfo.WithLabelValues(version, commit, date).Set(1)

		go func() {
			listener, err := net.Listen("tcp", *metricsAddr)
			if err != nil {
				logger.Error("failed to start prometheus metrics listener", "error", err)
				os.Exit(1)
			}
			http.Handle("/metrics", promhttp.Handler())
			logger.Info("prometheus metrics server started", "address", listener.Addr().String())
			if err := http.Serve(listener, nil); err != nil {
				log.Printf("prometheus metrics server stopped: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr, err := transport.ListenUDP(*bindIP, *port)
	if err != nil {
		logger.Error("failed to bind signal transport", "error", err)
		os.Exit(1)
	}

	adm := admin.NewLocalAdmin(admin.WithHeartbeatInterval(*heartbeatInterval), admin.WithLogger(logger))

	dev, err := device.New(*name, *port,
		device.WithTransport(tr),
		device.WithAdmin(adm),
		device.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to construct device", "error", err)
		os.Exit(1)
	}

	if err := adm.Register(ctx, *name, func(deviceID uint64, ordinal int) {
		logger.Info("device registered", "device_id", deviceID, "ordinal", ordinal)
	}); err != nil {
		logger.Error("failed to register device", "error", err)
		os.Exit(1)
	}

	logger.Info("devicecored started", "name", *name, "port", *port)
	runPollLoop(ctx, dev, *pollIntervalMs, logger)

	if err := dev.Close(); err != nil {
		logger.Error("error during device teardown", "error", err)
		os.Exit(1)
	}
}

// runPollLoop drives Poll on a tight cadence until ctx is canceled,
// matching the owned poll() loop of §4.8 rather than the
// fd-multiplexed alternative, which callers that embed the core in a larger
// event loop would use instead (see device.GetFDs/ServiceFD).
func runPollLoop(ctx context.Context, dev *device.Device, blockMs int, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := dev.Poll(blockMs); err != nil {
			logger.Debug("poll error", "error", err)
		}
	}
}
