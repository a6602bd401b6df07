package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/washline/washline-agent/internal/agent"
	"github.com/washline/washline-agent/internal/config"
	"github.com/washline/washline-agent/internal/devices"
	"github.com/washline/washline-agent/internal/metrics"
	"github.com/washline/washline-agent/internal/tray"
	"github.com/washline/washline-agent/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "configure":
			runConfigure(os.Args[2:])
			return
		case "headless":
			runHeadless()
			return
		case "diag":
			os.Exit(runDiag(os.Args[2:]))
		case "version":
			fmt.Printf("washline-agent %s\n", version.Version)
			return
		case "tray":
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q (tray, headless, configure, diag, version)\n", os.Args[1])
			os.Exit(2)
		}
	}

	runTray()
}

func runConfigure(args []string) {
	cfg, err := config.LoadOrCreateDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading config: %v\n", err)
		os.Exit(1)
	}

	fs := flag.NewFlagSet("configure", flag.ExitOnError)
	serverURL := fs.String("server", cfg.ServerURL, "backend base URL, e.g. https://laundry.example.com")
	wsURL := fs.String("ws", cfg.WebSocketURL, "agent websocket URL, e.g. wss://laundry.example.com/agent/ws")
	agentID := fs.String("agent-id", cfg.AgentID, "agent id")
	token := fs.String("token", cfg.AgentToken, "agent API token")
	tenantID := fs.String("tenant-id", cfg.TenantID, "optional tenant id")
	deviceName := fs.String("name", cfg.DeviceName, "agent name shown in the web application")
	logLevel := fs.String("log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	metricsAddr := fs.String("metrics-addr", cfg.MetricsAddr, "listen address for /metrics in headless mode, empty to disable")

	serialPort := fs.String("scale-port", cfg.Scale.SerialPort, "scale serial port, empty to pick the first USB serial port")
	readTimeout := fs.Int("scale-timeout-ms", cfg.Scale.ReadTimeoutMs, "how long read_weight waits for a reading")

	transport := fs.String("printer", cfg.Printer.Transport, "printer transport: usb or raw_tcp")
	vendorID := fs.String("printer-vendor", cfg.Printer.VendorID, "USB vendor id (hex), empty for the thermal printer allow-list")
	productID := fs.String("printer-product", cfg.Printer.ProductID, "USB product id (hex)")
	printerHost := fs.String("printer-host", cfg.Printer.Host, "raw_tcp printer host")
	printerPort := fs.Int("printer-port", cfg.Printer.Port, "raw_tcp printer port (default 9100)")

	shopName := fs.String("shop-name", cfg.Receipt.ShopName, "receipt header")
	subtitle := fs.String("shop-subtitle", cfg.Receipt.Subtitle, "receipt header subtitle")
	currency := fs.String("currency", cfg.Receipt.Currency, "currency symbol printed before amounts")
	locale := fs.String("locale", cfg.Receipt.Locale, "receipt language: en or es")

	githubRepo := fs.String("github-repo", cfg.Update.GitHubRepo, "repository for update checks, e.g. washline/washline-agent")
	checkHours := fs.Int("update-hours", cfg.Update.CheckIntervalHours, "hours between update checks")

	_ = fs.Parse(args)

	cfg.ServerURL = *serverURL
	cfg.WebSocketURL = *wsURL
	cfg.AgentID = *agentID
	cfg.AgentToken = *token
	cfg.TenantID = *tenantID
	cfg.DeviceName = *deviceName
	cfg.LogLevel = *logLevel
	cfg.MetricsAddr = *metricsAddr
	cfg.Scale.SerialPort = *serialPort
	cfg.Scale.ReadTimeoutMs = *readTimeout
	cfg.Printer.Transport = *transport
	cfg.Printer.VendorID = *vendorID
	cfg.Printer.ProductID = *productID
	cfg.Printer.Host = *printerHost
	cfg.Printer.Port = *printerPort
	cfg.Receipt.ShopName = *shopName
	cfg.Receipt.Subtitle = *subtitle
	cfg.Receipt.Currency = *currency
	cfg.Receipt.Locale = *locale
	cfg.Update.GitHubRepo = *githubRepo
	cfg.Update.CheckIntervalHours = *checkHours

	if _, err := devices.NewPrinterConnector(cfg.Printer, nil); err != nil {
		fmt.Fprintf(os.Stderr, "invalid printer settings: %v\n", err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("config saved: %s\n", config.Path())
}

// runtimeDeps is everything a long-running mode needs.
type runtimeDeps struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
	scale   *devices.Scale
	printer *devices.Printer
	agent   *agent.Agent
	close   func()
}

func bootstrap() (*runtimeDeps, error) {
	cfg, err := config.LoadOrCreateDefault()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, closeLog, err := buildLogger(cfg.Level())
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	m := metrics.New()
	scale, printer, closeDevices, err := buildDevices(cfg, logger, m)
	if err != nil {
		closeLog()
		return nil, err
	}

	return &runtimeDeps{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		scale:   scale,
		printer: printer,
		agent:   agent.New(cfg, scale, printer, logger, m),
		close: func() {
			closeDevices()
			closeLog()
		},
	}, nil
}

func runHeadless() {
	deps, err := bootstrap()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer deps.close()

	logger := deps.logger
	logger.Info().Str("version", version.Version).Str("config", config.Path()).Msg("starting headless agent")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if addr := strings.TrimSpace(deps.cfg.MetricsAddr); addr != "" {
		srv := serveMetrics(addr, deps.metrics, logger)
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := deps.agent.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("agent start failed")
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	deps.agent.Stop()
}

func runTray() {
	deps, err := bootstrap()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer deps.close()

	t := tray.New(deps.cfg, deps.agent, deps.scale, deps.printer, deps.logger)
	t.Run()
}

func serveMetrics(addr string, m *metrics.Metrics, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	return srv
}

func buildDevices(cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics) (*devices.Scale, *devices.Printer, func(), error) {
	scale := devices.NewScale(&devices.SerialPorts{PortName: cfg.Scale.SerialPort}, logger, m)

	var (
		usbHost devices.USBHost
		libusb  *devices.LibUSB
	)
	if isUSBTransport(cfg.Printer.Transport) {
		libusb = devices.NewLibUSB(logger)
		usbHost = libusb
	}

	connector, err := devices.NewPrinterConnector(cfg.Printer, usbHost)
	if err != nil {
		if libusb != nil {
			_ = libusb.Close()
		}
		return nil, nil, nil, fmt.Errorf("printer: %w", err)
	}
	printer := devices.NewPrinter(connector, cfg.Receipt, logger, m)

	return scale, printer, func() {
		scale.Disconnect()
		printer.Disconnect()
		if libusb != nil {
			_ = libusb.Close()
		}
	}, nil
}

func isUSBTransport(transport string) bool {
	t := strings.ToLower(strings.TrimSpace(transport))
	return t == "" || t == "usb"
}

func buildLogger(level zerolog.Level) (zerolog.Logger, func(), error) {
	logPath := filepath.Join(config.LogDir(), "agent.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return zerolog.Nop(), nil, err
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Nop(), nil, err
	}

	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	w := zerolog.MultiLevelWriter(console, f)
	logger := zerolog.New(w).Level(level).With().Timestamp().Str("app", "washline-agent").Logger()

	return logger, func() {
		_ = f.Close()
	}, nil
}
