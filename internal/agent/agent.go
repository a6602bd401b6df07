// Package agent bridges the backend's agent channel to the local scale and
// receipt printer. Commands arrive over a websocket session, or over HTTP
// polling when the websocket is unavailable, and weight readings are pushed
// back as events while a session is live.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/washline/washline-agent/internal/config"
	"github.com/washline/washline-agent/internal/devices"
	"github.com/washline/washline-agent/internal/metrics"
)

// Scale is the part of *devices.Scale the agent drives.
type Scale interface {
	Connect(ctx context.Context) error
	Disconnect()
	RequestWeight() error
	SendCommand(cmd string) error
	AwaitWeight(ctx context.Context) (devices.Reading, error)
	Subscribe() (<-chan devices.Reading, func())
	Status() devices.ScaleStatus
}

// Printer is the part of *devices.Printer the agent drives.
type Printer interface {
	Connect(ctx context.Context) (devices.PrinterInfo, error)
	Disconnect()
	PrintTest(ctx context.Context) error
	PrintReceipt(ctx context.Context, doc devices.ReceiptDocument) (int, error)
	Status() devices.PrinterStatus
}

type IncomingMessage struct {
	Type    string          `json:"type"`
	JobID   string          `json:"job_id,omitempty"`
	Command string          `json:"command,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type OutgoingMessage struct {
	Type      string         `json:"type"`
	AgentID   string         `json:"agent_id,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	Status    string         `json:"status,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
}

const (
	defaultPollEvery      = 2 * time.Second
	defaultFallbackWindow = 45 * time.Second
	// A session that lived this long resets the reconnect backoff.
	stableSession = time.Minute
)

type Agent struct {
	cfg     *config.Config
	scale   Scale
	printer Printer
	logger  zerolog.Logger
	metrics *metrics.Metrics

	client  *http.Client
	dialer  *websocket.Dialer
	breaker *gobreaker.CircuitBreaker

	pollEvery      time.Duration
	fallbackWindow time.Duration

	running atomic.Bool
	online  atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg *config.Config, scale Scale, printer Printer, logger zerolog.Logger, m *metrics.Metrics) *Agent {
	a := &Agent{
		cfg:            cfg,
		scale:          scale,
		printer:        printer,
		logger:         logger.With().Str("component", "agent").Logger(),
		metrics:        m,
		client:         &http.Client{Timeout: 15 * time.Second},
		dialer:         websocket.DefaultDialer,
		pollEvery:      defaultPollEvery,
		fallbackWindow: defaultFallbackWindow,
	}
	a.breaker = a.newBreaker()
	return a
}

func (a *Agent) newBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "backend-api",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.logger.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("circuit breaker state changed")
		},
	})
}

func (a *Agent) Start(parent context.Context) error {
	if a.running.Swap(true) {
		return nil
	}

	ctx, cancel := context.WithCancel(parent)
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.loop(ctx)
	}()

	return nil
}

func (a *Agent) Stop() {
	if !a.running.Load() {
		return
	}

	if a.cancel != nil {
		a.cancel()
	}

	a.wg.Wait()
	a.running.Store(false)
}

func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// IsOnline reports whether a websocket session is currently established.
func (a *Agent) IsOnline() bool {
	return a.online.Load()
}

func (a *Agent) loop(ctx context.Context) {
	if strings.TrimSpace(a.cfg.AgentToken) == "" {
		a.logger.Warn().Msg("no agent token configured, run: washline-agent configure -token=...")
		<-ctx.Done()
		return
	}

	if strings.TrimSpace(a.cfg.ServerURL) == "" && strings.TrimSpace(a.cfg.WebSocketURL) == "" {
		a.logger.Warn().Msg("no server_url or websocket_url configured, run: washline-agent configure ...")
		<-ctx.Done()
		return
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = 20 * time.Second
	retry.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}

		started := time.Now()
		err := a.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			a.logger.Error().Err(err).Msg("agent loop iteration failed")
		}

		if time.Since(started) >= stableSession {
			retry.Reset()
		}

		wait := retry.NextBackOff()
		a.logger.Debug().Dur("wait", wait).Msg("reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// connectOnce runs a websocket session and, when it ends, polls over HTTP
// for the fallback window. Without a websocket URL it only polls.
func (a *Agent) connectOnce(ctx context.Context) error {
	if strings.TrimSpace(a.cfg.WebSocketURL) == "" {
		return a.runHTTPPolling(ctx, 0)
	}

	err := a.runSession(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn().Err(err).Msg("websocket session ended")
	}
	if ctx.Err() != nil {
		return nil
	}

	if strings.TrimSpace(a.cfg.ServerURL) == "" {
		return err
	}

	a.logger.Info().Dur("window", a.fallbackWindow).Msg("falling back to HTTP polling")
	return a.runHTTPPolling(ctx, a.fallbackWindow)
}

func (a *Agent) heartbeatEvery() time.Duration {
	if a.cfg.HeartbeatSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(a.cfg.HeartbeatSeconds) * time.Second
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
