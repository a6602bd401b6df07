package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/washline/washline-agent/internal/devices"
	"github.com/washline/washline-agent/internal/version"
)

const commandTimeout = 30 * time.Second

type readWeightPayload struct {
	TimeoutMs int `json:"timeout_ms"`
}

type scaleCommandPayload struct {
	Command string `json:"command"`
}

func (a *Agent) executeCommand(ctx context.Context, command string, rawPayload json.RawMessage) (result map[string]any, err error) {
	command = strings.ToLower(strings.TrimSpace(command))
	defer func() {
		a.metrics.Command(command, err)
	}()

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch command {
	case "scale_connect":
		if err := a.scale.Connect(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"port": a.scale.Status().Port}, nil

	case "scale_disconnect":
		a.scale.Disconnect()
		return map[string]any{}, nil

	case "request_weight":
		if err := a.scale.RequestWeight(); err != nil {
			return nil, err
		}
		return map[string]any{}, nil

	case "read_weight":
		var payload readWeightPayload
		if err := decodePayload(rawPayload, &payload); err != nil {
			return nil, err
		}
		return a.readWeight(ctx, payload)

	case "scale_command":
		var payload scaleCommandPayload
		if err := decodePayload(rawPayload, &payload); err != nil {
			return nil, err
		}
		cmd := strings.TrimSpace(payload.Command)
		if cmd == "" {
			return nil, errors.New("scale_command: command is required")
		}
		if err := a.scale.SendCommand(cmd); err != nil {
			return nil, err
		}
		return map[string]any{}, nil

	case "printer_connect":
		info, err := a.printer.Connect(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"printer": info.String()}, nil

	case "printer_disconnect":
		a.printer.Disconnect()
		return map[string]any{}, nil

	case "print_test":
		info, err := a.ensurePrinter(ctx)
		if err != nil {
			return nil, err
		}
		if err := a.printer.PrintTest(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"printer": info.String()}, nil

	case "print_receipt":
		var doc devices.ReceiptDocument
		if err := decodePayload(rawPayload, &doc); err != nil {
			return nil, err
		}
		if strings.TrimSpace(doc.OrderID) == "" {
			return nil, errors.New("print_receipt: order_id is required")
		}
		if doc.CreatedAt.IsZero() {
			doc.CreatedAt = time.Now()
		}

		info, err := a.ensurePrinter(ctx)
		if err != nil {
			return nil, err
		}
		sent, err := a.printer.PrintReceipt(ctx, doc)
		if err != nil {
			return nil, err
		}
		return map[string]any{"printer": info.String(), "bytes": sent}, nil

	case "status":
		return map[string]any{
			"scale":   a.scale.Status(),
			"printer": a.printer.Status(),
			"version": version.Version,
		}, nil

	default:
		err := fmt.Errorf("unsupported command: %s", command)
		command = "unsupported" // bounded metric label
		return nil, err
	}
}

// readWeight connects the scale if needed, requests a reading and waits for
// the first one parsed after the request. A connect already in progress
// elsewhere is waited for within the same timeout.
func (a *Agent) readWeight(ctx context.Context, payload readWeightPayload) (map[string]any, error) {
	timeout := a.cfg.Scale.ReadTimeout()
	if payload.TimeoutMs > 0 {
		timeout = time.Duration(payload.TimeoutMs) * time.Millisecond
	}

	if a.scale.Status().State == devices.ScaleDisconnected {
		if err := a.scale.Connect(ctx); err != nil && !errors.Is(err, devices.ErrAlreadyConnected) {
			return nil, err
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := a.awaitScaleConnect(waitCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("scale is still connecting after %s", timeout)
		}
		return nil, err
	}

	reading, err := a.scale.AwaitWeight(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("no reading from the scale within %s", timeout)
		}
		return nil, err
	}

	return readingData(reading), nil
}

const connectPollInterval = 20 * time.Millisecond

// awaitScaleConnect returns once the scale has left the connecting state.
// A connect that failed leaves it disconnected, which AwaitWeight reports.
func (a *Agent) awaitScaleConnect(ctx context.Context) error {
	if a.scale.Status().State != devices.ScaleConnecting {
		return nil
	}

	ticker := time.NewTicker(connectPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if a.scale.Status().State != devices.ScaleConnecting {
				return nil
			}
		}
	}
}

// ensurePrinter connects the printer unless it already is.
func (a *Agent) ensurePrinter(ctx context.Context) (devices.PrinterInfo, error) {
	if status := a.printer.Status(); status.Connected && status.Info != nil {
		return *status.Info, nil
	}

	info, err := a.printer.Connect(ctx)
	if errors.Is(err, devices.ErrAlreadyConnected) {
		if status := a.printer.Status(); status.Info != nil {
			return *status.Info, nil
		}
		return devices.PrinterInfo{}, nil
	}
	return info, err
}

func decodePayload(raw json.RawMessage, out any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
