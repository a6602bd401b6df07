package agent

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/washline/washline-agent/internal/devices"
)

const writeWait = 10 * time.Second

// runSession holds one websocket session. All writes happen on this
// goroutine: command results arrive on a channel, readings from the scale
// subscription.
func (a *Agent) runSession(ctx context.Context) error {
	headers := http.Header{}
	a.setAgentHeaders(headers)

	conn, response, err := a.dialer.DialContext(ctx, a.cfg.WebSocketURL, headers)
	if err != nil {
		if response != nil {
			return fmt.Errorf("websocket dial (http %d): %w", response.StatusCode, err)
		}
		return err
	}
	defer func() {
		_ = conn.Close()
	}()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	write := func(message OutgoingMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(message)
	}

	if err = write(OutgoingMessage{
		Type:      "auth",
		AgentID:   a.cfg.AgentID,
		Status:    "online",
		Timestamp: now(),
		Data: map[string]any{
			"device_name": a.cfg.DeviceName,
		},
	}); err != nil {
		return err
	}

	a.online.Store(true)
	defer a.online.Store(false)
	a.logger.Info().Str("url", a.cfg.WebSocketURL).Msg("websocket session established")

	readings, unsubscribe := a.scale.Subscribe()
	defer unsubscribe()

	heartbeatTicker := time.NewTicker(a.heartbeatEvery())
	defer heartbeatTicker.Stop()

	readErrors := make(chan error, 1)
	readMessages := make(chan IncomingMessage, 8)
	results := make(chan OutgoingMessage, 8)

	go func() {
		for {
			var message IncomingMessage
			if readErr := conn.ReadJSON(&message); readErr != nil {
				readErrors <- readErr
				return
			}

			select {
			case readMessages <- message:
			case <-sessionCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = write(OutgoingMessage{Type: "status", AgentID: a.cfg.AgentID, Status: "offline", Timestamp: now()})
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return ctx.Err()

		case err = <-readErrors:
			return err

		case message := <-readMessages:
			if reply, ok := a.handleIncoming(sessionCtx, message, results); ok {
				if err = write(reply); err != nil {
					return err
				}
			}

		case out := <-results:
			if err = write(out); err != nil {
				return err
			}

		case reading := <-readings:
			if err = write(a.weightEvent(reading)); err != nil {
				return err
			}

		case <-heartbeatTicker.C:
			if err = write(OutgoingMessage{
				Type:      "heartbeat",
				AgentID:   a.cfg.AgentID,
				Timestamp: now(),
				Status:    "online",
			}); err != nil {
				return err
			}
		}
	}
}

// handleIncoming answers pings directly and runs commands in the background,
// delivering their result on results.
func (a *Agent) handleIncoming(ctx context.Context, message IncomingMessage, results chan<- OutgoingMessage) (OutgoingMessage, bool) {
	messageType := strings.ToLower(strings.TrimSpace(message.Type))
	commandName := strings.ToLower(strings.TrimSpace(message.Command))

	switch {
	case messageType == "ping" || commandName == "ping":
		return OutgoingMessage{
			Type:      "pong",
			AgentID:   a.cfg.AgentID,
			JobID:     message.JobID,
			Timestamp: now(),
		}, true

	case messageType == "command":
		jobID := message.JobID
		if strings.TrimSpace(jobID) == "" {
			jobID = uuid.NewString()
		}

		go func() {
			result, err := a.executeCommand(ctx, commandName, message.Payload)
			a.logJobResult(jobID, err)

			out := OutgoingMessage{
				Type:      "command_result",
				AgentID:   a.cfg.AgentID,
				JobID:     jobID,
				Timestamp: now(),
			}
			if err != nil {
				out.Status = "failed"
				out.Error = err.Error()
			} else {
				out.Status = "completed"
				out.Data = result
			}

			select {
			case results <- out:
			case <-ctx.Done():
			}
		}()
	}

	return OutgoingMessage{}, false
}

func (a *Agent) weightEvent(r devices.Reading) OutgoingMessage {
	return OutgoingMessage{
		Type:      "event",
		AgentID:   a.cfg.AgentID,
		Status:    "weight",
		Timestamp: now(),
		Data:      readingData(r),
	}
}

func readingData(r devices.Reading) map[string]any {
	return map[string]any{
		"weight": r.Value,
		"unit":   string(r.Unit),
		"raw":    r.Raw,
	}
}
