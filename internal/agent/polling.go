package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type pullCommandsResponse struct {
	Success bool              `json:"success"`
	Data    []IncomingMessage `json:"data"`
}

// runHTTPPolling pulls and executes commands until ctx ends, maxDuration
// elapses (when > 0) or a pull fails.
func (a *Agent) runHTTPPolling(ctx context.Context, maxDuration time.Duration) error {
	if strings.TrimSpace(a.cfg.ServerURL) == "" {
		return errors.New("no server_url for HTTP fallback")
	}

	pollTicker := time.NewTicker(a.pollEvery)
	heartbeatTicker := time.NewTicker(a.heartbeatEvery())
	defer pollTicker.Stop()
	defer heartbeatTicker.Stop()

	if err := a.heartbeat(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("HTTP heartbeat failed")
	}

	var timeout <-chan time.Time
	if maxDuration > 0 {
		timer := time.NewTimer(maxDuration)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return nil
		case <-heartbeatTicker.C:
			if err := a.heartbeat(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("HTTP heartbeat failed")
			}
		case <-pollTicker.C:
			commands, err := a.pullCommands(ctx)
			if err != nil {
				return err
			}

			for _, message := range commands {
				result, execErr := a.executeCommand(ctx, message.Command, message.Payload)
				if reportErr := a.reportCommandResult(ctx, message.JobID, result, execErr); reportErr != nil {
					a.logger.Error().Err(reportErr).Str("job_id", message.JobID).Msg("reporting job result failed")
				}
			}
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context) error {
	_, err := a.callAPI(ctx, http.MethodPost, "/api/agent/heartbeat", nil)
	return err
}

func (a *Agent) pullCommands(ctx context.Context) ([]IncomingMessage, error) {
	body, err := a.callAPI(ctx, http.MethodGet, "/api/agent/commands/next?limit=5", nil)
	if err != nil {
		return nil, err
	}

	var parsed pullCommandsResponse
	if err = json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode commands: %w", err)
	}
	if !parsed.Success {
		return nil, errors.New("pull commands returned success=false")
	}

	return parsed.Data, nil
}

func (a *Agent) reportCommandResult(ctx context.Context, jobID string, result map[string]any, execErr error) error {
	if strings.TrimSpace(jobID) == "" {
		return errors.New("missing job_id")
	}

	payload := map[string]any{}
	if execErr != nil {
		payload["status"] = "failed"
		payload["error"] = execErr.Error()
	} else {
		payload["status"] = "completed"
		payload["result"] = result
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if _, err = a.callAPI(ctx, http.MethodPost, "/api/agent/commands/"+url.PathEscape(jobID)+"/result", body); err != nil {
		return err
	}

	a.logJobResult(jobID, execErr)
	return nil
}

// callAPI performs one backend request through the circuit breaker and
// returns the response body. Non-2xx statuses count as failures.
func (a *Agent) callAPI(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	out, err := a.breaker.Execute(func() (any, error) {
		return a.doAPI(ctx, method, path, body)
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (a *Agent) doAPI(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	request, err := a.newAPIRequest(ctx, method, path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := a.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = response.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if response.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, response.StatusCode, strings.TrimSpace(string(data)))
	}

	return data, nil
}

func (a *Agent) newAPIRequest(ctx context.Context, method string, path string, body io.Reader) (*http.Request, error) {
	base := strings.TrimRight(strings.TrimSpace(a.cfg.ServerURL), "/")
	if base == "" {
		return nil, errors.New("server_url is empty")
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	request, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return nil, err
	}

	a.setAgentHeaders(request.Header)
	return request, nil
}

func (a *Agent) setAgentHeaders(h http.Header) {
	h.Set("Authorization", "Bearer "+a.cfg.AgentToken)
	h.Set("X-Agent-ID", a.cfg.AgentID)
	h.Set("X-Agent-Name", a.cfg.DeviceName)
	if strings.TrimSpace(a.cfg.TenantID) != "" {
		h.Set("X-Tenant-ID", a.cfg.TenantID)
	}
}

func (a *Agent) logJobResult(jobID string, err error) {
	if err != nil {
		a.logger.Warn().Err(err).Str("job_id", jobID).Msg("job failed")
		return
	}
	a.logger.Info().Str("job_id", jobID).Msg("job completed")
}
