// Package agent implements the per-node protocol participant: the
// registration handshake, the heartbeat loop, and concurrent subtask
// execution.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/flotillahq/flotilla/internal/models"
)

// Errors returned by the coordinator client. Registration failures are fatal
// to agent startup; heartbeat timeouts are not.
var (
	ErrRegistrationTimeout  = errors.New("registration timed out")
	ErrRegistrationRejected = errors.New("registration rejected")
	ErrHeartbeatTimeout     = errors.New("heartbeat timed out")
)

// Client is the agent's HTTP client for the coordinator's request/reply
// channels.
type Client struct {
	baseURL          string
	registerTimeout  time.Duration
	heartbeatTimeout time.Duration
	httpClient       *http.Client
}

// NewClient creates a coordinator client.
func NewClient(baseURL string, registerTimeout, heartbeatTimeout time.Duration) *Client {
	return &Client{
		baseURL:          baseURL,
		registerTimeout:  registerTimeout,
		heartbeatTimeout: heartbeatTimeout,
		httpClient:       &http.Client{},
	}
}

// Register performs the registration handshake. It blocks up to the
// registration timeout; a timeout or an explicit rejection means the agent
// must not proceed.
func (c *Client) Register(ctx context.Context, req *models.RegisterRequest) (*models.RegisterResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.registerTimeout)
	defer cancel()

	var resp models.RegisterResponse
	if err := c.post(ctx, "/nodes/register", req, &resp); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrRegistrationTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrRegistrationRejected, err)
	}
	if resp.Status != "registered" {
		return nil, fmt.Errorf("%w: %s", ErrRegistrationRejected, resp.Message)
	}
	return &resp, nil
}

// Heartbeat sends one liveness refresh. It blocks up to the heartbeat
// timeout; callers treat a timeout as non-fatal.
func (c *Client) Heartbeat(ctx context.Context, nodeID string) (*models.HeartbeatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.heartbeatTimeout)
	defer cancel()

	req := &models.HeartbeatRequest{NodeID: nodeID, Timestamp: time.Now().Unix()}
	var resp models.HeartbeatResponse
	if err := c.post(ctx, "/nodes/heartbeat", req, &resp); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrHeartbeatTimeout
		}
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Message string `json:"message"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Message != "" {
			return fmt.Errorf("coordinator returned %d: %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("coordinator returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
