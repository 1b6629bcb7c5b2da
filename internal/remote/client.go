// Package remote implements the authoritative balance collaborator over the
// backend's HTTP credit endpoints.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dontskiphq/dontskip/pkg/credit"
	"go.uber.org/zap"
)

const (
	creditsPath = "/api/v1/credits"

	defaultRequestTimeout = 5 * time.Second
)

// Config carries the connection settings for the backend.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Validate ensures the configuration contains sane values. An empty token is
// allowed: the client then reports an unauthenticated session and the ledger
// stays in local-only mode.
func (cfg *Config) Validate() error {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	if cfg.Token != "" && cfg.BaseURL == "" {
		return fmt.Errorf("remote config: token set without a base url")
	}
	return nil
}

// Client implements credit.BalanceService against the backend REST surface.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient wires a Client. The HTTP client carries the request timeout so no
// call can block the scheduler loop indefinitely.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}, nil
}

// Authenticated reports whether a session token is configured.
func (client *Client) Authenticated() bool {
	return client.token != "" && client.baseURL != ""
}

type balancePayload struct {
	AvailableCredits int64 `json:"availableCredits"`
	EmergencyCredits int64 `json:"emergencyCredits"`
	MaxDailyCredits  int64 `json:"maxDailyCredits"`
}

type spendPayload struct {
	Minutes int64  `json:"minutes"`
	Reason  string `json:"reason"`
}

type emergencyPayload struct {
	Minutes int64 `json:"minutes"`
}

// Balance fetches the authoritative minute balance.
func (client *Client) Balance(ctx context.Context) (credit.RemoteBalance, error) {
	var payload balancePayload
	if err := client.do(ctx, http.MethodGet, creditsPath, nil, &payload); err != nil {
		return credit.RemoteBalance{}, err
	}
	return credit.RemoteBalance{
		AvailableMinutes: credit.Minutes(payload.AvailableCredits),
		EmergencyMinutes: credit.Minutes(payload.EmergencyCredits),
		MaxDailyMinutes:  credit.Minutes(payload.MaxDailyCredits),
	}, nil
}

// Spend reports accumulated local consumption as one batched call.
func (client *Client) Spend(ctx context.Context, minutes credit.Minutes, reason string) error {
	body := spendPayload{Minutes: minutes.Int64(), Reason: reason}
	return client.do(ctx, http.MethodPost, creditsPath+"/spend", body, nil)
}

// GrantEmergency requests a server-side emergency grant; the backend enforces
// its own cap independent of the client's batch bookkeeping.
func (client *Client) GrantEmergency(ctx context.Context, minutes credit.Minutes) error {
	body := emergencyPayload{Minutes: minutes.Int64()}
	return client.do(ctx, http.MethodPost, creditsPath+"/emergency", body, nil)
}

// ResetAll clears the server-side account. Debug operation.
func (client *Client) ResetAll(ctx context.Context) error {
	return client.do(ctx, http.MethodDelete, creditsPath, nil, nil)
}

func (client *Client) do(ctx context.Context, method string, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Authorization", "Bearer "+client.token)

	response, err := client.httpClient.Do(request)
	if err != nil {
		client.logger.Debug("backend request failed", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("backend request: %w", err)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		client.logger.Debug("backend rejected request",
			zap.String("path", path),
			zap.Int("status", response.StatusCode))
		return fmt.Errorf("%w: %s %s returned %d", credit.ErrRemoteRejected, method, path, response.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
