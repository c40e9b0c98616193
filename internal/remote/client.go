// Package remote defines the contract with the BrewPass backend service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tapcrew/brewpass/core/internal/logging"
	"github.com/tapcrew/brewpass/core/internal/models"
)

// ClientConfig holds HTTP client configuration.
type ClientConfig struct {
	BaseURL       string
	SessionToken  string
	Timeout       time.Duration // per-request timeout (default: 15s)
	FetchAttempts int           // transport-level attempts for collection GETs (default: 3)
	FetchDelay    time.Duration // delay between transport attempts (default: 500ms)
}

// DefaultClientConfig returns default client configuration.
func DefaultClientConfig(baseURL string) *ClientConfig {
	return &ClientConfig{
		BaseURL:       baseURL,
		Timeout:       15 * time.Second,
		FetchAttempts: 3,
		FetchDelay:    500 * time.Millisecond,
	}
}

// Client implements Service over the BrewPass HTTP API. Outbound calls go
// through a circuit breaker so a flapping backend fails fast instead of
// stacking up 15-second timeouts on a phone connection.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewClient creates a new Client.
func NewClient(config *ClientConfig) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.FetchAttempts <= 0 {
		config.FetchAttempts = 3
	}
	if config.FetchDelay <= 0 {
		config.FetchDelay = 500 * time.Millisecond
	}

	settings := gobreaker.Settings{
		Name:        "brewpass-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("Circuit breaker state changed",
				map[string]interface{}{"name": name, "from": from.String(), "to": to.String()})
		},
		IsSuccessful: func(err error) bool {
			// Only connectivity-class failures should trip the breaker; a
			// rejected payload means the server is reachable and healthy.
			if err == nil {
				return true
			}
			return KindOf(err) != KindNetwork && KindOf(err) != KindServer
		},
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// actionResponse is the wire shape of the action endpoints.
type actionResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Execute performs a queued user action against the remote service. It is
// never retried at the transport level: the action endpoints are writes, and
// per the upstream quirk even a malformed 2xx response may mean the write
// landed (see IsPresumedSuccess).
func (c *Client) Execute(ctx context.Context, opType models.OperationType, payload json.RawMessage) error {
	path, err := actionPath(opType)
	if err != nil {
		return err
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, c.doExecute(ctx, path, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &Error{Kind: KindNetwork, Message: "circuit breaker open", Err: err}
	}
	return err
}

func (c *Client) doExecute(ctx context.Context, path string, payload json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &Error{Kind: KindValidation, Message: "failed to build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.SessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.SessionToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: KindNetwork, Message: "action request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: KindNetwork, HTTPStatus: resp.StatusCode, Message: "failed to read response", Err: err}
	}

	switch {
	case resp.StatusCode >= 500:
		return &Error{Kind: KindServer, HTTPStatus: resp.StatusCode,
			Message: fmt.Sprintf("server error: %s", truncate(body))}
	case resp.StatusCode >= 400:
		return &Error{Kind: KindValidation, HTTPStatus: resp.StatusCode,
			Message: fmt.Sprintf("payload rejected: %s", truncate(body))}
	}

	var ar actionResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		// 2xx with an unparseable body: the known upstream quirk. Return a
		// parse error carrying the status so callers can classify it via
		// IsPresumedSuccess.
		return &Error{Kind: KindParse, HTTPStatus: resp.StatusCode, Message: "malformed action response", Err: err}
	}

	if !ar.Success {
		return &Error{Kind: KindServer, HTTPStatus: resp.StatusCode,
			Message: fmt.Sprintf("action rejected: %s", ar.Error)}
	}

	return nil
}

// FetchCollection fetches one remote collection. GETs are idempotent, so
// network-class failures are retried at the transport level up to the
// configured attempt budget, independent of the queue-level retry ceiling.
func (c *Client) FetchCollection(ctx context.Context, kind Collection) (*Snapshot, error) {
	var lastErr error
	for attempt := 0; attempt < c.config.FetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &Error{Kind: KindNetwork, Message: "fetch cancelled", Err: ctx.Err()}
			case <-time.After(c.config.FetchDelay):
			}
		}

		res, err := c.breaker.Execute(func() (interface{}, error) {
			return c.doFetch(ctx, kind)
		})
		if err == nil {
			return res.(*Snapshot), nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &Error{Kind: KindNetwork, Message: "circuit breaker open", Err: err}
		}
		lastErr = err
		if KindOf(err) != KindNetwork {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) doFetch(ctx context.Context, kind Collection) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/v1/"+string(kind), nil)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Message: "failed to build request", Err: err}
	}
	if c.config.SessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.SessionToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Message: fmt.Sprintf("%s fetch failed", kind), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, HTTPStatus: resp.StatusCode, Message: "failed to read response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		kindErr := KindServer
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			kindErr = KindValidation
		}
		return nil, &Error{Kind: kindErr, HTTPStatus: resp.StatusCode,
			Message: fmt.Sprintf("%s fetch returned status %d", kind, resp.StatusCode)}
	}

	snap := &Snapshot{Kind: kind, Raw: body}
	switch kind {
	case CollectionCatalog:
		err = json.Unmarshal(body, &snap.Beers)
	case CollectionTastings:
		err = json.Unmarshal(body, &snap.Tastings)
	case CollectionRewards:
		err = json.Unmarshal(body, &snap.Rewards)
	default:
		return nil, &Error{Kind: KindValidation, Message: fmt.Sprintf("unknown collection %q", kind)}
	}
	if err != nil {
		// No presumed-success exception here: fetches are reads, a malformed
		// body is a real failure.
		return nil, &Error{Kind: KindParse, HTTPStatus: resp.StatusCode,
			Message: fmt.Sprintf("malformed %s response", kind), Err: err}
	}

	return snap, nil
}

func actionPath(opType models.OperationType) (string, error) {
	switch opType {
	case models.OperationCheckInBeer:
		return "/v1/checkins", nil
	case models.OperationRedeemReward:
		return "/v1/rewards/redeem", nil
	}
	return "", &Error{Kind: KindValidation, Message: fmt.Sprintf("unknown operation type %q", opType)}
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
