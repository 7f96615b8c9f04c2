package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/nylta/bulk-filing/filing"
	"github.com/nylta/bulk-filing/resilience"
)

// Option configures HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.http = hc }
}

// WithTimeout bounds each call, including retries.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) { c.timeout = d }
}

// WithRetry sets the retry policy for transient failures.
func WithRetry(p resilience.Policy) Option {
	return func(c *HTTPClient) { c.retry = p }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *HTTPClient) { c.logger = l }
}

// HTTPClient is an Authorizer backed by the processor gateway's JSON API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	timeout time.Duration
	retry   resilience.Policy
	logger  *zap.Logger
}

// NewHTTPClient creates a gateway client.
func NewHTTPClient(baseURL, apiKey string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{},
		timeout: 20 * time.Second,
		retry:   resilience.DefaultPolicy(),
		logger:  zap.L(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = resilience.LogRetries(c.logger, "payment", "authorize")
	}
	return c
}

// Authorize implements Authorizer.
func (c *HTTPClient) Authorize(ctx context.Context, ch Charge) (Authorization, error) {
	if ch.IdempotencyKey == "" {
		return Authorization{}, &filing.ValidationError{Field: "idempotency_key", Reason: "required for charges"}
	}
	body, err := json.Marshal(ch)
	if err != nil {
		return Authorization{}, eris.Wrap(err, "payment: encode charge")
	}

	var auth Authorization
	err = resilience.WithTimeout(ctx, c.timeout, func(ctx context.Context) error {
		return resilience.Do(ctx, c.retry, func(ctx context.Context) error {
			var callErr error
			auth, callErr = c.postAuthorize(ctx, body, ch.IdempotencyKey)
			return callErr
		})
	})
	if err != nil {
		var declined *DeclinedError
		if errors.As(err, &declined) {
			return Authorization{}, declined
		}
		return Authorization{}, filing.External("payment", "authorize", err)
	}
	if !auth.Authorized {
		return Authorization{}, &DeclinedError{Reason: auth.DeclineReason}
	}
	if auth.TransactionID == "" {
		return Authorization{}, filing.External("payment", "authorize", fmt.Errorf("authorized without transaction id"))
	}
	return auth, nil
}

func (c *HTTPClient) postAuthorize(ctx context.Context, body []byte, key string) (Authorization, error) {
	respBody, status, err := c.post(ctx, "/v1/authorizations", body, key)
	if err != nil {
		return Authorization{}, err
	}

	var auth Authorization
	switch {
	case status == http.StatusPaymentRequired:
		_ = json.Unmarshal(respBody, &auth)
		return Authorization{}, &DeclinedError{Reason: auth.DeclineReason}
	case status >= 200 && status < 300:
		if err := json.Unmarshal(respBody, &auth); err != nil {
			return Authorization{}, eris.Wrap(err, "payment: decode authorization")
		}
		return auth, nil
	default:
		return Authorization{}, statusError(status, respBody)
	}
}

// Void implements Authorizer. Voiding an unknown transaction is not an error.
func (c *HTTPClient) Void(ctx context.Context, transactionID string) error {
	path := "/v1/authorizations/" + url.PathEscape(transactionID) + "/void"
	err := resilience.WithTimeout(ctx, c.timeout, func(ctx context.Context) error {
		return resilience.Do(ctx, c.retry, func(ctx context.Context) error {
			respBody, status, err := c.post(ctx, path, nil, "void-"+transactionID)
			if err != nil {
				return err
			}
			if status == http.StatusNotFound || (status >= 200 && status < 300) {
				return nil
			}
			return statusError(status, respBody)
		})
	})
	return filing.External("payment", "void", err)
}

// Lookup implements Authorizer. A key the gateway never saw is filing.ErrNotFound.
func (c *HTTPClient) Lookup(ctx context.Context, idempotencyKey string) (Authorization, error) {
	path := "/v1/authorizations?idempotency_key=" + url.QueryEscape(idempotencyKey)

	var auth Authorization
	err := resilience.WithTimeout(ctx, c.timeout, func(ctx context.Context) error {
		return resilience.Do(ctx, c.retry, func(ctx context.Context) error {
			respBody, status, err := c.do(ctx, http.MethodGet, path, nil, "")
			if err != nil {
				return err
			}
			switch {
			case status == http.StatusNotFound:
				return fmt.Errorf("payment: authorization for key %s: %w", idempotencyKey, filing.ErrNotFound)
			case status >= 200 && status < 300:
				if err := json.Unmarshal(respBody, &auth); err != nil {
					return eris.Wrap(err, "payment: decode authorization")
				}
				return nil
			}
			return statusError(status, respBody)
		})
	})
	if err != nil {
		if filing.IsNotFound(err) {
			return Authorization{}, err
		}
		return Authorization{}, filing.External("payment", "lookup", err)
	}
	return auth, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body []byte, key string) ([]byte, int, error) {
	return c.do(ctx, http.MethodPost, path, body, key)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, key string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, eris.Wrap(err, "payment: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, err
		}
		return nil, 0, resilience.Transient(eris.Wrap(err, "payment: request"), 0)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, resilience.Transient(eris.Wrap(err, "payment: read response"), resp.StatusCode)
	}
	return respBody, resp.StatusCode, nil
}

func statusError(status int, body []byte) error {
	err := fmt.Errorf("payment: status %d: %s", status, truncate(body, 200))
	if resilience.IsTransientHTTPStatus(status) {
		return resilience.Transient(err, status)
	}
	return err
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

var _ Authorizer = (*HTTPClient)(nil)
