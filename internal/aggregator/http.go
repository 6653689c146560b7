package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// APIError is a non-2xx response from the aggregator. The sync engine maps
// the status code onto its own error taxonomy.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("aggregator: status %d: %s", e.StatusCode, e.Message)
}

// HTTPClient talks to the aggregator's REST API.
type HTTPClient struct {
	baseURL      string
	clientSecret string
	httpClient   *http.Client
	log          zerolog.Logger
}

func NewHTTPClient(baseURL string, timeout time.Duration, log zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        log.With().Str("component", "aggregator").Logger(),
	}
}

// WithClientSecret attaches the aggregator client secret sent alongside the
// per-account credential on every request.
func (c *HTTPClient) WithClientSecret(secret string) *HTTPClient {
	c.clientSecret = secret
	return c
}

func (c *HTTPClient) GetBalances(ctx context.Context, credential string) ([]Balance, error) {
	var resp struct {
		Balances []Balance `json:"balances"`
	}
	if err := c.get(ctx, credential, "/v1/balances", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Balances, nil
}

func (c *HTTPClient) GetTransactions(ctx context.Context, credential string, start, end time.Time, accountIDs []string) ([]Transaction, error) {
	q := url.Values{}
	q.Set("start_date", start.Format(time.DateOnly))
	q.Set("end_date", end.Format(time.DateOnly))
	if len(accountIDs) > 0 {
		q.Set("account_ids", strings.Join(accountIDs, ","))
	}
	var resp struct {
		Transactions []Transaction `json:"transactions"`
	}
	if err := c.get(ctx, credential, "/v1/transactions", q, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

func (c *HTTPClient) GetItem(ctx context.Context, credential string) (ItemStatus, error) {
	var resp ItemStatus
	if err := c.get(ctx, credential, "/v1/item", nil, &resp); err != nil {
		return ItemStatus{}, err
	}
	return resp, nil
}

func (c *HTTPClient) get(ctx context.Context, credential, path string, q url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "application/json")
	if c.clientSecret != "" {
		req.Header.Set("X-Client-Secret", c.clientSecret)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		c.log.Warn().Int("status", res.StatusCode).Str("path", path).Msg("aggregator request failed")
		return &APIError{StatusCode: res.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
