package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const spendSummaryPath = "/v1/spend/summary"

// ClientOptions parameterise the billing feed client.
type ClientOptions struct {
	BaseURL         string
	ProjectID       string
	TopContributors int
	Timeout         time.Duration
	UserAgent       string
}

// Client fetches spend summaries over HTTP.
type Client struct {
	opts    ClientOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewClient constructs a billing feed client.
func NewClient(opts ClientOptions, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if opts.TopContributors <= 0 {
		opts.TopContributors = 5
	}

	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "billing_client").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// FetchSpend retrieves the current spend summary for the configured project.
func (c *Client) FetchSpend(ctx context.Context) (Summary, error) {
	if c.baseURL == "" {
		return Summary{}, errors.New("billing base URL required")
	}
	if c.opts.ProjectID == "" {
		return Summary{}, errors.New("billing project ID required")
	}

	query := url.Values{}
	query.Set("project", c.opts.ProjectID)
	query.Set("top", strconv.Itoa(c.opts.TopContributors))
	endpoint := c.baseURL + spendSummaryPath + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Summary{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Summary{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Summary{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return Summary{}, parseHTTPError(resp.StatusCode, payload)
	}

	var summary Summary
	if err := json.Unmarshal(payload, &summary); err != nil {
		return Summary{}, fmt.Errorf("decode spend summary: %w", err)
	}

	if summary.LatestPeriod.IsNegative() || summary.MonthToDate.IsNegative() {
		return Summary{}, errors.New("billing feed returned negative spend")
	}
	if summary.PeriodTS.IsZero() {
		summary.PeriodTS = time.Now().UTC()
	}

	c.logger.Debug().
		Str("project", c.opts.ProjectID).
		Str("month_to_date", summary.MonthToDate.String()).
		Int("contributors", len(summary.Contributors)).
		Msg("spend summary fetched")

	return summary, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("billing api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("billing api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("billing api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("billing api error (%d)", status)
}

var _ Source = (*Client)(nil)
