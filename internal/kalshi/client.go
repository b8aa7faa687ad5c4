/**
 * @description
 * HTTP client for the Kalshi trade API (public market data only).
 * Lists series and markets and fetches a single market for settlement.
 *
 * @dependencies
 * - net/http
 * - encoding/json
 * - backend/internal/config
 */

package kalshi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kalbot-project/backend/internal/config"
)

const (
	DefaultTimeout = 15 * time.Second
	maxSeriesPage  = 200
)

// ErrMarketNotFound is returned by GetMarket on a 404
var ErrMarketNotFound = errors.New("kalshi market not found")

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(cfg *config.Config) *Client {
	timeout := cfg.Kalshi.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL: strings.TrimRight(cfg.Kalshi.APIBase, "/"),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ListSeriesParams holds query parameters for GET /series
type ListSeriesParams struct {
	Limit  int
	Cursor string
}

// ListSeries fetches one page of series
func (c *Client) ListSeries(ctx context.Context, params ListSeriesParams) (*SeriesPage, error) {
	q := url.Values{}
	limit := params.Limit
	if limit <= 0 || limit > maxSeriesPage {
		limit = maxSeriesPage
	}
	q.Set("limit", strconv.Itoa(limit))
	if params.Cursor != "" {
		q.Set("cursor", params.Cursor)
	}

	var page SeriesPage
	if err := c.getJSON(ctx, "/series", q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// WeatherSeries pages through /series and returns up to limit distinct tickers whose
// category matches (case-insensitive) and, when prefix is set, whose ticker starts with it.
func (c *Client) WeatherSeries(ctx context.Context, category, prefix string, pageSize, limit int) ([]string, error) {
	var (
		found  []string
		seen   = map[string]bool{}
		cursor string
	)
	for len(found) < limit {
		page, err := c.ListSeries(ctx, ListSeriesParams{Limit: pageSize, Cursor: cursor})
		if err != nil {
			return found, err
		}
		if len(page.Series) == 0 {
			break
		}
		for _, s := range page.Series {
			if s.Ticker == "" || seen[s.Ticker] || !strings.EqualFold(s.Category, category) {
				continue
			}
			if prefix != "" && !strings.HasPrefix(strings.ToUpper(s.Ticker), prefix) {
				continue
			}
			seen[s.Ticker] = true
			found = append(found, s.Ticker)
			if len(found) >= limit {
				break
			}
		}
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}
	return found, nil
}

// ListMarketsParams holds query parameters for GET /markets
type ListMarketsParams struct {
	SeriesTicker string
	Status       string // "open", "closed", "settled"
	Limit        int
	Cursor       string
}

// ListMarkets fetches one page of markets
func (c *Client) ListMarkets(ctx context.Context, params ListMarketsParams) (*MarketsPage, error) {
	q := url.Values{}
	if params.SeriesTicker != "" {
		q.Set("series_ticker", params.SeriesTicker)
	}
	if params.Status != "" {
		q.Set("status", params.Status)
	}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Cursor != "" {
		q.Set("cursor", params.Cursor)
	}

	var page MarketsPage
	if err := c.getJSON(ctx, "/markets", q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetMarket fetches a single market by ticker
func (c *Client) GetMarket(ctx context.Context, ticker string) (*Market, error) {
	var env marketEnvelope
	if err := c.getJSON(ctx, "/markets/"+url.PathEscape(ticker), nil, &env); err != nil {
		return nil, err
	}
	return &env.Market, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out interface{}) error {
	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrMarketNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("kalshi api error: %s status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("kalshi api decode %s: %w", path, err)
	}
	return nil
}
