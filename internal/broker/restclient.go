package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/epic1st/optionstream/backend/internal/apperr"
	"github.com/epic1st/optionstream/backend/internal/logging"
)

const (
	defaultRESTRatePerSec = 10
	defaultRESTBurst      = 5
	restMaxRetries        = 2
	restBaseBackoff       = 200 * time.Millisecond
)

// RESTClientConfig dials the upstream vendor's order/quote REST surface.
type RESTClientConfig struct {
	BaseURL     string
	APIKey      string
	AccessToken string
	RatePerSec  float64
	Burst       int
	Timeout     time.Duration
}

func (c RESTClientConfig) withDefaults() RESTClientConfig {
	if c.RatePerSec <= 0 {
		c.RatePerSec = defaultRESTRatePerSec
	}
	if c.Burst <= 0 {
		c.Burst = defaultRESTBurst
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// RESTClient is an UpstreamClient implementation over the vendor's REST
// API, rate limited per account the way
// AlejandroRuiz99-polybot/internal/adapters/polymarket/client.go rate
// limits per Polymarket endpoint class.
type RESTClient struct {
	cfg     RESTClientConfig
	http    *http.Client
	limiter *rate.Limiter
}

// NewRESTClient constructs a rate-limited REST client for one account.
func NewRESTClient(cfg RESTClientConfig) *RESTClient {
	cfg = cfg.withDefaults()
	return &RESTClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
	}
}

func (c *RESTClient) authHeader(req *http.Request) {
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s:%s", c.cfg.APIKey, c.cfg.AccessToken))
	req.Header.Set("Accept", "application/json")
}

func (c *RESTClient) do(ctx context.Context, method, path string, body any, out any) error {
	for attempt := 0; attempt <= restMaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return apperr.UpstreamTransient(err, "rate limiter wait")
		}

		var reader io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return apperr.Internal(err, "marshal request body")
			}
			reader = bytes.NewReader(b)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
		if err != nil {
			return apperr.Internal(err, "build request")
		}
		c.authHeader(req)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if attempt == restMaxRetries {
				return apperr.UpstreamTransient(err, "request failed after %d attempts", attempt+1)
			}
			c.backoff(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			if attempt == restMaxRetries {
				return apperr.RateLimit("rate limited after %d attempts", attempt+1)
			}
			logging.Warn("upstream rate limited", logging.Int("attempt", attempt+1))
			c.backoff(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == restMaxRetries {
				return apperr.New(apperr.CodeUpstreamTransient, fmt.Sprintf("server error %d after %d attempts", resp.StatusCode, attempt+1))
			}
			c.backoff(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			raw, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return apperr.UpstreamPermanent(fmt.Errorf("%s", raw), "client error %d", resp.StatusCode)
		}

		defer resp.Body.Close()
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return apperr.Internal(err, "decode response")
			}
		}
		return nil
	}
	return apperr.New(apperr.CodeUpstreamTransient, fmt.Sprintf("exhausted %d retries", restMaxRetries))
}

func (c *RESTClient) backoff(ctx context.Context, attempt int) {
	wait := restBaseBackoff << attempt
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}

func (c *RESTClient) PlaceOrder(ctx context.Context, p OrderParams) (OrderResult, error) {
	var resp map[string]any
	if err := c.do(ctx, http.MethodPost, "/orders/regular", orderBody(p), &resp); err != nil {
		return OrderResult{}, err
	}
	return OrderResult{OrderID: fmt.Sprint(resp["order_id"]), Raw: resp}, nil
}

func (c *RESTClient) ModifyOrder(ctx context.Context, p OrderParams) (OrderResult, error) {
	var resp map[string]any
	if err := c.do(ctx, http.MethodPut, "/orders/regular/"+p.OrderID, orderBody(p), &resp); err != nil {
		return OrderResult{}, err
	}
	return OrderResult{OrderID: p.OrderID, Raw: resp}, nil
}

func (c *RESTClient) CancelOrder(ctx context.Context, p OrderParams) (OrderResult, error) {
	var resp map[string]any
	if err := c.do(ctx, http.MethodDelete, "/orders/regular/"+p.OrderID, nil, &resp); err != nil {
		return OrderResult{}, err
	}
	return OrderResult{OrderID: p.OrderID, Raw: resp}, nil
}

func orderBody(p OrderParams) map[string]any {
	return map[string]any{
		"tradingsymbol":    p.TradingSymbol,
		"quantity":         p.Quantity,
		"transaction_type": p.TransactionType,
		"exchange":         p.Exchange,
		"product":          p.Product,
		"order_type":       p.OrderType,
		"price":            p.Price,
	}
}

func (c *RESTClient) GetQuote(ctx context.Context, token uint32) (Quote, error) {
	var q Quote
	err := c.do(ctx, http.MethodGet, "/quote?token="+strconv.FormatUint(uint64(token), 10), nil, &q)
	return q, err
}

func (c *RESTClient) HistoricalCandles(ctx context.Context, token uint32, from, to time.Time, interval string) ([]Candle, error) {
	path := fmt.Sprintf("/historical?token=%d&from=%d&to=%d&interval=%s",
		token, from.Unix(), to.Unix(), interval)
	var candles []Candle
	err := c.do(ctx, http.MethodGet, path, nil, &candles)
	return candles, err
}
