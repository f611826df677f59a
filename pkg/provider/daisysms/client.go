/**
 * @description
 * This package provides a provider.Gateway backed by the DaisySMS handler API.
 * DaisySMS answers every action with a plain-text sentinel, e.g. `ACCESS_NUMBER:id:phone`
 * or `NO_NUMBERS`; the confirmed rental price arrives in the `X-Price` header.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Parses provider prices.
 * - pkg/provider: The gateway contract and error taxonomy.
 */
package daisysms

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/rental-service/pkg/provider"
)

const (
	// DefaultBaseURL is the production handler endpoint.
	DefaultBaseURL = "https://daisysms.com/stubs/handler_api.php"
	// Name is stored on orders reserved through this client.
	Name = "daisysms"

	statusCancel = "8"
)

// Client is a client for the DaisySMS API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new DaisySMS API client.
func NewClient(baseURL, apiKey string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Name() string {
	return Name
}

// Reserve rents a number via the getNumber action.
func (c *Client) Reserve(ctx context.Context, criteria provider.Criteria) (*provider.Reservation, error) {
	params := url.Values{}
	params.Set("service", criteria.Service)
	if criteria.MaxPrice.IsPositive() {
		params.Set("max_price", criteria.MaxPrice.StringFixed(2))
	}
	if len(criteria.AreaCodes) > 0 {
		params.Set("areas", strings.Join(criteria.AreaCodes, ","))
	}
	if len(criteria.Carriers) > 0 {
		params.Set("carriers", strings.Join(criteria.Carriers, ","))
	}

	body, header, err := c.call(ctx, "reserve", "getNumber", params)
	if err != nil {
		return nil, err
	}

	if !strings.HasPrefix(body, "ACCESS_NUMBER:") {
		perr := classifyBody("reserve", body)
		if perr.Detail == "unrecognised response" {
			perr.Kind = provider.KindAmbiguous
		}
		return nil, perr
	}
	parts := strings.Split(body, ":")
	if len(parts) < 3 || parts[1] == "" {
		// The rental may exist even though the answer is unreadable.
		return nil, provider.NewError(provider.KindAmbiguous, "reserve", "malformed ACCESS_NUMBER response")
	}

	cost := decimal.Zero
	if raw := strings.TrimSpace(header.Get("X-Price")); raw != "" {
		parsed, parseErr := decimal.NewFromString(raw)
		if parseErr != nil {
			log.Printf("level=warn component=daisysms_client op=reserve msg=\"unparseable X-Price header\" value=%q err=%v", raw, parseErr)
		} else {
			cost = parsed
		}
	}

	return &provider.Reservation{
		ExternalID:  parts[1],
		PhoneNumber: parts[2],
		Cost:        cost,
		Currency:    "USD",
		Metadata: map[string]string{
			"service": criteria.Service,
		},
	}, nil
}

// Cancel releases the rental via setStatus=8.
func (c *Client) Cancel(ctx context.Context, externalID string) error {
	params := url.Values{}
	params.Set("id", externalID)
	params.Set("status", statusCancel)

	body, _, err := c.call(ctx, "cancel", "setStatus", params)
	if err != nil {
		return err
	}
	switch {
	case body == "ACCESS_CANCEL", body == "STATUS_CANCEL":
		return nil
	case strings.HasPrefix(body, "NO_ACTIVATION"):
		// Already garbage-collected on the provider side.
		return nil
	case strings.HasPrefix(body, "ACCESS_READY"), strings.HasPrefix(body, "ACCESS_ACTIVATION"):
		return provider.NewError(provider.KindInvalidParams, "cancel", "rental already completed")
	default:
		return classifyBody("cancel", body)
	}
}

// PollStatus reads the rental state via getStatus.
func (c *Client) PollStatus(ctx context.Context, externalID string) (*provider.Status, error) {
	params := url.Values{}
	params.Set("id", externalID)
	params.Set("text", "1")

	body, header, err := c.call(ctx, "poll_status", "getStatus", params)
	if err != nil {
		return nil, err
	}
	switch {
	case strings.HasPrefix(body, "STATUS_OK:"):
		code := strings.TrimSpace(strings.TrimPrefix(body, "STATUS_OK:"))
		if code == "" {
			return &provider.Status{State: provider.StateWaiting}, nil
		}
		return &provider.Status{State: provider.StateFulfilled, Code: code, Text: header.Get("X-Text")}, nil
	case body == "STATUS_WAIT_CODE", body == "STATUS_WAIT_RETRY":
		return &provider.Status{State: provider.StateWaiting}, nil
	case body == "STATUS_CANCEL":
		return &provider.Status{State: provider.StateCancelled}, nil
	case strings.HasPrefix(body, "NO_ACTIVATION"), strings.HasPrefix(body, "BAD_ID"):
		return &provider.Status{State: provider.StateNotFound}, nil
	default:
		return nil, classifyBody("poll_status", body)
	}
}

func (c *Client) call(ctx context.Context, op, action string, params url.Values) (string, http.Header, error) {
	params.Set("api_key", c.APIKey)
	params.Set("action", action)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", nil, provider.NewError(provider.KindInvalidParams, op, err.Error())
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", nil, provider.FromTransport(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", nil, provider.FromTransport(op, err)
	}
	body := strings.TrimSpace(string(raw))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=daisysms_client op=%s status=%d msg=\"non-2xx response\" body=%q", op, resp.StatusCode, truncate(body, 120))
		// DaisySMS puts sentinels on some error statuses too.
		if perr := classifyBody(op, body); perr.Detail != "unrecognised response" {
			return "", nil, perr
		}
		return "", nil, provider.FromHTTPStatus(op, resp.StatusCode)
	}
	return body, resp.Header, nil
}

// classifyBody maps DaisySMS error sentinels into the provider taxonomy.
func classifyBody(op, body string) *provider.Error {
	sentinel := body
	if idx := strings.Index(sentinel, ":"); idx > 0 {
		sentinel = sentinel[:idx]
	}
	switch sentinel {
	case "NO_NUMBERS", "MAX_PRICE_EXCEEDED", "NUMBER_NOT_AVAILABLE":
		return provider.NewError(provider.KindNoInventory, op, strings.ToLower(sentinel))
	case "TOO_MANY_ACTIVE_RENTALS":
		return provider.NewError(provider.KindRateLimited, op, "too many active rentals")
	case "BAD_SERVICE", "BAD_ID", "BAD_NUMBER", "INVALID_PHONE", "WRONG_MAX_PRICE", "BAD_ACTION":
		return provider.NewError(provider.KindInvalidParams, op, strings.ToLower(sentinel))
	case "BAD_KEY", "NO_MONEY":
		// Operator-side problems: the request itself is fine but cannot be served now.
		return provider.NewError(provider.KindUnavailable, op, strings.ToLower(sentinel))
	default:
		return provider.NewError(provider.KindUnavailable, op, "unrecognised response")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
