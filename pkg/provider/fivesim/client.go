/**
 * @description
 * This package provides a provider.Gateway backed by the 5sim v1 user API. 5sim answers
 * with a JSON order document whose `status` field drives the state mapping, and with
 * short plain-text messages (e.g. "no free phones") on 4xx responses.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Order prices.
 * - pkg/provider: The gateway contract and error taxonomy.
 */
package fivesim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/rental-service/pkg/provider"
)

const (
	DefaultBaseURL = "https://5sim.net/v1"
	Name           = "fivesim"
)

// Client is a client for the 5sim API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new 5sim API client.
func NewClient(baseURL, apiKey string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SMS is one message received for an order.
type SMS struct {
	CreatedAt string `json:"created_at"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Code      string `json:"code"`
}

// Order is the order document returned by buy, check and cancel.
type Order struct {
	ID        int64           `json:"id"`
	Phone     string          `json:"phone"`
	Operator  string          `json:"operator"`
	Product   string          `json:"product"`
	Price     decimal.Decimal `json:"price"`
	Status    string          `json:"status"`
	Expires   time.Time       `json:"expires"`
	SMS       []SMS           `json:"sms"`
	CreatedAt time.Time       `json:"created_at"`
	Country   string          `json:"country"`
}

func (c *Client) Name() string {
	return Name
}

// Reserve buys an activation number.
func (c *Client) Reserve(ctx context.Context, criteria provider.Criteria) (*provider.Reservation, error) {
	country := orAny(criteria.Country)
	operator := orAny(criteria.Operator)
	path := fmt.Sprintf("/user/buy/activation/%s/%s/%s", url.PathEscape(country), url.PathEscape(operator), url.PathEscape(criteria.Service))

	query := url.Values{}
	if criteria.MaxPrice.IsPositive() {
		query.Set("maxPrice", criteria.MaxPrice.StringFixed(2))
	}

	var order Order
	if err := c.call(ctx, "reserve", path, query, &order); err != nil {
		return nil, err
	}
	if order.ID == 0 {
		return nil, provider.NewError(provider.KindAmbiguous, "reserve", "order id missing from response")
	}

	return &provider.Reservation{
		ExternalID:  strconv.FormatInt(order.ID, 10),
		PhoneNumber: order.Phone,
		Cost:        order.Price,
		Currency:    "USD",
		ExpiresAt:   order.Expires,
		Metadata: map[string]string{
			"country":  order.Country,
			"operator": order.Operator,
			"product":  order.Product,
		},
	}, nil
}

// Cancel cancels an order. Orders already cancelled, timed out or unknown count as cancelled.
func (c *Client) Cancel(ctx context.Context, externalID string) error {
	var order Order
	err := c.call(ctx, "cancel", "/user/cancel/"+url.PathEscape(externalID), nil, &order)
	if err != nil {
		if isGoneMessage(err) {
			return nil
		}
		return err
	}
	switch strings.ToUpper(order.Status) {
	case "CANCELED", "TIMEOUT", "BANNED":
		return nil
	case "FINISHED", "RECEIVED":
		return provider.NewError(provider.KindInvalidParams, "cancel", "order already received a code")
	default:
		return provider.NewError(provider.KindAmbiguous, "cancel", "order not cancelled")
	}
}

// PollStatus checks an order.
func (c *Client) PollStatus(ctx context.Context, externalID string) (*provider.Status, error) {
	var order Order
	err := c.call(ctx, "poll_status", "/user/check/"+url.PathEscape(externalID), nil, &order)
	if err != nil {
		if isGoneMessage(err) {
			return &provider.Status{State: provider.StateNotFound}, nil
		}
		return nil, err
	}
	return statusOf(order), nil
}

func statusOf(order Order) *provider.Status {
	latest := latestCode(order.SMS)
	switch strings.ToUpper(order.Status) {
	case "PENDING":
		return &provider.Status{State: provider.StateWaiting}
	case "RECEIVED", "FINISHED":
		if latest == nil {
			return &provider.Status{State: provider.StateWaiting}
		}
		return &provider.Status{State: provider.StateFulfilled, Code: latest.Code, Text: latest.Text}
	case "CANCELED", "BANNED":
		return &provider.Status{State: provider.StateCancelled}
	case "TIMEOUT":
		if latest != nil {
			return &provider.Status{State: provider.StateFulfilled, Code: latest.Code, Text: latest.Text}
		}
		return &provider.Status{State: provider.StateExpired}
	default:
		return &provider.Status{State: provider.StateWaiting}
	}
}

func latestCode(messages []SMS) *SMS {
	for i := len(messages) - 1; i >= 0; i-- {
		if strings.TrimSpace(messages[i].Code) != "" {
			return &messages[i]
		}
	}
	return nil
}

func (c *Client) call(ctx context.Context, op, path string, query url.Values, out interface{}) error {
	endpoint := c.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return provider.NewError(provider.KindInvalidParams, op, err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return provider.FromTransport(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 256<<10))
	if err != nil {
		return provider.FromTransport(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := strings.ToLower(strings.TrimSpace(string(raw)))
		log.Printf("level=warn component=fivesim_client op=%s status=%d msg=\"non-2xx response\" body=%q", op, resp.StatusCode, message)
		return classifyMessage(op, resp.StatusCode, message)
	}

	// 5sim reports some failures as a plain-text 200.
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "{") {
		perr := classifyMessage(op, resp.StatusCode, strings.ToLower(trimmed))
		if op == "reserve" && perr.Kind == provider.KindUnavailable {
			perr.Kind = provider.KindAmbiguous
		}
		return perr
	}
	if err := json.Unmarshal(raw, out); err != nil {
		kind := provider.KindUnavailable
		if op == "reserve" {
			kind = provider.KindAmbiguous
		}
		return &provider.Error{Kind: kind, Op: op, Detail: "decode response", Err: err}
	}
	return nil
}

// Detail values used for messages meaning the order no longer exists.
const detailGone = "order gone"

func classifyMessage(op string, status int, message string) *provider.Error {
	switch {
	case strings.Contains(message, "no free phones"), strings.Contains(message, "no product"),
		strings.Contains(message, "not enough rating"):
		return provider.NewError(provider.KindNoInventory, op, "no numbers available")
	case strings.Contains(message, "order not found"), strings.Contains(message, "order expired"),
		strings.Contains(message, "record not found"), status == http.StatusNotFound && op != "reserve":
		return provider.NewError(provider.KindInvalidParams, op, detailGone)
	case strings.Contains(message, "bad country"), strings.Contains(message, "bad operator"),
		strings.Contains(message, "select operator"), strings.Contains(message, "order has sms"),
		strings.Contains(message, "hosting order"):
		return provider.NewError(provider.KindInvalidParams, op, "request rejected")
	case strings.Contains(message, "not enough user balance"), strings.Contains(message, "server offline"):
		return provider.NewError(provider.KindUnavailable, op, "provider cannot serve request")
	case strings.Contains(message, "rate limit"), strings.Contains(message, "too many"):
		return provider.NewError(provider.KindRateLimited, op, "rate limited")
	}
	if status >= 200 && status < 300 {
		return provider.NewError(provider.KindUnavailable, op, "unrecognised response")
	}
	return provider.FromHTTPStatus(op, status)
}

func isGoneMessage(err error) bool {
	var perr *provider.Error
	return errors.As(err, &perr) && perr.Detail == detailGone
}

func orAny(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "any"
	}
	return value
}
