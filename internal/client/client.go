// Package client talks to the dispatch service HTTP API. Error responses are
// decoded into *APIError values that unwrap to the store's sentinel errors,
// so callers classify remote failures exactly like local ones.
package client

import (
	"bytes"
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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

var ErrRateLimited = errors.New("rate limited")

type APIError struct {
	StatusCode int
	RequestID  string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case "counter_inactive":
		return store.ErrCounterInactive
	case "counter_not_found":
		return store.ErrCounterNotFound
	case "ticket_not_found":
		return store.ErrTicketNotFound
	case "state_conflict":
		return store.ErrStateConflict
	case "history_corrupted":
		return store.ErrEventChainBroken
	case "rate_limited":
		return ErrRateLimited
	default:
		return nil
	}
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type claimResponse struct {
	Outcome string         `json:"outcome"`
	Ticket  *models.Ticket `json:"ticket"`
}

type errorBody struct {
	RequestID string `json:"request_id"`
	Error     struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) Issue(ctx context.Context, requestID string) (models.Ticket, error) {
	var ticket models.Ticket
	err := c.do(ctx, http.MethodPost, "/api/queues", nil, map[string]string{"request_id": requestID}, &ticket)
	return ticket, err
}

// ClaimNext returns store.ErrNoWaitingTicket when the pool is empty.
func (c *Client) ClaimNext(ctx context.Context, counterID, requestID string) (models.Ticket, error) {
	body := map[string]string{"counter_id": counterID}
	if requestID != "" {
		body["request_id"] = requestID
	}
	var resp claimResponse
	if err := c.do(ctx, http.MethodPost, "/api/queues/next", nil, body, &resp); err != nil {
		return models.Ticket{}, err
	}
	if resp.Outcome == "empty" || resp.Ticket == nil {
		return models.Ticket{}, store.ErrNoWaitingTicket
	}
	return *resp.Ticket, nil
}

func (c *Client) Skip(ctx context.Context, counterID string, queueNumber int64) (models.Ticket, error) {
	return c.ticketAction(ctx, "/api/queues/skip", counterID, queueNumber)
}

func (c *Client) Release(ctx context.Context, counterID string, queueNumber int64) (models.Ticket, error) {
	return c.ticketAction(ctx, "/api/queues/release", counterID, queueNumber)
}

func (c *Client) Serve(ctx context.Context, counterID string, queueNumber int64) (models.Ticket, error) {
	return c.ticketAction(ctx, "/api/queues/serve", counterID, queueNumber)
}

func (c *Client) ticketAction(ctx context.Context, path, counterID string, queueNumber int64) (models.Ticket, error) {
	body := map[string]interface{}{"counter_id": counterID, "queue_number": queueNumber}
	var ticket models.Ticket
	err := c.do(ctx, http.MethodPost, path, nil, body, &ticket)
	return ticket, err
}

func (c *Client) CurrentQueues(ctx context.Context) ([]models.CurrentQueue, error) {
	var queues []models.CurrentQueue
	err := c.do(ctx, http.MethodGet, "/api/queues/current", nil, nil, &queues)
	return queues, err
}

func (c *Client) RecentTickets(ctx context.Context) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := c.do(ctx, http.MethodGet, "/api/queues", nil, nil, &tickets)
	return tickets, err
}

// Lookup returns an empty slice, not an error, when nothing matches.
func (c *Client) Lookup(ctx context.Context, query string) ([]models.Ticket, error) {
	var resp struct {
		Tickets []models.Ticket `json:"tickets"`
	}
	err := c.do(ctx, http.MethodGet, "/api/queues/lookup", url.Values{"q": {query}}, nil, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound && apiErr.Code == "not_found" {
		return []models.Ticket{}, nil
	}
	return resp.Tickets, err
}

func (c *Client) Metrics(ctx context.Context) (models.QueueMetrics, error) {
	var metrics models.QueueMetrics
	err := c.do(ctx, http.MethodGet, "/api/queues/metrics", nil, nil, &metrics)
	return metrics, err
}

func (c *Client) Counters(ctx context.Context, activeOnly bool) ([]models.Counter, error) {
	query := url.Values{}
	if activeOnly {
		query.Set("active", strconv.FormatBool(true))
	}
	var counters []models.Counter
	err := c.do(ctx, http.MethodGet, "/api/counters", query, nil, &counters)
	return counters, err
}

func (c *Client) TicketHistory(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	var events []store.TicketEvent
	err := c.do(ctx, http.MethodGet, "/api/tickets/"+url.PathEscape(ticketID)+"/events", nil, nil, &events)
	return events, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, requestBody, dest interface{}) error {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("client: encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return fmt.Errorf("client: create request: %w", err)
	}
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("client: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, RequestID: resp.Header.Get("X-Request-ID")}
		var body errorBody
		if jsonErr := json.Unmarshal(raw, &body); jsonErr == nil && body.Error.Code != "" {
			apiErr.Code = body.Error.Code
			apiErr.Message = body.Error.Message
			if body.RequestID != "" {
				apiErr.RequestID = body.RequestID
			}
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if dest == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("client: decode %s response: %w", path, err)
	}
	return nil
}
