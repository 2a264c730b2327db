package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPBackend talks to the calendar service that owns per-user provider
// credentials. Provider OAuth and token refresh live behind that service,
// not here.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
}

func NewHTTPBackend(baseURL string) *HTTPBackend {
	return &HTTPBackend{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (b *HTTPBackend) CheckAvailability(ctx context.Context, userID int64, start, end time.Time) (Availability, error) {
	q := url.Values{}
	q.Set("start", start.Format(time.RFC3339))
	q.Set("end", end.Format(time.RFC3339))

	var avail Availability
	err := b.do(ctx, http.MethodGet, fmt.Sprintf("/v1/users/%d/availability?%s", userID, q.Encode()), nil, &avail)
	if err != nil {
		return Availability{}, err
	}
	return avail, nil
}

func (b *HTTPBackend) CreateEvent(ctx context.Context, userID int64, summary, description string, start, end time.Time) (Event, error) {
	body := map[string]any{
		"summary":     summary,
		"description": description,
		"start":       start.Format(time.RFC3339),
		"end":         end.Format(time.RFC3339),
	}

	var event Event
	err := b.do(ctx, http.MethodPost, fmt.Sprintf("/v1/users/%d/events", userID), body, &event)
	if err != nil {
		return Event{}, err
	}
	return event, nil
}

func (b *HTTPBackend) RescheduleEvent(ctx context.Context, userID int64, originalStart, newStart, newEnd time.Time, reason string) (Event, error) {
	body := map[string]any{
		"original_start": originalStart.Format(time.RFC3339),
		"new_start":      newStart.Format(time.RFC3339),
		"new_end":        newEnd.Format(time.RFC3339),
		"reason":         reason,
	}

	var event Event
	err := b.do(ctx, http.MethodPost, fmt.Sprintf("/v1/users/%d/events:reschedule", userID), body, &event)
	if err != nil {
		return Event{}, err
	}
	return event, nil
}

func (b *HTTPBackend) CancelEvent(ctx context.Context, userID int64, start time.Time, reason string) (Event, error) {
	body := map[string]any{
		"start":  start.Format(time.RFC3339),
		"reason": reason,
	}

	var event Event
	err := b.do(ctx, http.MethodPost, fmt.Sprintf("/v1/users/%d/events:cancel", userID), body, &event)
	if err != nil {
		return Event{}, err
	}
	return event, nil
}

func (b *HTTPBackend) EventDetails(ctx context.Context, userID int64, start, end time.Time, attendee string) ([]Event, error) {
	q := url.Values{}
	q.Set("start", start.Format(time.RFC3339))
	q.Set("end", end.Format(time.RFC3339))
	if attendee != "" {
		q.Set("attendee", attendee)
	}

	var resp struct {
		Events []Event `json:"events"`
	}
	err := b.do(ctx, http.MethodGet, fmt.Sprintf("/v1/users/%d/events?%s", userID, q.Encode()), nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("error encoding calendar request: %v", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("error building calendar request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("error calling calendar backend: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		return err
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("error decoding calendar response: %v", err)
		}
	}
	return nil
}

func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrAuthExpired
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusConflict:
		return ErrConflict
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return ErrInvalid
	default:
		return fmt.Errorf("calendar backend returned status %d", code)
	}
}
