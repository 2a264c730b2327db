package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/voicedesk/scheduler-relay/calendar"
	"github.com/voicedesk/scheduler-relay/types"
)

// Stable failure taxonomy returned in FunctionCallResult.ErrorMessage.
const (
	FailUnsupportedFunction = "UnsupportedFunction"
	FailNotFound            = "NotFound"
	FailConflict            = "Conflict"
	FailAuthExpired         = "AuthExpired"
	FailInvalid             = "Invalid"
	FailBackendUnavailable  = "BackendUnavailable"
)

// Argument keys that look like a caller-supplied identity. They are never
// read: the calendar call always uses the session's resolved user id, so a
// compromised agent response cannot operate on another user's calendar.
var identityArgKeys = []string{"user_id", "userid", "user", "account_sid", "calendar_id"}

// Dispatcher executes named function-call requests against the calendar
// backend. It validates names against a fixed set, injects the session's
// user identity, and maps backend failures to the stable taxonomy. It never
// retries; retry policy belongs to the agent's conversational layer.
type Dispatcher struct {
	backend calendar.Backend
}

func NewDispatcher(backend calendar.Backend) *Dispatcher {
	return &Dispatcher{backend: backend}
}

func (d *Dispatcher) Dispatch(ctx context.Context, uc types.UserContext, req types.FunctionCallRequest) types.FunctionCallResult {
	for _, key := range identityArgKeys {
		if _, present := req.Arguments[key]; present {
			log.Printf("[DISPATCH] Ignoring identity argument %q in %s (request %s)", key, req.Name, req.RequestID)
		}
	}

	var (
		payload map[string]any
		err     error
	)
	switch req.Name {
	case "check_calendar_availability":
		payload, err = d.checkAvailability(ctx, uc, req)
	case "create_calendar_event":
		payload, err = d.createEvent(ctx, uc, req)
	case "reschedule_appointment":
		payload, err = d.rescheduleAppointment(ctx, uc, req)
	case "cancel_appointment":
		payload, err = d.cancelAppointment(ctx, uc, req)
	case "get_appointment_details":
		payload, err = d.appointmentDetails(ctx, uc, req)
	default:
		log.Printf("[DISPATCH] Unsupported function %q (request %s)", req.Name, req.RequestID)
		return types.FailureResult(req, FailUnsupportedFunction)
	}

	if err != nil {
		reason := failureReason(err)
		log.Printf("[DISPATCH] %s failed for user %d (request %s): %s: %v", req.Name, uc.UserID, req.RequestID, reason, err)
		return types.FailureResult(req, reason)
	}

	log.Printf("[DISPATCH] %s succeeded for user %d (request %s)", req.Name, uc.UserID, req.RequestID)
	return types.SuccessResult(req, payload)
}

func (d *Dispatcher) checkAvailability(ctx context.Context, uc types.UserContext, req types.FunctionCallRequest) (map[string]any, error) {
	start, err := timeArg(req.Arguments, "datetime_start", uc)
	if err != nil {
		return nil, err
	}
	end, err := timeArg(req.Arguments, "datetime_end", uc)
	if err != nil {
		return nil, err
	}

	avail, err := d.backend.CheckAvailability(ctx, uc.UserID, start, end)
	if err != nil {
		return nil, err
	}

	if avail.Available {
		return map[string]any{
			"available": true,
			"message":   "Time slot is available",
		}, nil
	}

	return map[string]any{
		"available":              false,
		"message":                "Time slot is not available",
		"conflicting_events":     avail.Conflicts,
		"suggested_alternatives": d.suggestAlternatives(ctx, uc.UserID, start, end),
	}, nil
}

func (d *Dispatcher) createEvent(ctx context.Context, uc types.UserContext, req types.FunctionCallRequest) (map[string]any, error) {
	summary := stringArg(req.Arguments, "summary")
	if summary == "" {
		summary = "Appointment"
	}
	description := stringArg(req.Arguments, "description")
	if description == "" {
		description = "Appointment: " + summary
	}
	start, err := timeArg(req.Arguments, "datetime_start", uc)
	if err != nil {
		return nil, err
	}
	end, err := timeArg(req.Arguments, "datetime_end", uc)
	if err != nil {
		return nil, err
	}

	event, err := d.backend.CreateEvent(ctx, uc.UserID, summary, description, start, end)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"event_id":   event.ID,
		"summary":    event.Summary,
		"start_time": event.Start.Format(time.RFC3339),
		"end_time":   event.End.Format(time.RFC3339),
		"html_link":  event.HTMLLink,
		"message":    "Appointment successfully created",
	}, nil
}

func (d *Dispatcher) rescheduleAppointment(ctx context.Context, uc types.UserContext, req types.FunctionCallRequest) (map[string]any, error) {
	original, err := timeArg(req.Arguments, "original_datetime", uc)
	if err != nil {
		return nil, err
	}
	newStart, err := timeArg(req.Arguments, "new_datetime_start", uc)
	if err != nil {
		return nil, err
	}
	newEnd, err := timeArg(req.Arguments, "new_datetime_end", uc)
	if err != nil {
		return nil, err
	}

	event, err := d.backend.RescheduleEvent(ctx, uc.UserID, original, newStart, newEnd, stringArg(req.Arguments, "reason"))
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"event_id":      event.ID,
		"original_time": original.Format(time.RFC3339),
		"new_time":      event.Start.Format(time.RFC3339),
		"message":       "Appointment successfully rescheduled",
	}, nil
}

func (d *Dispatcher) cancelAppointment(ctx context.Context, uc types.UserContext, req types.FunctionCallRequest) (map[string]any, error) {
	start, err := timeArg(req.Arguments, "datetime_start", uc)
	if err != nil {
		return nil, err
	}

	event, err := d.backend.CancelEvent(ctx, uc.UserID, start, stringArg(req.Arguments, "reason"))
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"cancelled_appointment": event.Summary,
		"original_time":         event.Start.Format(time.RFC3339),
		"message":               fmt.Sprintf("Appointment %q has been cancelled", event.Summary),
	}
	if reason := stringArg(req.Arguments, "reason"); reason != "" {
		payload["cancellation_reason"] = reason
	}
	return payload, nil
}

func (d *Dispatcher) appointmentDetails(ctx context.Context, uc types.UserContext, req types.FunctionCallRequest) (map[string]any, error) {
	start, err := timeArg(req.Arguments, "datetime_start", uc)
	if err != nil {
		return nil, err
	}
	end, err := timeArg(req.Arguments, "datetime_end", uc)
	if err != nil {
		return nil, err
	}

	events, err := d.backend.EventDetails(ctx, uc.UserID, start, end, stringArg(req.Arguments, "attendee"))
	if err != nil {
		return nil, err
	}

	appointments := make([]map[string]any, 0, len(events))
	for _, event := range events {
		appointments = append(appointments, map[string]any{
			"id":         event.ID,
			"summary":    event.Summary,
			"start_time": event.Start.Format(time.RFC3339),
			"end_time":   event.End.Format(time.RFC3339),
			"status":     event.Status,
		})
	}

	return map[string]any{
		"appointments": appointments,
		"count":        len(appointments),
	}, nil
}

// suggestAlternatives probes nearby slots when the requested time is taken:
// same day at +1/+2/+3/-1/-2 hours, then the same slot next day, capped at
// three suggestions. Probe errors skip the slot rather than fail the call.
func (d *Dispatcher) suggestAlternatives(ctx context.Context, userID int64, start, end time.Time) []map[string]any {
	const maxAlternatives = 3
	duration := end.Sub(start)
	alternatives := []map[string]any{}

	offsets := []time.Duration{time.Hour, 2 * time.Hour, 3 * time.Hour, -time.Hour, -2 * time.Hour}
	for _, offset := range offsets {
		altStart := start.Add(offset)
		avail, err := d.backend.CheckAvailability(ctx, userID, altStart, altStart.Add(duration))
		if err != nil || !avail.Available {
			continue
		}
		alternatives = append(alternatives, map[string]any{
			"start": altStart.Format(time.RFC3339),
			"end":   altStart.Add(duration).Format(time.RFC3339),
		})
		if len(alternatives) >= maxAlternatives {
			return alternatives
		}
	}

	nextDay := start.Add(24 * time.Hour)
	if avail, err := d.backend.CheckAvailability(ctx, userID, nextDay, nextDay.Add(duration)); err == nil && avail.Available {
		alternatives = append(alternatives, map[string]any{
			"start": nextDay.Format(time.RFC3339),
			"end":   nextDay.Add(duration).Format(time.RFC3339),
		})
	}
	return alternatives
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, calendar.ErrNotFound):
		return FailNotFound
	case errors.Is(err, calendar.ErrConflict):
		return FailConflict
	case errors.Is(err, calendar.ErrAuthExpired):
		return FailAuthExpired
	case errors.Is(err, calendar.ErrInvalid), errors.Is(err, errBadArgument):
		return FailInvalid
	default:
		return FailBackendUnavailable
	}
}

var errBadArgument = errors.New("bad argument")

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func timeArg(args map[string]any, key string, uc types.UserContext) (time.Time, error) {
	raw := stringArg(args, key)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: missing %s", errBadArgument, key)
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	// No zone offset: interpret in the user's time zone.
	loc, err := time.LoadLocation(uc.TimeZone)
	if err != nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05", raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s %q", errBadArgument, key, raw)
	}
	return t, nil
}
