package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/voicedesk/scheduler-relay/calendar"
	"github.com/voicedesk/scheduler-relay/types"
)

type backendCall struct {
	op     string
	userID int64
}

type fakeBackend struct {
	calls []backendCall

	available bool
	event     calendar.Event
	events    []calendar.Event
	err       error
}

func (f *fakeBackend) CheckAvailability(_ context.Context, userID int64, start, end time.Time) (calendar.Availability, error) {
	f.calls = append(f.calls, backendCall{"availability", userID})
	if f.err != nil {
		return calendar.Availability{}, f.err
	}
	return calendar.Availability{Available: f.available, Conflicts: []string{"Standup"}}, nil
}

func (f *fakeBackend) CreateEvent(_ context.Context, userID int64, summary, description string, start, end time.Time) (calendar.Event, error) {
	f.calls = append(f.calls, backendCall{"create", userID})
	if f.err != nil {
		return calendar.Event{}, f.err
	}
	ev := f.event
	ev.Summary = summary
	ev.Start = start
	ev.End = end
	return ev, nil
}

func (f *fakeBackend) RescheduleEvent(_ context.Context, userID int64, originalStart, newStart, newEnd time.Time, reason string) (calendar.Event, error) {
	f.calls = append(f.calls, backendCall{"reschedule", userID})
	if f.err != nil {
		return calendar.Event{}, f.err
	}
	ev := f.event
	ev.Start = newStart
	ev.End = newEnd
	return ev, nil
}

func (f *fakeBackend) CancelEvent(_ context.Context, userID int64, start time.Time, reason string) (calendar.Event, error) {
	f.calls = append(f.calls, backendCall{"cancel", userID})
	if f.err != nil {
		return calendar.Event{}, f.err
	}
	return f.event, nil
}

func (f *fakeBackend) EventDetails(_ context.Context, userID int64, start, end time.Time, attendee string) ([]calendar.Event, error) {
	f.calls = append(f.calls, backendCall{"details", userID})
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

var testUser = types.UserContext{UserID: 42, TimeZone: "UTC", WorkDayStarts: 9, WorkDayEnds: 17}

func TestCreateEventUsesResolvedIdentity(t *testing.T) {
	backend := &fakeBackend{event: calendar.Event{ID: "evt-1", HTMLLink: "https://cal/evt-1"}}
	d := NewDispatcher(backend)

	res := d.Dispatch(context.Background(), testUser, types.FunctionCallRequest{
		RequestID: "req-1",
		Name:      "create_calendar_event",
		Arguments: map[string]any{
			"summary":        "Checkup",
			"datetime_start": "2024-01-15T10:00:00Z",
			"datetime_end":   "2024-01-15T11:00:00Z",
		},
	})

	if res.Status != types.FunctionSuccess {
		t.Fatalf("expected success, got %s (%s)", res.Status, res.ErrorMessage)
	}
	if res.RequestID != "req-1" {
		t.Fatalf("result not correlated to request: %s", res.RequestID)
	}
	if res.Payload["event_id"] != "evt-1" {
		t.Fatalf("missing event id in payload: %v", res.Payload)
	}
	if len(backend.calls) != 1 || backend.calls[0].op != "create" || backend.calls[0].userID != 42 {
		t.Fatalf("unexpected backend calls: %+v", backend.calls)
	}
}

func TestCallerSuppliedIdentityIsNeverForwarded(t *testing.T) {
	backend := &fakeBackend{event: calendar.Event{ID: "evt-2"}}
	d := NewDispatcher(backend)

	res := d.Dispatch(context.Background(), testUser, types.FunctionCallRequest{
		RequestID: "req-2",
		Name:      "create_calendar_event",
		Arguments: map[string]any{
			"user_id":        "999",
			"calendar_id":    "someone-else",
			"summary":        "Checkup",
			"datetime_start": "2024-01-15T10:00:00Z",
			"datetime_end":   "2024-01-15T11:00:00Z",
		},
	})

	if res.Status != types.FunctionSuccess {
		t.Fatalf("expected success, got %s", res.Status)
	}
	for _, call := range backend.calls {
		if call.userID != 42 {
			t.Fatalf("backend saw identity %d, want the session's 42", call.userID)
		}
	}
}

func TestUnknownFunctionNeverContactsBackend(t *testing.T) {
	backend := &fakeBackend{}
	d := NewDispatcher(backend)

	res := d.Dispatch(context.Background(), testUser, types.FunctionCallRequest{
		RequestID: "req-3",
		Name:      "delete_everything",
	})

	if res.Status != types.FunctionFailure || res.ErrorMessage != FailUnsupportedFunction {
		t.Fatalf("expected UnsupportedFunction failure, got %+v", res)
	}
	if len(backend.calls) != 0 {
		t.Fatalf("backend was contacted for unknown function: %+v", backend.calls)
	}
}

func TestAvailabilityConflictSuggestsAlternatives(t *testing.T) {
	backend := &fakeBackend{available: false}
	d := NewDispatcher(backend)

	res := d.Dispatch(context.Background(), testUser, types.FunctionCallRequest{
		RequestID: "req-4",
		Name:      "check_calendar_availability",
		Arguments: map[string]any{
			"datetime_start": "2024-01-15T10:00:00Z",
			"datetime_end":   "2024-01-15T10:30:00Z",
		},
	})

	if res.Status != types.FunctionSuccess {
		t.Fatalf("expected success result, got %s", res.Status)
	}
	if res.Payload["available"] != false {
		t.Fatalf("expected unavailable slot: %v", res.Payload)
	}
	// Requested slot plus alternative probes, all for user 42.
	if len(backend.calls) < 2 {
		t.Fatalf("expected alternative probes, got %+v", backend.calls)
	}
}

func TestBackendFailureTaxonomy(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{calendar.ErrNotFound, FailNotFound},
		{calendar.ErrConflict, FailConflict},
		{calendar.ErrAuthExpired, FailAuthExpired},
		{calendar.ErrInvalid, FailInvalid},
	}

	for _, tc := range cases {
		d := NewDispatcher(&fakeBackend{err: tc.err})
		res := d.Dispatch(context.Background(), testUser, types.FunctionCallRequest{
			RequestID: "req-5",
			Name:      "cancel_appointment",
			Arguments: map[string]any{"datetime_start": "2024-01-15T10:00:00Z"},
		})
		if res.Status != types.FunctionFailure || res.ErrorMessage != tc.want {
			t.Errorf("error %v: expected %s, got %+v", tc.err, tc.want, res)
		}
	}
}

func TestBadDatetimeIsInvalid(t *testing.T) {
	d := NewDispatcher(&fakeBackend{})
	res := d.Dispatch(context.Background(), testUser, types.FunctionCallRequest{
		RequestID: "req-6",
		Name:      "get_appointment_details",
		Arguments: map[string]any{"datetime_start": "next tuesday", "datetime_end": "2024-01-15T11:00:00Z"},
	})
	if res.Status != types.FunctionFailure || res.ErrorMessage != FailInvalid {
		t.Fatalf("expected Invalid failure, got %+v", res)
	}
}

func TestZonelessDatetimeUsesUserTimeZone(t *testing.T) {
	backend := &fakeBackend{available: true}
	d := NewDispatcher(backend)

	uc := types.UserContext{UserID: 7, TimeZone: "America/New_York"}
	res := d.Dispatch(context.Background(), uc, types.FunctionCallRequest{
		RequestID: "req-7",
		Name:      "check_calendar_availability",
		Arguments: map[string]any{
			"datetime_start": "2024-01-15T10:00:00",
			"datetime_end":   "2024-01-15T10:30:00",
		},
	})
	if res.Status != types.FunctionSuccess {
		t.Fatalf("expected success, got %+v", res)
	}
}
