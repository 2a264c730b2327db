package agent

import (
	"fmt"
	"time"

	"github.com/voicedesk/scheduler-relay/audio"
	"github.com/voicedesk/scheduler-relay/types"
)

// settingsMessage is the first frame sent after connecting: audio formats,
// model selection, the scheduling prompt with the caller's date context, and
// the calendar function schemas.
func settingsMessage(cfg Config, uc types.UserContext, now time.Time) map[string]any {
	return map[string]any{
		"type": "Settings",
		"audio": map[string]any{
			"input": map[string]any{
				"encoding":    "mulaw",
				"sample_rate": audio.SampleRate,
			},
			"output": map[string]any{
				"encoding":    "mulaw",
				"sample_rate": audio.SampleRate,
				"container":   "none",
			},
		},
		"agent": map[string]any{
			"listen": map[string]any{
				"provider": map[string]any{"type": "deepgram", "model": cfg.ListenModel},
			},
			"think": map[string]any{
				"provider":  map[string]any{"type": "open_ai", "model": cfg.ThinkModel},
				"prompt":    cfg.Prompt + "\n\n" + dateContext(uc, now),
				"functions": functionSchemas(),
			},
			"speak": map[string]any{
				"provider": map[string]any{"type": "deepgram", "model": cfg.Voice},
			},
			"greeting": cfg.Greeting,
		},
	}
}

// dateContext anchors relative dates ("tomorrow", "next Monday") in the
// caller's time zone so the backend emits correct absolute datetimes.
func dateContext(uc types.UserContext, now time.Time) string {
	loc, err := time.LoadLocation(uc.TimeZone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)

	daysUntilMonday := (8 - int(local.Weekday())) % 7
	if daysUntilMonday == 0 {
		daysUntilMonday = 7
	}

	return fmt.Sprintf(`Current date and time context:
- Now: %s (%s)
- Today: %s
- Tomorrow: %s
- Next Monday: %s
- Working hours: %02d:00-%02d:00 %s
Resolve every relative date against this context and always produce RFC 3339 datetimes.`,
		local.Format("2006-01-02 15:04"), uc.TimeZone,
		local.Format("Monday, January 2, 2006"),
		local.AddDate(0, 0, 1).Format("2006-01-02"),
		local.AddDate(0, 0, daysUntilMonday).Format("2006-01-02"),
		uc.WorkDayStarts, uc.WorkDayEnds, uc.TimeZone)
}

func functionSchemas() []map[string]any {
	datetime := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc + " (RFC 3339)"}
	}

	return []map[string]any{
		{
			"name":        "check_calendar_availability",
			"description": "Check whether a time slot is free on the caller's calendar.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"datetime_start": datetime("Slot start"),
					"datetime_end":   datetime("Slot end"),
				},
				"required": []string{"datetime_start", "datetime_end"},
			},
		},
		{
			"name":        "create_calendar_event",
			"description": "Book an appointment on the caller's calendar.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"summary":        map[string]any{"type": "string", "description": "Short appointment title"},
					"description":    map[string]any{"type": "string", "description": "Optional details"},
					"datetime_start": datetime("Appointment start"),
					"datetime_end":   datetime("Appointment end"),
				},
				"required": []string{"summary", "datetime_start", "datetime_end"},
			},
		},
		{
			"name":        "reschedule_appointment",
			"description": "Move an existing appointment to a new time.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"original_datetime":  datetime("Current appointment start"),
					"new_datetime_start": datetime("New start"),
					"new_datetime_end":   datetime("New end"),
					"reason":             map[string]any{"type": "string", "description": "Optional reason"},
				},
				"required": []string{"original_datetime", "new_datetime_start", "new_datetime_end"},
			},
		},
		{
			"name":        "cancel_appointment",
			"description": "Cancel an existing appointment.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"datetime_start": datetime("Appointment start"),
					"reason":         map[string]any{"type": "string", "description": "Optional reason"},
				},
				"required": []string{"datetime_start"},
			},
		},
		{
			"name":        "get_appointment_details",
			"description": "List appointments in a time range.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"datetime_start": datetime("Range start"),
					"datetime_end":   datetime("Range end"),
					"attendee":       map[string]any{"type": "string", "description": "Optional attendee filter"},
				},
				"required": []string{"datetime_start", "datetime_end"},
			},
		},
	}
}
