package types

// FunctionCallRequest is a structured calendar intent emitted by the speech
// backend. Arguments never carry a user identity; the dispatcher supplies it
// from session state.
type FunctionCallRequest struct {
	RequestID string
	Name      string
	Arguments map[string]any
}

type FunctionStatus string

const (
	FunctionSuccess FunctionStatus = "success"
	FunctionFailure FunctionStatus = "failure"
)

// FunctionCallResult is correlated to its request by RequestID. The agent
// channel and calendar backend may each reorder, so correlation never
// assumes FIFO.
type FunctionCallResult struct {
	RequestID    string
	Name         string
	Status       FunctionStatus
	Payload      map[string]any
	ErrorMessage string
}

func SuccessResult(req FunctionCallRequest, payload map[string]any) FunctionCallResult {
	return FunctionCallResult{
		RequestID: req.RequestID,
		Name:      req.Name,
		Status:    FunctionSuccess,
		Payload:   payload,
	}
}

func FailureResult(req FunctionCallRequest, message string) FunctionCallResult {
	return FunctionCallResult{
		RequestID:    req.RequestID,
		Name:         req.Name,
		Status:       FunctionFailure,
		ErrorMessage: message,
	}
}

// UserContext is resolved once per session and read-only afterwards.
type UserContext struct {
	UserID        int64
	TimeZone      string
	WorkDayStarts int
	WorkDayEnds   int
}
