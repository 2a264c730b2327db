package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/voicedesk/scheduler-relay/types"
)

var (
	// ErrInvalidIdentifier rejects a malformed call identifier or line
	// before any external lookup happens.
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrUnauthorized rejects a connection whose line resolves to no user.
	ErrUnauthorized = errors.New("unauthorized")
)

// Carrier call identifiers: "CA" followed by 32 hex characters.
var callSidPattern = regexp.MustCompile(`^CA[0-9a-f]{32}$`)

// ValidateCallID checks the syntactic shape of a carrier call identifier.
func ValidateCallID(callID string) error {
	if !callSidPattern.MatchString(callID) {
		return fmt.Errorf("%w: call id %q", ErrInvalidIdentifier, callID)
	}
	return nil
}

// Directory answers "which user owns this phone line". Implementations must
// not share mutable state across lookups; each resolve call stands alone.
type Directory interface {
	Lookup(ctx context.Context, line string) (types.UserContext, error)
}

// ErrUnknownLine is returned by directories when no user owns the line.
var ErrUnknownLine = errors.New("unknown line")

// Resolver maps an inbound connection's call identifier and called line to
// an authenticated user context. Consulted exactly once, at session start.
type Resolver struct {
	dir Directory
}

func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve validates shape first (InvalidIdentifier), then performs the
// semantic lookup (Unauthorized). The two failures are distinct: a malformed
// identifier must never reach the directory.
func (r *Resolver) Resolve(ctx context.Context, callID, line string) (types.UserContext, error) {
	if err := ValidateCallID(callID); err != nil {
		return types.UserContext{}, err
	}
	line = NormalizeLine(line)
	if line == "" {
		return types.UserContext{}, fmt.Errorf("%w: empty line", ErrInvalidIdentifier)
	}

	rec, err := r.dir.Lookup(ctx, line)
	if err != nil {
		return types.UserContext{}, fmt.Errorf("%w: line %s: %v", ErrUnauthorized, line, err)
	}
	return rec, nil
}

// NormalizeLine strips formatting from a phone number, keeping a leading +.
func NormalizeLine(line string) string {
	var b strings.Builder
	for i, r := range line {
		if r >= '0' && r <= '9' || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
