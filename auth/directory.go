package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/voicedesk/scheduler-relay/types"
)

// PGDirectory resolves phone lines against the dashboard's users table.
type PGDirectory struct {
	pool *pgxpool.Pool
}

func NewPGDirectory(ctx context.Context, dsn string) (*PGDirectory, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("error connecting to user database: %v", err)
	}
	return &PGDirectory{pool: pool}, nil
}

func (d *PGDirectory) Lookup(ctx context.Context, line string) (types.UserContext, error) {
	const q = `SELECT id, time_zone, work_day_starts, work_day_ends
	           FROM users WHERE phone_number = $1`

	var rec types.UserContext
	err := d.pool.QueryRow(ctx, q, line).Scan(
		&rec.UserID, &rec.TimeZone, &rec.WorkDayStarts, &rec.WorkDayEnds)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.UserContext{}, ErrUnknownLine
	}
	if err != nil {
		return types.UserContext{}, fmt.Errorf("error looking up line: %v", err)
	}
	return rec, nil
}

func (d *PGDirectory) Close() {
	d.pool.Close()
}

// StaticDirectory serves lines from configuration, for development and
// single-tenant deployments without a user database.
type StaticDirectory struct {
	lines map[string]types.UserContext
}

func NewStaticDirectory(lines map[string]types.UserContext) *StaticDirectory {
	normalized := make(map[string]types.UserContext, len(lines))
	for line, rec := range lines {
		normalized[NormalizeLine(line)] = rec
	}
	return &StaticDirectory{lines: normalized}
}

func (d *StaticDirectory) Lookup(_ context.Context, line string) (types.UserContext, error) {
	rec, ok := d.lines[line]
	if !ok {
		return types.UserContext{}, ErrUnknownLine
	}
	return rec, nil
}
