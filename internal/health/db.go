package health

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// DBPinger measures one database round trip.
type DBPinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// PgxPinger connects with pgx for each ping. Connection setup is excluded
// from the returned latency.
type PgxPinger struct {
	DSN string
}

func (p PgxPinger) Ping(ctx context.Context) (time.Duration, error) {
	conn, err := pgx.Connect(ctx, p.DSN)
	if err != nil {
		return 0, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	start := time.Now()
	var one int
	if err := conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return 0, fmt.Errorf("query: %w", err)
	}
	return time.Since(start), nil
}
