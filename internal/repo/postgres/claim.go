package postgres

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// claim executes a conditional UPDATE whose WHERE clause includes an
// equality precondition on a processed flag. It reports whether this caller
// flipped the flag; zero rows affected means another invocation already
// claimed the row and the caller must skip it. Every cron-style sweep in
// this package funnels through here so overlapping invocations cannot
// double-execute an action.
func claim(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	result, err := pool.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// advisoryKey maps a namespaced identifier onto the bigint key space of
// pg_advisory_xact_lock. Writers that must not race on the same resource
// take the lock for the same key before their existence check; under READ
// COMMITTED a plain NOT EXISTS cannot see a concurrent uncommitted insert,
// so the lock is what serializes them.
func advisoryKey(format string, args ...any) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, format, args...)
	return int64(h.Sum64())
}
