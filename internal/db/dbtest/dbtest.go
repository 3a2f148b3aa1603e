// Package dbtest opens throwaway migrated SQLite stores for tests.
package dbtest

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pet-arena/internal/db"
)

// Open returns a migrated store in a fresh temp dir, closed on cleanup.
func Open(t testing.TB) *db.Store {
	t.Helper()
	s, err := db.Open(db.DriverSQLite, filepath.Join(t.TempDir(), "arena.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate())
	return s
}

// Clock is a settable wall clock for SetClock. With a non-zero step every
// reading moves it forward, so rows written in sequence get distinct stamps.
type Clock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func NewClock(t time.Time) *Clock { return &Clock{t: t} }

// NewTickingClock returns a clock that advances by step on every Now.
func NewTickingClock(t time.Time, step time.Duration) *Clock { return &Clock{t: t, step: step} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
