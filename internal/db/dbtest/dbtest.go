// Package dbtest opens migrated in-memory SQLite databases for tests.
package dbtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/bookstore/stockcore/internal/db"
)

// Open returns a fresh database with every table migrated. A single
// connection keeps the in-memory database alive for the whole test.
func Open(t testing.TB) *db.DB {
	t.Helper()

	gormDB, err := gorm.Open(sqlite.Open("file::memory:?_foreign_keys=on"), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	require.NoError(t, err)

	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	database := &db.DB{DB: gormDB}
	require.NoError(t, db.RunMigrations(database))
	return database
}

// OpenWithCustomers is Open plus the sample customers.
func OpenWithCustomers(t testing.TB) *db.DB {
	t.Helper()

	database := Open(t)
	require.NoError(t, db.SeedCustomers(context.Background(), database, time.Now()))
	return database
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
