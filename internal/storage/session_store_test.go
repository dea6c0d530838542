package storage

import (
	"testing"
	"time"

	"meetzap/backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// dryRunDB renders SQL without a server.
func dryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{DSN: "host=localhost user=meetzap dbname=meetzap sslmode=disable"}),
		&gorm.Config{DryRun: true, DisableAutomaticPing: true})
	require.NoError(t, err)
	return db
}

func TestStaleSweepLocksAndRechecks(t *testing.T) {
	db := dryRunDB(t)
	before := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

	var stale []models.Session
	sel := staleQuery(db, before).Find(&stale).Statement.SQL.String()
	assert.Contains(t, sel, "FOR UPDATE")
	assert.Contains(t, sel, "last_active <")

	upd := endStaleUpdate(db, []string{"a", "b"}, before).Statement.SQL.String()
	assert.Contains(t, upd, "id IN")
	assert.Contains(t, upd, "status IN")
	assert.Contains(t, upd, "last_active <")
	assert.Contains(t, upd, `"call_id"`)
}
