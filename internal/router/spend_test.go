package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpendLedgerChargeAndTotals(t *testing.T) {
	l := newLedger(t)

	total := l.Charge("a", 1.5)
	assert.Equal(t, 1.5, total)
	total = l.Charge("a", 0.5)
	assert.Equal(t, 2.0, total)
	l.Charge("b", 3.0)

	assert.Equal(t, 2.0, l.Accumulated("a"))
	assert.Equal(t, 5.0, l.TotalToday())
	assert.Equal(t, 5.0, l.TotalMonth())

	assert.Equal(t, 0.0, l.Charge("a", -1), "negative amounts clamp to zero")
	assert.Equal(t, 2.0, l.Accumulated("a"))
}

func TestSpendLedgerDailyReset(t *testing.T) {
	l, err := NewSpendLedger(t.TempDir(), time.UTC)
	require.NoError(t, err)

	day1 := time.Date(2026, 3, 1, 23, 50, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 2, 0, 5, 0, 0, time.UTC)

	l.now = func() time.Time { return day1 }
	l.Charge("a", 4.0)
	assert.Equal(t, 4.0, l.TotalToday())

	// Midnight crossover: the new day starts from zero, the charge made
	// after midnight lands on the new key, and nothing is invalidated
	// retroactively.
	l.now = func() time.Time { return day2 }
	assert.Equal(t, 0.0, l.TotalToday())
	l.Charge("a", 1.0)
	assert.Equal(t, 1.0, l.Accumulated("a"))
	assert.Equal(t, 5.0, l.TotalMonth(), "monthly total spans both days")
}

func TestSpendLedgerPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	l, err := NewSpendLedger(dir, time.UTC)
	require.NoError(t, err)
	l.Charge("a", 2.25)
	require.NoError(t, l.Save())

	reloaded, err := NewSpendLedger(dir, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 2.25, reloaded.Accumulated("a"))
	assert.Equal(t, ledgerVersion, reloaded.data.Version)
}
