package keeper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	c, err := parseCron("0 3 1 * *")
	require.NoError(t, err)
	assert.True(t, c.matchesTime(time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)))
	assert.False(t, c.matchesTime(time.Date(2026, 3, 1, 3, 1, 0, 0, time.UTC)))
	assert.False(t, c.matchesTime(time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)))
}

func TestParseCronFieldList(t *testing.T) {
	c, err := parseCron("0,30 * * * *")
	require.NoError(t, err)
	assert.True(t, c.matchesTime(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)))
	assert.True(t, c.matchesTime(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)))
	assert.False(t, c.matchesTime(time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC)))
}

func TestParseCronErrors(t *testing.T) {
	_, err := parseCron("0 3 1 *")
	require.Error(t, err)

	_, err = parseCron("x 3 1 * *")
	require.Error(t, err)
}

func TestNextCronTime(t *testing.T) {
	after := time.Date(2026, 2, 10, 12, 30, 45, 0, time.UTC)

	next, err := nextCronTime("0 3 1 * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC), next)

	// Already on the boundary: the next match is strictly in the future.
	onBoundary := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	next, err = nextCronTime("0 3 1 * *", onBoundary)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 4, 1, 3, 0, 0, 0, time.UTC), next)
}

func TestNextCronTimeDayOfWeek(t *testing.T) {
	// 2026-02-10 is a Tuesday; next Sunday (weekday 0) is 2026-02-15.
	after := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)

	next, err := nextCronTime("0 0 * * 0", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC), next)
}
