package clock

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

const ist = 5*3600 + 30*60

func TestNowIsNormalisedToFixedOffset(t *testing.T) {
	instant := time.Date(2024, 6, 15, 6, 30, 0, 0, time.UTC)
	c := New(clockwork.NewFakeClockAt(instant), ist)

	now := c.Now()
	require.True(t, now.Equal(instant))
	_, offset := now.Zone()
	require.Equal(t, ist, offset)
	require.Equal(t, 12, now.Hour())
}

func TestParseWallClockUsesClockZone(t *testing.T) {
	c := New(clockwork.NewFakeClock(), ist)

	got, err := Parse(c, "2024-01-01 00:00:00")
	require.NoError(t, err)
	require.True(t, got.Equal(time.Date(2023, 12, 31, 18, 30, 0, 0, time.UTC)))
}

func TestParseRFC3339KeepsInstant(t *testing.T) {
	c := New(clockwork.NewFakeClock(), ist)

	got, err := Parse(c, "2024-01-01T00:00:00Z")
	require.NoError(t, err)
	require.True(t, got.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, c.Location(), got.Location())
}

func TestParseRejectsGarbage(t *testing.T) {
	c := New(clockwork.NewFakeClock(), ist)
	_, err := Parse(c, "01/01/2024")
	require.Error(t, err)
}

func TestZoneName(t *testing.T) {
	require.Equal(t, "+05:30", Zone(ist).String())
	require.Equal(t, "-04:00", Zone(-4*3600).String())
}
