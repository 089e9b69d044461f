package license

import (
	"testing"
	"time"

	"labdesk-controlplane/pkg/clock"

	"github.com/stretchr/testify/require"
)

var ist = clock.Zone(5*3600 + 30*60)

func at(y int, m time.Month, d, hh, mm, ss int) time.Time {
	return time.Date(y, m, d, hh, mm, ss, 0, ist)
}

func TestEvaluate(t *testing.T) {
	issuedAt := at(2024, time.January, 1, 0, 0, 0)
	expiresAt := at(2024, time.December, 31, 23, 59, 59)

	cases := []struct {
		name string
		now  time.Time
		want Status
	}{
		{"mid window", at(2024, time.June, 15, 12, 0, 0), StatusActive},
		{"at issue", issuedAt, StatusActive},
		{"at expiry", expiresAt, StatusActive},
		{"one second before issue", issuedAt.Add(-time.Second), StatusInactive},
		{"one nanosecond after expiry", expiresAt.Add(time.Nanosecond), StatusInactive},
		{"after expiry", at(2025, time.January, 1, 0, 0, 0), StatusInactive},
		{"long before", at(2020, time.March, 1, 0, 0, 0), StatusInactive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Evaluate(tc.now, issuedAt, expiresAt))
		})
	}
}

func TestEvaluate_Property(t *testing.T) {
	issuedAt := at(2024, time.January, 1, 0, 0, 0)
	expiresAt := issuedAt.Add(90 * 24 * time.Hour)

	for step := -200 * time.Hour; step <= 2400*time.Hour; step += 7 * time.Hour {
		now := issuedAt.Add(step)
		want := StatusInactive
		if !now.Before(issuedAt) && !now.After(expiresAt) {
			want = StatusActive
		}
		require.Equal(t, want, Evaluate(now, issuedAt, expiresAt), now.String())
	}
}

func TestEvaluate_IgnoresZone(t *testing.T) {
	issuedAt := at(2024, time.January, 1, 0, 0, 0)
	expiresAt := at(2024, time.January, 1, 5, 30, 0)

	// 2024-01-01T00:00:00Z is 05:30 in the fixed zone, the last active second.
	now := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, StatusActive, Evaluate(now, issuedAt, expiresAt))
	require.Equal(t, StatusInactive, Evaluate(now.Add(time.Second), issuedAt, expiresAt))
}

func TestTransitionReason(t *testing.T) {
	issuedAt := at(2024, time.January, 1, 0, 0, 0)
	expiresAt := at(2024, time.December, 31, 23, 59, 59)

	require.Equal(t, "", TransitionReason(StatusActive, StatusActive, issuedAt, issuedAt, expiresAt))
	require.Equal(t, ReasonIssueDateReached,
		TransitionReason(StatusInactive, StatusActive, issuedAt, issuedAt, expiresAt))
	require.Equal(t, ReasonExpiryDateReached,
		TransitionReason(StatusActive, StatusInactive, expiresAt.Add(time.Second), issuedAt, expiresAt))
	require.Equal(t, ReasonBeforeIssueDate,
		TransitionReason(StatusActive, StatusInactive, issuedAt.Add(-time.Hour), issuedAt, expiresAt))
}
