package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextMidnight(t *testing.T) {
	shanghai := time.FixedZone("CST", 8*3600)

	cases := []struct {
		name string
		at   time.Time
		loc  *time.Location
		want time.Time
	}{
		{
			name: "utc afternoon",
			at:   time.Date(2024, 5, 1, 15, 30, 0, 0, time.UTC),
			loc:  time.UTC,
			want: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "exactly midnight moves a full day",
			at:   time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
			loc:  time.UTC,
			want: time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "month rollover in offset zone",
			at:   time.Date(2024, 4, 30, 17, 0, 0, 0, time.UTC),
			loc:  shanghai,
			want: time.Date(2024, 5, 2, 0, 0, 0, 0, shanghai),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, tc.want.Equal(NextMidnight(tc.at, tc.loc)), "got %v", NextMidnight(tc.at, tc.loc))
		})
	}
}

func TestScheduleExpiryRunsAtMidnight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	l, clock := newTestLedger(fs, day1)

	_, err = l.Add(ctx, "yesterday")
	require.NoError(t, err)

	waits := make(chan time.Duration, 4)
	fire := make(chan time.Time)
	after := func(d time.Duration) <-chan time.Time {
		waits <- d
		return fire
	}

	done := make(chan error, 1)
	go func() { done <- l.scheduleExpiry(ctx, after) }()

	first := <-waits
	assert.Equal(t, 14*time.Hour, first)

	clock.Advance(first)
	fire <- clock.Now()

	second := <-waits
	assert.Equal(t, 24*time.Hour, second)

	dates, err := fs.Dates(ctx)
	require.NoError(t, err)
	assert.Empty(t, dates, "previous day partition must be expired")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
