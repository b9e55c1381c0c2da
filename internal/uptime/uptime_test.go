package uptime

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/paravex/subdag-observatory/pkg/models"
)

type fakeStore struct {
	mu        sync.Mutex
	latest    uint64
	latestOK  bool
	active    []string
	earliest  map[string]uint64
	total     map[string]map[uint64]struct{}
	part      map[string]map[string]map[uint64]struct{}
	snapshots []models.UptimeSnapshot
}

func (f *fakeStore) LatestRound(ctx context.Context) (uint64, bool, error) {
	return f.latest, f.latestOK, nil
}

func (f *fakeStore) ActiveValidators(ctx context.Context) ([]string, error) { return f.active, nil }

func (f *fakeStore) EarliestRound(ctx context.Context, validator string) (uint64, bool, error) {
	r, ok := f.earliest[validator]
	return r, ok, nil
}

func (f *fakeStore) CommitteesInWindow(ctx context.Context, start, end uint64) (map[string]map[uint64]struct{}, error) {
	out := make(map[string]map[uint64]struct{})
	for committeeID, rounds := range f.total {
		kept := make(map[uint64]struct{})
		for r := range rounds {
			if r >= start && r <= end {
				kept[r] = struct{}{}
			}
		}
		if len(kept) > 0 {
			out[committeeID] = kept
		}
	}
	return out, nil
}

func (f *fakeStore) ParticipatedCommittees(ctx context.Context, validator string, start, end uint64) (map[string]map[uint64]struct{}, error) {
	return f.part[validator], nil
}

func (f *fakeStore) InsertUptimeSnapshot(ctx context.Context, snap models.UptimeSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, snap)
	return nil
}

func committeeSet(rounds ...uint64) map[uint64]struct{} {
	out := make(map[uint64]struct{}, len(rounds))
	for _, r := range rounds {
		out[r] = struct{}{}
	}
	return out
}

func TestRun_ComputesUptimePercentage(t *testing.T) {
	// Rounds fall inside [earliest(600), currentRound(1000)] so they
	// survive the per-validator CommitteesInWindow filter.
	total := make(map[string]map[uint64]struct{})
	for i := 0; i < 50; i++ {
		total[committeeName(i)] = committeeSet(uint64(600 + i))
	}
	participated := make(map[string]map[uint64]struct{})
	for i := 0; i < 20; i++ {
		participated[committeeName(i)] = committeeSet(uint64(600 + i))
	}

	fs := &fakeStore{
		latest:   1000,
		latestOK: true,
		active:   []string{"VA"},
		earliest: map[string]uint64{"VA": 600},
		total:    total,
		part:     map[string]map[string]map[uint64]struct{}{"VA": participated},
	}

	e := New(fs, Config{RoundSpan: 500}, zerolog.Nop())
	require.NoError(t, e.Run(context.Background()))

	require.Len(t, fs.snapshots, 1)
	snap := fs.snapshots[0]
	require.Equal(t, "VA", snap.ValidatorAddress)
	require.InDelta(t, 40.0, snap.UptimePercentage, 0.001)
	require.EqualValues(t, 50, snap.TotalRounds)
	require.EqualValues(t, 20, snap.ParticipatedRounds)
}

func TestRun_PerValidatorWindowExcludesCommitteesBeforeEarliestRound(t *testing.T) {
	// Committee "early" only ever appeared before round 600; committee
	// "late" appears within [600,1000]. A validator whose own window
	// starts at 600 (earliest_round=600) must not have "early" counted
	// in its denominator, even though a validator with an earlier start
	// would see it.
	total := map[string]map[uint64]struct{}{
		"early": committeeSet(100),
		"late":  committeeSet(700),
	}
	participated := map[string]map[string]map[uint64]struct{}{
		"VA": {"late": committeeSet(700)},
		"VB": {"early": committeeSet(100), "late": committeeSet(700)},
	}

	fs := &fakeStore{
		latest:   1000,
		latestOK: true,
		active:   []string{"VA", "VB"},
		earliest: map[string]uint64{"VA": 600, "VB": 50},
		total:    total,
		part:     participated,
	}

	e := New(fs, Config{RoundSpan: 500}, zerolog.Nop())
	require.NoError(t, e.Run(context.Background()))
	require.Len(t, fs.snapshots, 2)

	byValidator := make(map[string]models.UptimeSnapshot, 2)
	for _, snap := range fs.snapshots {
		byValidator[snap.ValidatorAddress] = snap
	}

	// VA's window is [600,1000]: only "late" survives, so it sees 1/1 committees.
	va := byValidator["VA"]
	require.EqualValues(t, 1, va.TotalRounds)
	require.EqualValues(t, 1, va.ParticipatedRounds)
	require.InDelta(t, 100.0, va.UptimePercentage, 0.001)

	// VB's earliest round (50) is below current-span (500), so its window
	// is [500,1000]: "early" is still outside it, so it sees 1/1.
	vb := byValidator["VB"]
	require.EqualValues(t, 1, vb.TotalRounds)
	require.EqualValues(t, 1, vb.ParticipatedRounds)
	require.InDelta(t, 100.0, vb.UptimePercentage, 0.001)
}

func TestRun_SkipsValidatorNeverInAnyCommittee(t *testing.T) {
	fs := &fakeStore{
		latest:   100,
		latestOK: true,
		active:   []string{"VX"},
		earliest: map[string]uint64{},
		total:    map[string]map[uint64]struct{}{"c1": committeeSet(1)},
		part:     map[string]map[string]map[uint64]struct{}{},
	}

	e := New(fs, Config{RoundSpan: 500}, zerolog.Nop())
	require.NoError(t, e.Run(context.Background()))
	require.Empty(t, fs.snapshots)
}

func TestRun_NoBlocksYetIsNoop(t *testing.T) {
	fs := &fakeStore{latestOK: false}
	e := New(fs, Config{}, zerolog.Nop())
	require.NoError(t, e.Run(context.Background()))
	require.Empty(t, fs.snapshots)
}

func TestRun_DegenerateWindowSkipsValidator(t *testing.T) {
	fs := &fakeStore{
		latest:   100,
		latestOK: true,
		active:   []string{"VA"},
		earliest: map[string]uint64{"VA": 100},
		total:    map[string]map[uint64]struct{}{"c1": committeeSet(1)},
		part:     map[string]map[string]map[uint64]struct{}{},
	}
	e := New(fs, Config{RoundSpan: 500}, zerolog.Nop())
	require.NoError(t, e.Run(context.Background()))
	require.Empty(t, fs.snapshots)
}

func committeeName(i int) string {
	return fmt.Sprintf("committee-%d", i)
}
