package mappingcache

import (
	"context"
	"encoding/json"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/paravex/subdag-observatory/internal/chainclient"
)

func mustParse(t *testing.T, raw string) chainclient.MappingValue {
	t.Helper()
	v, err := chainclient.ParseMappingValue(json.RawMessage(raw))
	require.NoError(t, err)
	return v
}

func TestParseSet_StakeCommissionIsOpen(t *testing.T) {
	bonded := mustParse(t, `"1000u64"`)
	delegated := mustParse(t, `"0u64"`)
	committee := mustParse(t, `{"is_open":true,"commission":"5u8"}`)

	set := parseSet(committee, nil, bonded, nil, delegated, nil, zerolog.Nop())

	require.NotNil(t, set.TotalStake)
	require.Equal(t, big.NewInt(1000), set.TotalStake)
	require.NotNil(t, set.IsOpen)
	require.True(t, *set.IsOpen)
	require.NotNil(t, set.Commission)
	require.EqualValues(t, 5, *set.Commission)
}

func TestParseSet_CommissionOutOfRangeIsUnrecorded(t *testing.T) {
	bonded := mustParse(t, `"1000u64"`)
	committee := mustParse(t, `{"is_open":false,"commission":"150u8"}`)

	set := parseSet(committee, nil, bonded, nil, chainclient.MappingValue{Kind: chainclient.KindNull}, nil, zerolog.Nop())

	require.Nil(t, set.Commission)
	require.NotNil(t, set.IsOpen)
	require.False(t, *set.IsOpen)
}

func TestParseSet_BondedFetchErrorLeavesStakeNil(t *testing.T) {
	bondedFetchErr := &parseErr{}
	set := parseSet(
		chainclient.MappingValue{Kind: chainclient.KindNull}, nil,
		chainclient.MappingValue{}, bondedFetchErr,
		chainclient.MappingValue{Kind: chainclient.KindNull}, nil,
		zerolog.Nop(),
	)
	require.Nil(t, set.TotalStake)
}

type parseErr struct{}

func (e *parseErr) Error() string { return "bonded mapping fetch failed" }

func TestTotalStakeSumsDelegated(t *testing.T) {
	bonded := mustParse(t, `"1000u64"`)
	delegated := mustParse(t, `"250u64"`)
	committee := mustParse(t, `{"is_open":true,"commission":"10u8"}`)

	set := parseSet(committee, nil, bonded, nil, delegated, nil, zerolog.Nop())
	require.Equal(t, big.NewInt(1250), set.TotalStake)
}

type fakeChainClient struct {
	committee, bonded, delegated chainclient.MappingValue
}

func (f *fakeChainClient) LatestHeight(ctx context.Context) (uint64, error) { return 0, nil }
func (f *fakeChainClient) BlockRange(ctx context.Context, start, end uint64) ([]chainclient.RawBlock, error) {
	return nil, nil
}
func (f *fakeChainClient) MappingValue(ctx context.Context, program, mapping, key string) (chainclient.MappingValue, error) {
	switch mapping {
	case "committee":
		return f.committee, nil
	case "bonded":
		return f.bonded, nil
	case "delegated":
		return f.delegated, nil
	}
	return chainclient.MappingValue{Kind: chainclient.KindNull}, nil
}

func TestCache_ResolveWarmsLocalTier(t *testing.T) {
	fake := &fakeChainClient{
		committee: mustParse(t, `{"is_open":true,"commission":"5u8"}`),
		bonded:    mustParse(t, `"1000u64"`),
		delegated: mustParse(t, `"0u64"`),
	}

	dbPath := filepath.Join(t.TempDir(), "cache.db")
	c, err := New(dbPath, "", fake, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	set, err := c.Resolve(ctx, "aleo1validator")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1000), set.TotalStake)

	cached, ok := c.Get(ctx, "aleo1validator")
	require.True(t, ok)
	require.Equal(t, big.NewInt(1000), cached.TotalStake)
}
