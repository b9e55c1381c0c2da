package store

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paravex/subdag-observatory/pkg/models"
)

func TestDedupBatches_KeepsLastPerKey(t *testing.T) {
	in := []models.Batch{
		{BatchID: "b1", Round: 1, Author: "A"},
		{BatchID: "b1", Round: 1, Author: "B"},
		{BatchID: "b2", Round: 1, Author: "C"},
	}
	out := dedupBatches(in)
	require.Len(t, out, 2)

	byID := make(map[string]models.Batch)
	for _, b := range out {
		byID[b.BatchID] = b
	}
	require.Equal(t, "B", byID["b1"].Author)
	require.Equal(t, "C", byID["b2"].Author)
}

func TestDedupCommitteeMembers_KeepsMaxBlockHeight(t *testing.T) {
	in := []models.CommitteeMember{
		{Address: "VA", BlockHeight: 5, TotalStake: big.NewInt(100)},
		{Address: "VA", BlockHeight: 9, TotalStake: big.NewInt(200)},
		{Address: "VB", BlockHeight: 3, TotalStake: big.NewInt(50)},
	}
	out := dedupCommitteeMembers(in)
	require.Len(t, out, 2)

	byAddr := make(map[string]models.CommitteeMember)
	for _, m := range out {
		byAddr[m.Address] = m
	}
	require.Equal(t, big.NewInt(200), byAddr["VA"].TotalStake)
	require.EqualValues(t, 9, byAddr["VA"].BlockHeight)
}
