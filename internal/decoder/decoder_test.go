package decoder

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/paravex/subdag-observatory/internal/chainclient"
	"github.com/paravex/subdag-observatory/internal/mappingcache"
	"github.com/paravex/subdag-observatory/internal/xerrors"
)

type fakeChain struct {
	committee, bonded, delegated chainclient.MappingValue
}

func (f *fakeChain) LatestHeight(ctx context.Context) (uint64, error) { return 0, nil }
func (f *fakeChain) BlockRange(ctx context.Context, start, end uint64) ([]chainclient.RawBlock, error) {
	return nil, nil
}
func (f *fakeChain) MappingValue(ctx context.Context, program, mapping, key string) (chainclient.MappingValue, error) {
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

func mustParse(t *testing.T, raw string) chainclient.MappingValue {
	t.Helper()
	v, err := chainclient.ParseMappingValue(json.RawMessage(raw))
	require.NoError(t, err)
	return v
}

func newCache(t *testing.T, chain chainclient.Client) *mappingcache.Cache {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	c, err := mappingcache.New(dbPath, "", chain, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func signHex(t *testing.T, privHex string, message []byte) string {
	t.Helper()
	priv, err := crypto.HexToECDSA(privHex)
	require.NoError(t, err)
	hash := crypto.Keccak256(message)
	sig, err := crypto.Sign(hash, priv)
	require.NoError(t, err)
	return hex.EncodeToString(sig)
}

func addressFor(t *testing.T, privHex string) string {
	t.Helper()
	priv, err := crypto.HexToECDSA(privHex)
	require.NoError(t, err)
	return crypto.PubkeyToAddress(priv.PublicKey).Hex()
}

const (
	authorKey = "000000000000000000000000000000000000000000000000000000000000000a"
	coSignerX = "000000000000000000000000000000000000000000000000000000000000000b"
	coSignerY = "000000000000000000000000000000000000000000000000000000000000000c"
)

func TestDecode_EmitsAllFiveStreams(t *testing.T) {
	fake := &fakeChain{
		committee: mustParse(t, `{"is_open":true,"commission":"5u8"}`),
		bonded:    mustParse(t, `"1000u64"`),
		delegated: mustParse(t, `"0u64"`),
	}
	cache := newCache(t, fake)
	d := New(cache, zerolog.Nop())

	msg := signingMessage("batch-1", 42, "committee-a")
	raw := chainclient.RawBlock{
		BlockHash:    "0xblock7",
		PreviousHash: "0xblock6",
	}
	raw.Header.Metadata.Height = 7
	raw.Header.Metadata.Round = 42
	raw.Header.Metadata.Timestamp = 1000

	batch := chainclient.SubdagBatch{
		Signatures: []string{
			signHex(t, coSignerX, msg),
			signHex(t, coSignerY, msg),
		},
	}
	batch.BatchHeader.BatchID = "batch-1"
	batch.BatchHeader.Author = "aleo1validatorA"
	batch.BatchHeader.Timestamp = 1000
	batch.BatchHeader.CommitteeID = "committee-a"
	batch.BatchHeader.Signature = signHex(t, authorKey, msg)

	raw.Authority.Subdag.Subdag = map[string][]chainclient.SubdagBatch{
		"42": {batch},
	}

	out, err := d.Decode(context.Background(), raw)
	require.NoError(t, err)

	require.Equal(t, uint64(7), out.Block.Height)
	require.Len(t, out.Batches, 1)
	require.Equal(t, "batch-1", out.Batches[0].BatchID)
	require.Len(t, out.CommitteeParticipations, 1)
	require.Len(t, out.CommitteeMembers, 1)
	require.Equal(t, "aleo1validatorA", out.CommitteeMembers[0].Address)

	require.Len(t, out.SignatureParticipations, 3)
	addrs := make(map[string]bool)
	for _, sp := range out.SignatureParticipations {
		addrs[sp.ValidatorAddress] = true
		require.Equal(t, "batch-1", sp.BatchID)
		require.True(t, sp.Success)
	}
	require.True(t, addrs[addressFor(t, authorKey)])
	require.True(t, addrs[addressFor(t, coSignerX)])
	require.True(t, addrs[addressFor(t, coSignerY)])
}

func TestDecode_MappingFailureSkipsCommitteeMemberOnly(t *testing.T) {
	fake := &fakeChain{
		committee: chainclient.MappingValue{Kind: chainclient.KindNull},
		bonded:    chainclient.MappingValue{Kind: chainclient.KindNull},
		delegated: chainclient.MappingValue{Kind: chainclient.KindNull},
	}
	cache := newCache(t, fake)
	d := New(cache, zerolog.Nop())

	msg := signingMessage("batch-2", 1, "unknown")
	raw := chainclient.RawBlock{BlockHash: "0xb1"}
	raw.Header.Metadata.Height = 1
	batch := chainclient.SubdagBatch{}
	batch.BatchHeader.BatchID = "batch-2"
	batch.BatchHeader.Author = "aleo1validatorB"
	batch.BatchHeader.Signature = signHex(t, authorKey, msg)
	raw.Authority.Subdag.Subdag = map[string][]chainclient.SubdagBatch{"1": {batch}}

	out, err := d.Decode(context.Background(), raw)
	require.NoError(t, err)

	require.Empty(t, out.CommitteeMembers)
	require.Len(t, out.Batches, 1)
	require.Equal(t, fallbackCommitteeID, out.Batches[0].CommitteeID)
	require.Len(t, out.SignatureParticipations, 1)
}

func TestRecoverAddress_MalformedSignatureErrors(t *testing.T) {
	_, err := RecoverAddress([]byte("msg"), "not-hex")
	require.Error(t, err)
}

func TestDecode_UnrecoverableSignatureAbortsBlock(t *testing.T) {
	fake := &fakeChain{
		committee: chainclient.MappingValue{Kind: chainclient.KindNull},
		bonded:    chainclient.MappingValue{Kind: chainclient.KindNull},
		delegated: chainclient.MappingValue{Kind: chainclient.KindNull},
	}
	cache := newCache(t, fake)
	d := New(cache, zerolog.Nop())

	msg := signingMessage("batch-3", 9, "committee-a")
	raw := chainclient.RawBlock{BlockHash: "0xb9"}
	raw.Header.Metadata.Height = 9
	batch := chainclient.SubdagBatch{
		// One valid co-signature, one garbage one: the row count would
		// come up short of signers+1, so the whole block must fail.
		Signatures: []string{
			signHex(t, coSignerX, msg),
			"not-a-signature",
		},
	}
	batch.BatchHeader.BatchID = "batch-3"
	batch.BatchHeader.Author = "aleo1validatorC"
	batch.BatchHeader.CommitteeID = "committee-a"
	batch.BatchHeader.Signature = signHex(t, authorKey, msg)
	raw.Authority.Subdag.Subdag = map[string][]chainclient.SubdagBatch{"9": {batch}}

	_, err := d.Decode(context.Background(), raw)
	require.Error(t, err)

	var decodeErr *xerrors.DecodeError
	require.True(t, errors.As(err, &decodeErr))
	require.EqualValues(t, 9, decodeErr.Height)
}
