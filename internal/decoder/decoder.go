// Package decoder turns one raw block into the five record streams the
// bulk persister writes: the block row itself plus the batches,
// committee members, and participation evidence extracted from its
// quorum subdag.
package decoder

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/paravex/subdag-observatory/internal/chainclient"
	"github.com/paravex/subdag-observatory/internal/mappingcache"
	"github.com/paravex/subdag-observatory/internal/xerrors"
	"github.com/paravex/subdag-observatory/pkg/models"
)

const ratificationBlockReward = "block_reward"

const fallbackCommitteeID = "unknown"

var (
	blocksDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subdag_decoder_blocks_decoded_total",
		Help: "Total number of blocks decoded",
	})

	decodeSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subdag_decoder_skips_total",
		Help: "Total number of decode-time skips by reason",
	}, []string{"reason"})

	decodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subdag_decoder_failures_total",
		Help: "Total number of block-aborting decode failures by reason",
	}, []string{"reason"})
)

// Decoder extracts records from raw blocks. It is pure apart from
// mapping resolution, which it performs through cache so repeated
// authors across a window cost one upstream round trip, not one per
// batch.
type Decoder struct {
	cache  *mappingcache.Cache
	logger zerolog.Logger
}

// New constructs a Decoder backed by cache.
func New(cache *mappingcache.Cache, logger zerolog.Logger) *Decoder {
	return &Decoder{cache: cache, logger: logger.With().Str("component", "decoder").Logger()}
}

// Decode extracts one DecodedBlock from raw.
func (d *Decoder) Decode(ctx context.Context, raw chainclient.RawBlock) (models.DecodedBlock, error) {
	height := raw.Header.Metadata.Height

	out := models.DecodedBlock{
		Block: models.Block{
			Height:            height,
			Hash:              raw.BlockHash,
			PreviousHash:      raw.PreviousHash,
			Round:             raw.Header.Metadata.Round,
			Timestamp:         raw.Header.Metadata.Timestamp,
			TransactionsCount: uint32(len(raw.Transactions)),
			BlockReward:       firstBlockReward(raw.Ratifications),
		},
	}

	for roundKey, batches := range raw.Authority.Subdag.Subdag {
		round, err := parseRound(roundKey)
		if err != nil {
			return models.DecodedBlock{}, &xerrors.DecodeError{Height: height, Err: err}
		}

		for _, batch := range batches {
			if err := d.decodeBatch(ctx, height, round, batch, &out); err != nil {
				return models.DecodedBlock{}, &xerrors.DecodeError{Height: height, Err: err}
			}
		}
	}

	blocksDecoded.Inc()
	return out, nil
}

func (d *Decoder) decodeBatch(ctx context.Context, height, round uint64, batch chainclient.SubdagBatch, out *models.DecodedBlock) error {
	header := batch.BatchHeader
	author := header.Author
	committeeID := header.CommitteeID
	if committeeID == "" {
		committeeID = fallbackCommitteeID
	}

	if set, err := d.cache.Resolve(ctx, author); err == nil && set.TotalStake != nil && set.IsOpen != nil && set.Commission != nil {
		out.CommitteeMembers = append(out.CommitteeMembers, models.CommitteeMember{
			Address:     author,
			TotalStake:  set.TotalStake,
			IsOpen:      *set.IsOpen,
			Commission:  *set.Commission,
			IsActive:    true,
			BlockHeight: height,
		})
	} else if err != nil {
		decodeSkips.WithLabelValues("mapping_resolution").Inc()
		d.logger.Debug().Err(err).Str("author", author).Msg("mapping resolution failed, skipping committee member row")
	}

	out.Batches = append(out.Batches, models.Batch{
		BatchID:     header.BatchID,
		Round:       round,
		Author:      author,
		Timestamp:   header.Timestamp,
		CommitteeID: committeeID,
		BlockHeight: height,
	})

	out.CommitteeParticipations = append(out.CommitteeParticipations, models.CommitteeParticipation{
		ValidatorAddress: author,
		Round:            round,
		CommitteeID:      committeeID,
		BlockHeight:      height,
		Timestamp:        header.Timestamp,
	})

	allSignatures := make([]string, 0, len(batch.Signatures)+1)
	allSignatures = append(allSignatures, header.Signature)
	allSignatures = append(allSignatures, batch.Signatures...)

	// Every signature on a batch, self-sign included, must yield a row;
	// a signature that cannot be recovered leaves the batch with fewer
	// rows than signers, so it aborts the block rather than shrinking
	// the participation set.
	for _, sig := range allSignatures {
		addr, err := RecoverAddress(signingMessage(header.BatchID, round, committeeID), sig)
		if err != nil {
			decodeFailures.WithLabelValues("signature_recovery").Inc()
			return fmt.Errorf("recover signature on batch %s/%d: %w", header.BatchID, round, err)
		}
		out.SignatureParticipations = append(out.SignatureParticipations, models.SignatureParticipation{
			ValidatorAddress: addr,
			BatchID:          header.BatchID,
			Round:            round,
			CommitteeID:      committeeID,
			BlockHeight:      height,
			Timestamp:        header.Timestamp,
			Success:          true,
		})
	}
	return nil
}

// signingMessage is the canonical byte sequence every signature in a
// batch is taken over. It must be identical across the self-sign and
// every co-signature so recovery is deterministic for all of them.
func signingMessage(batchID string, round uint64, committeeID string) []byte {
	return []byte(fmt.Sprintf("%s:%d:%s", batchID, round, committeeID))
}

// RecoverAddress recovers the signer's address from a secp256k1
// signature over message. Recovery is deterministic and collision-free
// across validators.
func RecoverAddress(message []byte, sigHex string) (string, error) {
	sig, err := decodeSignature(sigHex)
	if err != nil {
		return "", fmt.Errorf("decoder: decode signature: %w", err)
	}
	hash := crypto.Keccak256(message)
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return "", fmt.Errorf("decoder: recover pubkey: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

func decodeSignature(sigHex string) ([]byte, error) {
	s := strings.TrimPrefix(sigHex, "0x")
	sig, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	// go-ethereum expects the recovery id in the last byte as 0/1;
	// normalize the common 27/28 convention if present.
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	return sig, nil
}

func parseRound(roundKey string) (uint64, error) {
	round, err := strconv.ParseUint(roundKey, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse round key %q: %w", roundKey, err)
	}
	return round, nil
}

func firstBlockReward(ratifications []chainclient.Ratification) *big.Int {
	for _, r := range ratifications {
		if r.Type != ratificationBlockReward || len(r.BlockReward) == 0 {
			continue
		}
		v, err := chainclient.ParseMappingValue(r.BlockReward)
		if err != nil {
			continue
		}
		n, ok := v.AsBigInt()
		if !ok {
			continue
		}
		return n
	}
	return nil
}
