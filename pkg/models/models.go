// Package models defines the persisted record types the ingestion
// pipeline produces and the uptime engine consumes.
package models

import (
	"math/big"
	"time"
)

// Block mirrors one row of the blocks table.
type Block struct {
	Height             uint64
	Hash               string
	PreviousHash       string
	Round              uint64
	Timestamp          int64
	TransactionsCount  uint32
	BlockReward        *big.Int // nil when the block carries no block_reward ratification
}

// Batch mirrors one row of the batches table. (BatchID, Round) is the
// natural key.
type Batch struct {
	BatchID     string
	Round       uint64
	Author      string
	Timestamp   int64
	CommitteeID string
	BlockHeight uint64
}

// CommitteeMember mirrors one row of the committee_members table. Address
// is the natural key; BlockHeight and LastSeenBlock only ever advance.
type CommitteeMember struct {
	Address        string
	FirstSeenBlock uint64
	LastSeenBlock  uint64
	TotalStake     *big.Int
	IsOpen         bool
	Commission     uint8
	IsActive       bool
	BlockHeight    uint64
	LastUpdated    time.Time
}

// CommitteeParticipation mirrors one row of the committee_participation
// table: evidence that Validator authored at least one batch in Round.
type CommitteeParticipation struct {
	ValidatorAddress string
	Round            uint64
	CommitteeID      string
	BlockHeight      uint64
	Timestamp        int64
}

// SignatureParticipation mirrors one row of the signature_participation
// table: evidence that Validator signed (as author or co-signer) the
// batch identified by (BatchID, Round).
type SignatureParticipation struct {
	ValidatorAddress string
	BatchID          string
	Round            uint64
	CommitteeID      string
	BlockHeight      uint64
	Timestamp        int64
	Success          bool
}

// UptimeSnapshot mirrors one append-only row of the uptime_snapshots
// table. UptimePercentage is already rounded to the column's
// NUMERIC(5,2) scale when the engine computes it.
type UptimeSnapshot struct {
	ID                 int64
	ValidatorAddress   string
	StartRound         uint64
	EndRound           uint64
	TotalRounds        uint32
	ParticipatedRounds uint32
	UptimePercentage   float64
	CalculatedAt       time.Time
}

// Metadata is a single key/value cell, e.g. last_fully_synced_height.
type Metadata struct {
	Key   string
	Value string
}

// DecodedBlock is everything the block decoder extracts from one raw
// block, ready to be folded into a window for the bulk persister.
type DecodedBlock struct {
	Block                   Block
	Batches                 []Batch
	CommitteeMembers        []CommitteeMember
	CommitteeParticipations []CommitteeParticipation
	SignatureParticipations []SignatureParticipation
}
