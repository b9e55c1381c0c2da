// Package store owns the only SQL in the pipeline: a
// single-transaction, ordered, upsert-based write path for decoded
// windows, and the read façade the uptime engine depends on instead of
// on other engines directly.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/paravex/subdag-observatory/internal/xerrors"
	"github.com/paravex/subdag-observatory/pkg/models"
)

// MetadataLastFullySyncedHeight is the metadata key the Sync Controller
// reads at startup and advances once the INITIAL catch-up completes and
// after every committed tailing window.
const MetadataLastFullySyncedHeight = "last_fully_synced_height"

var (
	rowsPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subdag_persister_rows_written_total",
		Help: "Total number of rows written per record stream",
	}, []string{"stream"})

	windowsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subdag_persister_windows_committed_total",
		Help: "Total number of windows committed in a single transaction",
	})

	persistenceErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subdag_persister_errors_total",
		Help: "Total number of window persistence failures",
	})
)

// Store wraps a pgx connection pool with the pipeline's write and read
// surface.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Open connects to databaseURL and ensures the schema exists.
func Open(ctx context.Context, databaseURL string, logger zerolog.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse database url: %w", err)
	}
	poolCfg.MaxConns = 20
	poolCfg.MaxConnIdleTime = 30 * time.Second
	poolCfg.ConnConfig.ConnectTimeout = 5 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{pool: pool, logger: logger.With().Str("component", "store").Logger()}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Window is everything decoded out of a contiguous height range, ready
// to commit in one transaction.
type Window struct {
	Blocks                  []models.Block
	Batches                 []models.Batch
	CommitteeMembers        []models.CommitteeMember
	CommitteeParticipations []models.CommitteeParticipation
	SignatureParticipations []models.SignatureParticipation
}

// PersistWindow writes the five record streams inside a single
// transaction: blocks, then batches, committee members, committee
// participations, signature participations. Any failure aborts and
// rolls back the whole window. Neither PersistWindow nor the Sync
// Controller re-enqueues a failed window: an INITIAL-phase failure ends
// the run, and a tailing tick re-fetches the same range on its next
// tick. start/end identify the window purely for error reporting.
func (s *Store) PersistWindow(ctx context.Context, start, end uint64, w Window) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		persistenceErrors.Inc()
		return &xerrors.PersistenceError{Start: start, End: end, Err: fmt.Errorf("begin: %w", err)}
	}
	defer tx.Rollback(ctx)

	batches := dedupBatches(w.Batches)
	members := dedupCommitteeMembers(w.CommitteeMembers)

	if err := upsertBlocks(ctx, tx, w.Blocks); err != nil {
		persistenceErrors.Inc()
		return &xerrors.PersistenceError{Start: start, End: end, Err: err}
	}
	if err := upsertBatches(ctx, tx, batches); err != nil {
		persistenceErrors.Inc()
		return &xerrors.PersistenceError{Start: start, End: end, Err: err}
	}
	if err := upsertCommitteeMembers(ctx, tx, members); err != nil {
		persistenceErrors.Inc()
		return &xerrors.PersistenceError{Start: start, End: end, Err: err}
	}
	if err := insertCommitteeParticipations(ctx, tx, w.CommitteeParticipations); err != nil {
		persistenceErrors.Inc()
		return &xerrors.PersistenceError{Start: start, End: end, Err: err}
	}
	if err := insertSignatureParticipations(ctx, tx, w.SignatureParticipations); err != nil {
		persistenceErrors.Inc()
		return &xerrors.PersistenceError{Start: start, End: end, Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		persistenceErrors.Inc()
		return &xerrors.PersistenceError{Start: start, End: end, Err: fmt.Errorf("commit: %w", err)}
	}

	rowsPersisted.WithLabelValues("blocks").Add(float64(len(w.Blocks)))
	rowsPersisted.WithLabelValues("batches").Add(float64(len(batches)))
	rowsPersisted.WithLabelValues("committee_members").Add(float64(len(members)))
	rowsPersisted.WithLabelValues("committee_participation").Add(float64(len(w.CommitteeParticipations)))
	rowsPersisted.WithLabelValues("signature_participation").Add(float64(len(w.SignatureParticipations)))
	windowsPersisted.Inc()
	return nil
}

// dedupBatches keeps one row per (batch_id, round), last-writer-wins
// within the window.
func dedupBatches(in []models.Batch) []models.Batch {
	type key struct {
		id    string
		round uint64
	}
	byKey := make(map[key]models.Batch, len(in))
	order := make([]key, 0, len(in))
	for _, b := range in {
		k := key{b.BatchID, b.Round}
		if _, exists := byKey[k]; !exists {
			order = append(order, k)
		}
		byKey[k] = b
	}
	out := make([]models.Batch, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}

// dedupCommitteeMembers keeps, per address, the row with the highest
// BlockHeight.
func dedupCommitteeMembers(in []models.CommitteeMember) []models.CommitteeMember {
	byAddr := make(map[string]models.CommitteeMember, len(in))
	order := make([]string, 0, len(in))
	for _, m := range in {
		existing, ok := byAddr[m.Address]
		if !ok {
			order = append(order, m.Address)
			byAddr[m.Address] = m
			continue
		}
		if m.BlockHeight > existing.BlockHeight {
			byAddr[m.Address] = m
		}
	}
	out := make([]models.CommitteeMember, 0, len(order))
	for _, addr := range order {
		out = append(out, byAddr[addr])
	}
	return out
}

func upsertBlocks(ctx context.Context, tx pgx.Tx, blocks []models.Block) error {
	const query = `
		INSERT INTO blocks (height, hash, previous_hash, round, timestamp, transactions_count, block_reward)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (height) DO UPDATE SET
			hash = EXCLUDED.hash,
			previous_hash = EXCLUDED.previous_hash,
			round = EXCLUDED.round,
			timestamp = EXCLUDED.timestamp,
			transactions_count = EXCLUDED.transactions_count,
			block_reward = EXCLUDED.block_reward
	`
	for _, b := range blocks {
		var reward *string
		if b.BlockReward != nil {
			s := b.BlockReward.String()
			reward = &s
		}
		if _, err := tx.Exec(ctx, query, b.Height, b.Hash, b.PreviousHash, b.Round, b.Timestamp, b.TransactionsCount, reward); err != nil {
			return fmt.Errorf("upsert block %d: %w", b.Height, err)
		}
	}
	return nil
}

func upsertBatches(ctx context.Context, tx pgx.Tx, batches []models.Batch) error {
	const query = `
		INSERT INTO batches (batch_id, round, author, timestamp, committee_id, block_height)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (batch_id, round) DO UPDATE SET
			author = EXCLUDED.author,
			timestamp = EXCLUDED.timestamp,
			committee_id = EXCLUDED.committee_id,
			block_height = EXCLUDED.block_height
	`
	for _, b := range batches {
		if _, err := tx.Exec(ctx, query, b.BatchID, b.Round, b.Author, b.Timestamp, b.CommitteeID, b.BlockHeight); err != nil {
			return fmt.Errorf("upsert batch %s/%d: %w", b.BatchID, b.Round, err)
		}
	}
	return nil
}

func upsertCommitteeMembers(ctx context.Context, tx pgx.Tx, members []models.CommitteeMember) error {
	const query = `
		INSERT INTO committee_members (
			address, first_seen_block, last_seen_block, total_stake, is_open, commission, is_active, block_height, last_updated
		) VALUES ($1, $2, $2, $3, $4, $5, $6, $2, now())
		ON CONFLICT (address) DO UPDATE SET
			last_seen_block = EXCLUDED.last_seen_block,
			total_stake = EXCLUDED.total_stake,
			is_open = EXCLUDED.is_open,
			commission = EXCLUDED.commission,
			is_active = EXCLUDED.is_active,
			block_height = EXCLUDED.block_height,
			last_updated = now()
		WHERE EXCLUDED.block_height > committee_members.block_height
	`
	for _, m := range members {
		stake := "0"
		if m.TotalStake != nil {
			stake = m.TotalStake.String()
		}
		tag, err := tx.Exec(ctx, query, m.Address, m.BlockHeight, stake, m.IsOpen, m.Commission, m.IsActive)
		if err != nil {
			return fmt.Errorf("upsert committee member %s: %w", m.Address, err)
		}
		if tag.RowsAffected() == 0 {
			// The WHERE guard blocked the update: a row for this address
			// already exists at block_height >= m.BlockHeight. Equal
			// height is idempotent reprocessing of an already-committed
			// window; strictly greater is a genuine regression.
			var existingHeight uint64
			if err := tx.QueryRow(ctx, `SELECT block_height FROM committee_members WHERE address = $1`, m.Address).Scan(&existingHeight); err != nil {
				return fmt.Errorf("upsert committee member %s: read existing height: %w", m.Address, err)
			}
			if existingHeight > m.BlockHeight {
				return &xerrors.InvariantViolation{
					Address: m.Address,
					Err:     fmt.Errorf("committee member block_height regressed from %d to %d", existingHeight, m.BlockHeight),
				}
			}
		}
	}
	return nil
}

func insertCommitteeParticipations(ctx context.Context, tx pgx.Tx, rows []models.CommitteeParticipation) error {
	const query = `
		INSERT INTO committee_participation (validator_address, round, committee_id, block_height, timestamp)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (validator_address, round) DO NOTHING
	`
	for _, r := range rows {
		if _, err := tx.Exec(ctx, query, r.ValidatorAddress, r.Round, r.CommitteeID, r.BlockHeight, r.Timestamp); err != nil {
			return fmt.Errorf("insert committee participation %s/%d: %w", r.ValidatorAddress, r.Round, err)
		}
	}
	return nil
}

func insertSignatureParticipations(ctx context.Context, tx pgx.Tx, rows []models.SignatureParticipation) error {
	const query = `
		INSERT INTO signature_participation (validator_address, batch_id, round, committee_id, block_height, timestamp, success)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (validator_address, batch_id, round) DO NOTHING
	`
	for _, r := range rows {
		if _, err := tx.Exec(ctx, query, r.ValidatorAddress, r.BatchID, r.Round, r.CommitteeID, r.BlockHeight, r.Timestamp, r.Success); err != nil {
			return fmt.Errorf("insert signature participation %s/%s/%d: %w", r.ValidatorAddress, r.BatchID, r.Round, err)
		}
	}
	return nil
}

// LastFullySyncedHeight returns the authoritative progress marker:
// max(height) over blocks, with ok=false when the store is empty.
func (s *Store) LastFullySyncedHeight(ctx context.Context) (uint64, bool, error) {
	var height *uint64
	err := s.pool.QueryRow(ctx, `SELECT max(height) FROM blocks`).Scan(&height)
	if err != nil {
		return 0, false, fmt.Errorf("store: query last synced height: %w", err)
	}
	if height == nil {
		return 0, false, nil
	}
	return *height, true, nil
}

// LatestRound returns the highest known round, used by the uptime
// engine as the current round.
func (s *Store) LatestRound(ctx context.Context) (uint64, bool, error) {
	var round *uint64
	err := s.pool.QueryRow(ctx, `SELECT max(round) FROM blocks`).Scan(&round)
	if err != nil {
		return 0, false, fmt.Errorf("store: query latest round: %w", err)
	}
	if round == nil {
		return 0, false, nil
	}
	return *round, true, nil
}

// SetMetadata upserts a single metadata cell.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	const query = `
		INSERT INTO metadata (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`
	if _, err := s.pool.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("store: set metadata %s: %w", key, err)
	}
	return nil
}

// Metadata reads a single metadata cell.
func (s *Store) Metadata(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM metadata WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("store: read metadata %s: %w", key, err)
	}
	return value, true, nil
}

// ActiveValidators lists every validator currently marked active, the
// candidate set the uptime engine fans out over.
func (s *Store) ActiveValidators(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT address FROM committee_members WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("store: query active validators: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("store: scan validator: %w", err)
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

// EarliestRound returns the lowest round at which validator has any
// recorded participation, used to clamp the uptime window's start.
func (s *Store) EarliestRound(ctx context.Context, validator string) (uint64, bool, error) {
	const query = `
		SELECT min(round) FROM (
			SELECT round FROM committee_participation WHERE validator_address = $1
			UNION ALL
			SELECT round FROM signature_participation WHERE validator_address = $1
		) rounds
	`
	var round *uint64
	if err := s.pool.QueryRow(ctx, query, validator).Scan(&round); err != nil {
		return 0, false, fmt.Errorf("store: earliest round for %s: %w", validator, err)
	}
	if round == nil {
		return 0, false, nil
	}
	return *round, true, nil
}

// CommitteesInWindow returns, for the round window [start, end], the
// set of distinct rounds seen per committee_id.
func (s *Store) CommitteesInWindow(ctx context.Context, start, end uint64) (map[string]map[uint64]struct{}, error) {
	const query = `
		SELECT DISTINCT committee_id, round FROM batches
		WHERE round BETWEEN $1 AND $2
	`
	rows, err := s.pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("store: committees in window: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[uint64]struct{})
	for rows.Next() {
		var committeeID string
		var round uint64
		if err := rows.Scan(&committeeID, &round); err != nil {
			return nil, fmt.Errorf("store: scan committee/round: %w", err)
		}
		if out[committeeID] == nil {
			out[committeeID] = make(map[uint64]struct{})
		}
		out[committeeID][round] = struct{}{}
	}
	return out, rows.Err()
}

// ParticipatedCommittees returns, for validator over [start, end], the
// set of distinct rounds per committee_id in which validator either
// authored a batch or signed one. Either form of participation counts.
func (s *Store) ParticipatedCommittees(ctx context.Context, validator string, start, end uint64) (map[string]map[uint64]struct{}, error) {
	const query = `
		SELECT committee_id, round FROM committee_participation
		WHERE validator_address = $1 AND round BETWEEN $2 AND $3
		UNION
		SELECT committee_id, round FROM signature_participation
		WHERE validator_address = $1 AND round BETWEEN $2 AND $3
	`
	rows, err := s.pool.Query(ctx, query, validator, start, end)
	if err != nil {
		return nil, fmt.Errorf("store: participated committees for %s: %w", validator, err)
	}
	defer rows.Close()

	out := make(map[string]map[uint64]struct{})
	for rows.Next() {
		var committeeID string
		var round uint64
		if err := rows.Scan(&committeeID, &round); err != nil {
			return nil, fmt.Errorf("store: scan participation: %w", err)
		}
		if out[committeeID] == nil {
			out[committeeID] = make(map[uint64]struct{})
		}
		out[committeeID][round] = struct{}{}
	}
	return out, rows.Err()
}

// InsertUptimeSnapshot appends one UptimeSnapshot row. Snapshots are
// append-only; the most recent by CalculatedAt is authoritative.
func (s *Store) InsertUptimeSnapshot(ctx context.Context, snap models.UptimeSnapshot) error {
	const query = `
		INSERT INTO uptime_snapshots (validator_address, start_round, end_round, total_rounds, participated_rounds, uptime_percentage, calculated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`
	if _, err := s.pool.Exec(ctx, query, snap.ValidatorAddress, snap.StartRound, snap.EndRound, snap.TotalRounds, snap.ParticipatedRounds, snap.UptimePercentage); err != nil {
		return fmt.Errorf("store: insert uptime snapshot for %s: %w", snap.ValidatorAddress, err)
	}
	rowsPersisted.WithLabelValues("uptime_snapshots").Inc()
	return nil
}
