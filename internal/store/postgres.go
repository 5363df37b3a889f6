package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/haulboard/loadhunt/internal/db"
	"github.com/haulboard/loadhunt/internal/model"
)

// PostgresStore implements Store using pgxpool. It also implements
// TimeAuthority, using the database clock so expiration decisions do not
// depend on any single client's wall time.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS hunt_plans (
	id                    TEXT PRIMARY KEY,
	tenant_id             TEXT NOT NULL,
	vehicle_id            TEXT NOT NULL,
	enabled               BOOLEAN NOT NULL DEFAULT false,
	vehicle_types         TEXT NOT NULL DEFAULT '[]',
	origin_postal_code    TEXT,
	origin_lat            DOUBLE PRECISION,
	origin_lng            DOUBLE PRECISION,
	radius_miles          DOUBLE PRECISION,
	available_date        TEXT,
	available_time        TEXT,
	dest_postal_code      TEXT,
	dest_radius_miles     DOUBLE PRECISION,
	floor_seq             BIGINT,
	initial_backfill_done BOOLEAN NOT NULL DEFAULT false,
	created_by            TEXT,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at            TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_hunt_plans_tenant_enabled
	ON hunt_plans (tenant_id, enabled) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS load_offers (
	id                 TEXT NOT NULL,
	tenant_id          TEXT NOT NULL,
	sequence_id        BIGINT NOT NULL,
	received_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	origin_postal_code TEXT,
	origin_city        TEXT,
	origin_state       TEXT,
	origin_lat         DOUBLE PRECISION,
	origin_lng         DOUBLE PRECISION,
	dest_postal_code   TEXT,
	dest_city          TEXT,
	dest_state         TEXT,
	dest_lat           DOUBLE PRECISION,
	dest_lng           DOUBLE PRECISION,
	vehicle_type_raw   TEXT,
	pickup_date        TEXT,
	expires_at         TIMESTAMPTZ,
	expire_deadline    TIMESTAMPTZ,
	status             TEXT NOT NULL DEFAULT 'new',
	has_issues         BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (tenant_id, id),
	UNIQUE (tenant_id, sequence_id)
);

CREATE INDEX IF NOT EXISTS idx_load_offers_tenant_status_seq
	ON load_offers (tenant_id, status, sequence_id);

CREATE TABLE IF NOT EXISTS matches (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	load_offer_id  TEXT NOT NULL,
	hunt_plan_id   TEXT NOT NULL,
	vehicle_id     TEXT NOT NULL,
	distance_miles DOUBLE PRECISION,
	status         TEXT NOT NULL DEFAULT 'active',
	is_active      BOOLEAN NOT NULL DEFAULT true,
	bid_rate       DOUBLE PRECISION,
	bid_by         TEXT,
	bid_at         TIMESTAMPTZ,
	matched_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant_id, load_offer_id, hunt_plan_id)
);

CREATE INDEX IF NOT EXISTS idx_matches_tenant_status ON matches (tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_matches_tenant_offer ON matches (tenant_id, load_offer_id);

CREATE TABLE IF NOT EXISTS match_actions (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	match_id   TEXT NOT NULL,
	actor      TEXT NOT NULL,
	action     TEXT NOT NULL,
	detail     TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_match_actions_tenant_match
	ON match_actions (tenant_id, match_id, created_at);

CREATE TABLE IF NOT EXISTS missed_history (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	match_id      TEXT NOT NULL UNIQUE,
	load_offer_id TEXT NOT NULL,
	hunt_plan_id  TEXT NOT NULL,
	recorded_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Now implements TimeAuthority via the database clock.
func (s *PostgresStore) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, eris.Wrap(err, "postgres: now")
	}
	return now, nil
}

const planColumns = `id, tenant_id, vehicle_id, enabled, vehicle_types, origin_postal_code,
	origin_lat, origin_lng, radius_miles, available_date, available_time,
	dest_postal_code, dest_radius_miles, floor_seq, initial_backfill_done,
	created_by, created_at, updated_at, deleted_at`

// CreatePlan inserts a new hunt plan. A missing ID is generated.
func (s *PostgresStore) CreatePlan(ctx context.Context, plan *model.HuntPlan) error {
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	types, err := json.Marshal(plan.VehicleTypes)
	if err != nil {
		return eris.Wrap(err, "postgres: encode vehicle types")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO hunt_plans (id, tenant_id, vehicle_id, enabled, vehicle_types,
			origin_postal_code, origin_lat, origin_lng, radius_miles,
			available_date, available_time, dest_postal_code, dest_radius_miles,
			floor_seq, initial_backfill_done, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, now(), now())`,
		plan.ID, plan.TenantID, plan.VehicleID, plan.Enabled, string(types),
		nilIfEmpty(plan.OriginPostalCode), latOf(plan.OriginCoords), lngOf(plan.OriginCoords),
		plan.RadiusMiles, nilIfEmpty(plan.AvailableDate), nilIfEmpty(plan.AvailableTime),
		nilIfEmpty(plan.DestPostalCode), plan.DestRadiusMiles,
		plan.FloorSeq, plan.InitialBackfillDone, nilIfEmpty(plan.CreatedBy),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: create plan %s", plan.ID)
	}
	return nil
}

// GetPlan fetches one plan by id, soft-deleted plans included.
func (s *PostgresStore) GetPlan(ctx context.Context, tenantID, planID string) (*model.HuntPlan, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+planColumns+` FROM hunt_plans WHERE tenant_id = $1 AND id = $2`,
		tenantID, planID,
	)
	plan, err := scanPlan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get plan %s", planID)
	}
	return plan, nil
}

// ListEligiblePlans returns the plans that participate in forward matching:
// enabled, backfilled, not deleted.
func (s *PostgresStore) ListEligiblePlans(ctx context.Context, tenantID string) ([]model.HuntPlan, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+planColumns+` FROM hunt_plans
		WHERE tenant_id = $1 AND enabled AND initial_backfill_done AND deleted_at IS NULL
		ORDER BY created_at`,
		tenantID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list eligible plans")
	}
	defer rows.Close()

	var plans []model.HuntPlan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan plan")
		}
		plans = append(plans, *plan)
	}
	return plans, rows.Err()
}

// EnablePlan marks a plan enabled with the given floor and resets the
// backfill flag. The floor, not the flag, bounds which offers the plan may
// ever match; the flag gates when forward matching starts.
func (s *PostgresStore) EnablePlan(ctx context.Context, tenantID, planID string, floorSeq *int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE hunt_plans
		SET enabled = true, floor_seq = $3, initial_backfill_done = false, updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`,
		tenantID, planID, floorSeq,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: enable plan %s", planID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: enable plan %s: not found", planID)
	}
	return nil
}

// DisablePlan disables a plan and clears its cursor state. Existing matches
// are left untouched.
func (s *PostgresStore) DisablePlan(ctx context.Context, tenantID, planID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE hunt_plans
		SET enabled = false, floor_seq = NULL, initial_backfill_done = false, updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`,
		tenantID, planID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: disable plan %s", planID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: disable plan %s: not found", planID)
	}
	return nil
}

// SetBackfillDone flips the forward-matching gate.
func (s *PostgresStore) SetBackfillDone(ctx context.Context, tenantID, planID string, done bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE hunt_plans SET initial_backfill_done = $3, updated_at = now()
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, planID, done,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set backfill done for plan %s", planID)
	}
	return nil
}

// SetPlanCoords persists resolved origin coordinates for a plan, so the
// geocode lookup happens once rather than on every evaluation pass.
func (s *PostgresStore) SetPlanCoords(ctx context.Context, tenantID, planID string, coords *model.Coordinates) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE hunt_plans SET origin_lat = $3, origin_lng = $4, updated_at = now()
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, planID, latOf(coords), lngOf(coords),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set coords for plan %s", planID)
	}
	return nil
}

// SoftDeletePlan disables and tombstones a plan and purges its matches.
// The plan row survives so historical references stay resolvable.
func (s *PostgresStore) SoftDeletePlan(ctx context.Context, tenantID, planID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: soft delete plan: begin tx")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE hunt_plans
		SET enabled = false, floor_seq = NULL, initial_backfill_done = false,
			deleted_at = now(), updated_at = now()
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, planID,
	); err != nil {
		return eris.Wrapf(err, "postgres: soft delete plan %s", planID)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM matches WHERE tenant_id = $1 AND hunt_plan_id = $2`,
		tenantID, planID,
	); err != nil {
		return eris.Wrapf(err, "postgres: purge matches for plan %s", planID)
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: soft delete plan: commit")
	}
	return nil
}

// ClearPlanMatches deletes a plan's matches and advances its floor to the
// latest known sequence, so only genuinely new offers can match again.
func (s *PostgresStore) ClearPlanMatches(ctx context.Context, tenantID, planID string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: clear matches: begin tx")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`DELETE FROM matches WHERE tenant_id = $1 AND hunt_plan_id = $2`,
		tenantID, planID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: clear matches for plan %s", planID)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE hunt_plans
		SET floor_seq = (SELECT max(sequence_id) FROM load_offers WHERE tenant_id = $1),
			updated_at = now()
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, planID,
	); err != nil {
		return 0, eris.Wrapf(err, "postgres: advance floor for plan %s", planID)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: clear matches: commit")
	}
	return tag.RowsAffected(), nil
}

const offerColumns = `id, tenant_id, sequence_id, received_at,
	origin_postal_code, origin_city, origin_state, origin_lat, origin_lng,
	dest_postal_code, dest_city, dest_state, dest_lat, dest_lng,
	vehicle_type_raw, pickup_date, expires_at, status, has_issues`

// InsertOffer records a load offer, ignoring duplicates by (tenant, id).
// The expiration deadline is derived once here, so sweeps never parse
// free-text dates.
func (s *PostgresStore) InsertOffer(ctx context.Context, offer *model.LoadOffer) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO load_offers (id, tenant_id, sequence_id, received_at,
			origin_postal_code, origin_city, origin_state, origin_lat, origin_lng,
			dest_postal_code, dest_city, dest_state, dest_lat, dest_lng,
			vehicle_type_raw, pickup_date, expires_at, expire_deadline, status, has_issues)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (tenant_id, id) DO NOTHING`,
		offer.ID, offer.TenantID, offer.SequenceID, offer.ReceivedAt,
		nilIfEmpty(offer.Origin.PostalCode), nilIfEmpty(offer.Origin.City), nilIfEmpty(offer.Origin.State),
		latOf(offer.Origin.Coords), lngOf(offer.Origin.Coords),
		nilIfEmpty(offer.Dest.PostalCode), nilIfEmpty(offer.Dest.City), nilIfEmpty(offer.Dest.State),
		latOf(offer.Dest.Coords), lngOf(offer.Dest.Coords),
		nilIfEmpty(offer.VehicleTypeRaw), nilIfEmpty(offer.PickupDate),
		offer.ExpiresAt, offer.PickupDeadline(), offer.Status, offer.HasIssues,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert offer %s", offer.ID)
	}
	return nil
}

// GetOffer fetches one offer by id.
func (s *PostgresStore) GetOffer(ctx context.Context, tenantID, offerID string) (*model.LoadOffer, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+offerColumns+` FROM load_offers WHERE tenant_id = $1 AND id = $2`,
		tenantID, offerID,
	)
	offer, err := scanOffer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get offer %s", offerID)
	}
	return offer, nil
}

// ListOffers returns offers matching the filter in sequence order.
func (s *PostgresStore) ListOffers(ctx context.Context, tenantID string, f OfferFilter) ([]model.LoadOffer, error) {
	where := []string{"tenant_id = $1"}
	args := []any{tenantID}

	if f.SinceSequence != nil {
		args = append(args, *f.SinceSequence)
		where = append(where, fmt.Sprintf("sequence_id > $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.ReceivedAfter != nil {
		args = append(args, *f.ReceivedAfter)
		where = append(where, fmt.Sprintf("received_at >= $%d", len(args)))
	}

	query := `SELECT ` + offerColumns + ` FROM load_offers WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY sequence_id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list offers")
	}
	defer rows.Close()

	var offers []model.LoadOffer
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan offer")
		}
		offers = append(offers, *offer)
	}
	return offers, rows.Err()
}

// LatestSequence returns the highest sequence_id known for a tenant, or nil
// when no offers exist yet.
func (s *PostgresStore) LatestSequence(ctx context.Context, tenantID string) (*int64, error) {
	var seq *int64
	if err := s.pool.QueryRow(ctx,
		`SELECT max(sequence_id) FROM load_offers WHERE tenant_id = $1`, tenantID,
	).Scan(&seq); err != nil {
		return nil, eris.Wrap(err, "postgres: latest sequence")
	}
	return seq, nil
}

// FlagOfferIssues marks an offer for operator review.
func (s *PostgresStore) FlagOfferIssues(ctx context.Context, tenantID, offerID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE load_offers SET has_issues = true WHERE tenant_id = $1 AND id = $2`,
		tenantID, offerID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: flag offer %s", offerID)
	}
	return nil
}

// matchInsertColumns is the column order used for batch match inserts.
var matchInsertColumns = []string{
	"id", "tenant_id", "load_offer_id", "hunt_plan_id", "vehicle_id",
	"distance_miles", "status", "is_active", "matched_at",
}

// InsertMatches batch-inserts matches, ignoring (tenant, offer, plan)
// conflicts. A conflicting pair was already discovered, possibly in a state
// an operator has since acted on, and must not be overwritten.
func (s *PostgresStore) InsertMatches(ctx context.Context, matches []model.Match) (int64, error) {
	if len(matches) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(matches))
	for i := range matches {
		m := &matches[i]
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		rows = append(rows, []any{
			m.ID, m.TenantID, m.LoadOfferID, m.HuntPlanID, m.VehicleID,
			m.DistanceMiles, string(m.Status), m.IsActive, m.MatchedAt,
		})
	}

	n, err := db.InsertIgnore(ctx, s.pool, db.InsertIgnoreConfig{
		Table:        "matches",
		Columns:      matchInsertColumns,
		ConflictKeys: []string{"tenant_id", "load_offer_id", "hunt_plan_id"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert matches")
	}
	return n, nil
}

const matchColumns = `id, tenant_id, load_offer_id, hunt_plan_id, vehicle_id,
	distance_miles, status, is_active, bid_rate, bid_by, bid_at, matched_at`

// GetMatch fetches one match by id.
func (s *PostgresStore) GetMatch(ctx context.Context, tenantID, matchID string) (*model.Match, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+matchColumns+` FROM matches WHERE tenant_id = $1 AND id = $2`,
		tenantID, matchID,
	)
	m, err := scanMatch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get match %s", matchID)
	}
	return m, nil
}

// ListMatches returns matches matching the filter, newest first.
func (s *PostgresStore) ListMatches(ctx context.Context, tenantID string, f MatchFilter) ([]model.Match, error) {
	where := []string{"tenant_id = $1"}
	args := []any{tenantID}

	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.VehicleID != "" {
		args = append(args, f.VehicleID)
		where = append(where, fmt.Sprintf("vehicle_id = $%d", len(args)))
	}
	if f.HuntPlanID != "" {
		args = append(args, f.HuntPlanID)
		where = append(where, fmt.Sprintf("hunt_plan_id = $%d", len(args)))
	}
	if f.LoadOfferID != "" {
		args = append(args, f.LoadOfferID)
		where = append(where, fmt.Sprintf("load_offer_id = $%d", len(args)))
	}

	query := `SELECT ` + matchColumns + ` FROM matches WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY matched_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list matches")
	}
	defer rows.Close()

	var matches []model.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan match")
		}
		matches = append(matches, *m)
	}
	return matches, rows.Err()
}

// UpdateMatchStatus applies a status-guarded transition. It returns false
// when the match was not in the expected `from` state: a concurrent actor
// won, and the caller must treat the transition as not applied.
func (s *PostgresStore) UpdateMatchStatus(ctx context.Context, tenantID, matchID string, from, to model.MatchStatus, mut *MatchMutation) (bool, error) {
	isActive := to == model.MatchStatusActive

	var tag interface{ RowsAffected() int64 }
	var err error
	if mut != nil {
		tag, err = s.pool.Exec(ctx, `
			UPDATE matches
			SET status = $1, is_active = $2, bid_rate = $3, bid_by = $4, bid_at = $5
			WHERE tenant_id = $6 AND id = $7 AND status = $8`,
			string(to), isActive, mut.BidRate, mut.BidBy, mut.BidAt,
			tenantID, matchID, string(from),
		)
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE matches SET status = $1, is_active = $2
			WHERE tenant_id = $3 AND id = $4 AND status = $5`,
			string(to), isActive, tenantID, matchID, string(from),
		)
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition match %s to %s", matchID, to)
	}
	return tag.RowsAffected() > 0, nil
}

// SkipSiblingMatches skips every other active match for the same offer and
// returns the affected match ids. Used for the bid cascade: once the offer
// is committed to one vehicle the remaining candidates are moot.
func (s *PostgresStore) SkipSiblingMatches(ctx context.Context, tenantID, offerID, keepMatchID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE matches SET status = $1, is_active = false
		WHERE tenant_id = $2 AND load_offer_id = $3 AND id <> $4 AND status = $5
		RETURNING id`,
		string(model.MatchStatusSkipped), tenantID, offerID, keepMatchID,
		string(model.MatchStatusActive),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: skip siblings for offer %s", offerID)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan skipped match id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountMatchesByVehicle returns per-vehicle, per-status match counts.
func (s *PostgresStore) CountMatchesByVehicle(ctx context.Context, tenantID string) ([]model.StatusCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT vehicle_id, status, count(*) FROM matches
		WHERE tenant_id = $1
		GROUP BY vehicle_id, status
		ORDER BY vehicle_id, status`,
		tenantID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count matches")
	}
	defer rows.Close()

	var counts []model.StatusCount
	for rows.Next() {
		var c model.StatusCount
		var status string
		if err := rows.Scan(&c.VehicleID, &status, &c.Count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan count")
		}
		c.Status = model.MatchStatus(status)
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// SweepMissed records a missed-history row for every active match older than
// matchedBefore whose offer is still untouched. The match keeps its status:
// missed-history is an observational side-channel for reporting, not a
// lifecycle transition. UNIQUE(match_id) plus conflict-ignore makes the
// sweep safe to re-run.
func (s *PostgresStore) SweepMissed(ctx context.Context, tenantID string, matchedBefore time.Time) ([]model.MissedRecord, error) {
	rows, err := s.pool.Query(ctx, `
		INSERT INTO missed_history (id, tenant_id, match_id, load_offer_id, hunt_plan_id, recorded_at)
		SELECT gen_random_uuid()::text, m.tenant_id, m.id, m.load_offer_id, m.hunt_plan_id, now()
		FROM matches m
		JOIN load_offers o ON o.tenant_id = m.tenant_id AND o.id = m.load_offer_id
		WHERE m.tenant_id = $1 AND m.status = $2 AND m.is_active
			AND m.matched_at < $3 AND o.status = $4
		ON CONFLICT (match_id) DO NOTHING
		RETURNING id, tenant_id, match_id, load_offer_id, hunt_plan_id, recorded_at`,
		tenantID, string(model.MatchStatusActive), matchedBefore, string(model.OfferStatusNew),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: sweep missed")
	}
	defer rows.Close()

	var recs []model.MissedRecord
	for rows.Next() {
		var r model.MissedRecord
		if err := rows.Scan(&r.ID, &r.TenantID, &r.MatchID, &r.LoadOfferID, &r.HuntPlanID, &r.RecordedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan missed record")
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// SweepExpired transitions active matches whose offer deadline has passed
// and returns the affected match ids. `now` comes from the TimeAuthority,
// not the caller's clock.
func (s *PostgresStore) SweepExpired(ctx context.Context, tenantID string, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE matches m SET status = $1, is_active = false
		FROM load_offers o
		WHERE m.tenant_id = $2 AND m.status = $3
			AND o.tenant_id = m.tenant_id AND o.id = m.load_offer_id
			AND o.expire_deadline IS NOT NULL AND o.expire_deadline <= $4
		RETURNING m.id`,
		string(model.MatchStatusExpired), tenantID, string(model.MatchStatusActive), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: sweep expired")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan expired match id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendAction records one lifecycle transition in the append-only history.
func (s *PostgresStore) AppendAction(ctx context.Context, action *model.MatchAction) error {
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	var detail any
	if len(action.Detail) > 0 {
		detail = string(action.Detail)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO match_actions (id, tenant_id, match_id, actor, action, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		action.ID, action.TenantID, action.MatchID, action.Actor, action.Action, detail,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: append action for match %s", action.MatchID)
	}
	return nil
}

// ListActions returns the action history for one match, oldest first.
func (s *PostgresStore) ListActions(ctx context.Context, tenantID, matchID string) ([]model.MatchAction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, match_id, actor, action, detail, created_at
		FROM match_actions
		WHERE tenant_id = $1 AND match_id = $2
		ORDER BY created_at`,
		tenantID, matchID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list actions")
	}
	defer rows.Close()

	var actions []model.MatchAction
	for rows.Next() {
		var a model.MatchAction
		var detail *string
		if err := rows.Scan(&a.ID, &a.TenantID, &a.MatchID, &a.Actor, &a.Action, &detail, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan action")
		}
		if detail != nil {
			a.Detail = []byte(*detail)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (*model.HuntPlan, error) {
	var p model.HuntPlan
	var types string
	var originPostal, availableDate, availableTime, destPostal, createdBy *string
	var originLat, originLng *float64

	err := row.Scan(&p.ID, &p.TenantID, &p.VehicleID, &p.Enabled, &types, &originPostal,
		&originLat, &originLng, &p.RadiusMiles, &availableDate, &availableTime,
		&destPostal, &p.DestRadiusMiles, &p.FloorSeq, &p.InitialBackfillDone,
		&createdBy, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(types), &p.VehicleTypes); err != nil {
		return nil, eris.Wrap(err, "decode vehicle types")
	}
	p.OriginPostalCode = deref(originPostal)
	p.AvailableDate = deref(availableDate)
	p.AvailableTime = deref(availableTime)
	p.DestPostalCode = deref(destPostal)
	p.CreatedBy = deref(createdBy)
	if originLat != nil && originLng != nil {
		p.OriginCoords = &model.Coordinates{Lat: *originLat, Lng: *originLng}
	}
	return &p, nil
}

func scanOffer(row rowScanner) (*model.LoadOffer, error) {
	var o model.LoadOffer
	var status string
	var oPostal, oCity, oState, dPostal, dCity, dState, vehicleType, pickupDate *string
	var oLat, oLng, dLat, dLng *float64

	err := row.Scan(&o.ID, &o.TenantID, &o.SequenceID, &o.ReceivedAt,
		&oPostal, &oCity, &oState, &oLat, &oLng,
		&dPostal, &dCity, &dState, &dLat, &dLng,
		&vehicleType, &pickupDate, &o.ExpiresAt, &status, &o.HasIssues)
	if err != nil {
		return nil, err
	}

	o.Origin = model.Location{PostalCode: deref(oPostal), City: deref(oCity), State: deref(oState)}
	if oLat != nil && oLng != nil {
		o.Origin.Coords = &model.Coordinates{Lat: *oLat, Lng: *oLng}
	}
	o.Dest = model.Location{PostalCode: deref(dPostal), City: deref(dCity), State: deref(dState)}
	if dLat != nil && dLng != nil {
		o.Dest.Coords = &model.Coordinates{Lat: *dLat, Lng: *dLng}
	}
	o.VehicleTypeRaw = deref(vehicleType)
	o.PickupDate = deref(pickupDate)
	o.Status = model.OfferStatus(status)
	return &o, nil
}

func scanMatch(row rowScanner) (*model.Match, error) {
	var m model.Match
	var status string

	err := row.Scan(&m.ID, &m.TenantID, &m.LoadOfferID, &m.HuntPlanID, &m.VehicleID,
		&m.DistanceMiles, &status, &m.IsActive, &m.BidRate, &m.BidBy, &m.BidAt, &m.MatchedAt)
	if err != nil {
		return nil, err
	}
	m.Status = model.MatchStatus(status)
	return &m, nil
}

// nilIfEmpty returns nil for empty strings, allowing NULL storage.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func latOf(c *model.Coordinates) *float64 {
	if c == nil {
		return nil
	}
	return &c.Lat
}

func lngOf(c *model.Coordinates) *float64 {
	if c == nil {
		return nil
	}
	return &c.Lng
}
