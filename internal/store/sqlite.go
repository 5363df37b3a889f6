package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/haulboard/loadhunt/internal/model"
)

// SQLiteStore implements Store on an embedded sqlite database. It serves
// single-node deployments and local development; the semantics match
// PostgresStore, including conflict-ignore inserts and status-guarded
// updates. It also implements TimeAuthority using process time, which is
// correct for a single node.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) a sqlite database at path.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Single writer; WAL keeps readers unblocked during sweeps.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: pragmas")
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS hunt_plans (
	id                    TEXT PRIMARY KEY,
	tenant_id             TEXT NOT NULL,
	vehicle_id            TEXT NOT NULL,
	enabled               BOOLEAN NOT NULL DEFAULT 0,
	vehicle_types         TEXT NOT NULL DEFAULT '[]',
	origin_postal_code    TEXT,
	origin_lat            REAL,
	origin_lng            REAL,
	radius_miles          REAL,
	available_date        TEXT,
	available_time        TEXT,
	dest_postal_code      TEXT,
	dest_radius_miles     REAL,
	floor_seq             INTEGER,
	initial_backfill_done BOOLEAN NOT NULL DEFAULT 0,
	created_by            TEXT,
	created_at            TIMESTAMP NOT NULL,
	updated_at            TIMESTAMP NOT NULL,
	deleted_at            TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_hunt_plans_tenant_enabled
	ON hunt_plans (tenant_id, enabled);

CREATE TABLE IF NOT EXISTS load_offers (
	id                 TEXT NOT NULL,
	tenant_id          TEXT NOT NULL,
	sequence_id        INTEGER NOT NULL,
	received_at        TIMESTAMP NOT NULL,
	origin_postal_code TEXT,
	origin_city        TEXT,
	origin_state       TEXT,
	origin_lat         REAL,
	origin_lng         REAL,
	dest_postal_code   TEXT,
	dest_city          TEXT,
	dest_state         TEXT,
	dest_lat           REAL,
	dest_lng           REAL,
	vehicle_type_raw   TEXT,
	pickup_date        TEXT,
	expires_at         TIMESTAMP,
	expire_deadline    TIMESTAMP,
	status             TEXT NOT NULL DEFAULT 'new',
	has_issues         BOOLEAN NOT NULL DEFAULT 0,
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
	distance_miles REAL,
	status         TEXT NOT NULL DEFAULT 'active',
	is_active      BOOLEAN NOT NULL DEFAULT 1,
	bid_rate       REAL,
	bid_by         TEXT,
	bid_at         TIMESTAMP,
	matched_at     TIMESTAMP NOT NULL,
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
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_match_actions_tenant_match
	ON match_actions (tenant_id, match_id, created_at);

CREATE TABLE IF NOT EXISTS missed_history (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	match_id      TEXT NOT NULL UNIQUE,
	load_offer_id TEXT NOT NULL,
	hunt_plan_id  TEXT NOT NULL,
	recorded_at   TIMESTAMP NOT NULL
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Now implements TimeAuthority with the local clock.
func (s *SQLiteStore) Now(_ context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

func (s *SQLiteStore) CreatePlan(ctx context.Context, plan *model.HuntPlan) error {
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	types, err := json.Marshal(plan.VehicleTypes)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode vehicle types")
	}
	now := time.Now().UTC()
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = now
	}
	plan.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO hunt_plans (id, tenant_id, vehicle_id, enabled, vehicle_types,
			origin_postal_code, origin_lat, origin_lng, radius_miles,
			available_date, available_time, dest_postal_code, dest_radius_miles,
			floor_seq, initial_backfill_done, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		plan.ID, plan.TenantID, plan.VehicleID, plan.Enabled, string(types),
		nilIfEmpty(plan.OriginPostalCode), latOf(plan.OriginCoords), lngOf(plan.OriginCoords),
		plan.RadiusMiles, nilIfEmpty(plan.AvailableDate), nilIfEmpty(plan.AvailableTime),
		nilIfEmpty(plan.DestPostalCode), plan.DestRadiusMiles,
		plan.FloorSeq, plan.InitialBackfillDone, nilIfEmpty(plan.CreatedBy),
		plan.CreatedAt, plan.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: create plan %s", plan.ID)
	}
	return nil
}

func (s *SQLiteStore) GetPlan(ctx context.Context, tenantID, planID string) (*model.HuntPlan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM hunt_plans WHERE tenant_id = ? AND id = ?`,
		tenantID, planID,
	)
	plan, err := scanPlan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get plan %s", planID)
	}
	return plan, nil
}

func (s *SQLiteStore) ListEligiblePlans(ctx context.Context, tenantID string) ([]model.HuntPlan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+planColumns+` FROM hunt_plans
		WHERE tenant_id = ? AND enabled AND initial_backfill_done AND deleted_at IS NULL
		ORDER BY created_at`,
		tenantID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list eligible plans")
	}
	defer rows.Close()

	var plans []model.HuntPlan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan plan")
		}
		plans = append(plans, *plan)
	}
	return plans, rows.Err()
}

func (s *SQLiteStore) EnablePlan(ctx context.Context, tenantID, planID string, floorSeq *int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE hunt_plans
		SET enabled = 1, floor_seq = ?, initial_backfill_done = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND deleted_at IS NULL`,
		floorSeq, time.Now().UTC(), tenantID, planID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: enable plan %s", planID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("sqlite: enable plan %s: not found", planID)
	}
	return nil
}

func (s *SQLiteStore) DisablePlan(ctx context.Context, tenantID, planID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE hunt_plans
		SET enabled = 0, floor_seq = NULL, initial_backfill_done = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND deleted_at IS NULL`,
		time.Now().UTC(), tenantID, planID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: disable plan %s", planID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("sqlite: disable plan %s: not found", planID)
	}
	return nil
}

func (s *SQLiteStore) SetBackfillDone(ctx context.Context, tenantID, planID string, done bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE hunt_plans SET initial_backfill_done = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		done, time.Now().UTC(), tenantID, planID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set backfill done for plan %s", planID)
	}
	return nil
}

func (s *SQLiteStore) SetPlanCoords(ctx context.Context, tenantID, planID string, coords *model.Coordinates) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE hunt_plans SET origin_lat = ?, origin_lng = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		latOf(coords), lngOf(coords), time.Now().UTC(), tenantID, planID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set coords for plan %s", planID)
	}
	return nil
}

func (s *SQLiteStore) SoftDeletePlan(ctx context.Context, tenantID, planID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: soft delete plan: begin tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE hunt_plans
		SET enabled = 0, floor_seq = NULL, initial_backfill_done = 0,
			deleted_at = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		now, now, tenantID, planID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: soft delete plan %s", planID)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM matches WHERE tenant_id = ? AND hunt_plan_id = ?`,
		tenantID, planID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: purge matches for plan %s", planID)
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: soft delete plan: commit")
	}
	return nil
}

func (s *SQLiteStore) ClearPlanMatches(ctx context.Context, tenantID, planID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: clear matches: begin tx")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM matches WHERE tenant_id = ? AND hunt_plan_id = ?`,
		tenantID, planID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: clear matches for plan %s", planID)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE hunt_plans
		SET floor_seq = (SELECT max(sequence_id) FROM load_offers WHERE tenant_id = ?),
			updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		tenantID, time.Now().UTC(), tenantID, planID,
	); err != nil {
		return 0, eris.Wrapf(err, "sqlite: advance floor for plan %s", planID)
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: clear matches: commit")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) InsertOffer(ctx context.Context, offer *model.LoadOffer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO load_offers (id, tenant_id, sequence_id, received_at,
			origin_postal_code, origin_city, origin_state, origin_lat, origin_lng,
			dest_postal_code, dest_city, dest_state, dest_lat, dest_lng,
			vehicle_type_raw, pickup_date, expires_at, expire_deadline, status, has_issues)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		offer.ID, offer.TenantID, offer.SequenceID, offer.ReceivedAt,
		nilIfEmpty(offer.Origin.PostalCode), nilIfEmpty(offer.Origin.City), nilIfEmpty(offer.Origin.State),
		latOf(offer.Origin.Coords), lngOf(offer.Origin.Coords),
		nilIfEmpty(offer.Dest.PostalCode), nilIfEmpty(offer.Dest.City), nilIfEmpty(offer.Dest.State),
		latOf(offer.Dest.Coords), lngOf(offer.Dest.Coords),
		nilIfEmpty(offer.VehicleTypeRaw), nilIfEmpty(offer.PickupDate),
		offer.ExpiresAt, offer.PickupDeadline(), string(offer.Status), offer.HasIssues,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert offer %s", offer.ID)
	}
	return nil
}

func (s *SQLiteStore) GetOffer(ctx context.Context, tenantID, offerID string) (*model.LoadOffer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM load_offers WHERE tenant_id = ? AND id = ?`,
		tenantID, offerID,
	)
	offer, err := scanOffer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get offer %s", offerID)
	}
	return offer, nil
}

func (s *SQLiteStore) ListOffers(ctx context.Context, tenantID string, f OfferFilter) ([]model.LoadOffer, error) {
	where := []string{"tenant_id = ?"}
	args := []any{tenantID}

	if f.SinceSequence != nil {
		where = append(where, "sequence_id > ?")
		args = append(args, *f.SinceSequence)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.ReceivedAfter != nil {
		where = append(where, "received_at >= ?")
		args = append(args, *f.ReceivedAfter)
	}

	query := `SELECT ` + offerColumns + ` FROM load_offers WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY sequence_id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list offers")
	}
	defer rows.Close()

	var offers []model.LoadOffer
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan offer")
		}
		offers = append(offers, *offer)
	}
	return offers, rows.Err()
}

func (s *SQLiteStore) LatestSequence(ctx context.Context, tenantID string) (*int64, error) {
	var seq *int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT max(sequence_id) FROM load_offers WHERE tenant_id = ?`, tenantID,
	).Scan(&seq); err != nil {
		return nil, eris.Wrap(err, "sqlite: latest sequence")
	}
	return seq, nil
}

func (s *SQLiteStore) FlagOfferIssues(ctx context.Context, tenantID, offerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE load_offers SET has_issues = 1 WHERE tenant_id = ? AND id = ?`,
		tenantID, offerID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: flag offer %s", offerID)
	}
	return nil
}

func (s *SQLiteStore) InsertMatches(ctx context.Context, matches []model.Match) (int64, error) {
	if len(matches) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert matches: begin tx")
	}
	defer tx.Rollback()

	var inserted int64
	for i := range matches {
		m := &matches[i]
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO matches (id, tenant_id, load_offer_id, hunt_plan_id,
				vehicle_id, distance_miles, status, is_active, matched_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.TenantID, m.LoadOfferID, m.HuntPlanID, m.VehicleID,
			m.DistanceMiles, string(m.Status), m.IsActive, m.MatchedAt,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert match for offer %s", m.LoadOfferID)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: insert matches: commit")
	}
	return inserted, nil
}

func (s *SQLiteStore) GetMatch(ctx context.Context, tenantID, matchID string) (*model.Match, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+matchColumns+` FROM matches WHERE tenant_id = ? AND id = ?`,
		tenantID, matchID,
	)
	m, err := scanMatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get match %s", matchID)
	}
	return m, nil
}

func (s *SQLiteStore) ListMatches(ctx context.Context, tenantID string, f MatchFilter) ([]model.Match, error) {
	where := []string{"tenant_id = ?"}
	args := []any{tenantID}

	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.VehicleID != "" {
		where = append(where, "vehicle_id = ?")
		args = append(args, f.VehicleID)
	}
	if f.HuntPlanID != "" {
		where = append(where, "hunt_plan_id = ?")
		args = append(args, f.HuntPlanID)
	}
	if f.LoadOfferID != "" {
		where = append(where, "load_offer_id = ?")
		args = append(args, f.LoadOfferID)
	}

	query := `SELECT ` + matchColumns + ` FROM matches WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY matched_at DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list matches")
	}
	defer rows.Close()

	var matches []model.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan match")
		}
		matches = append(matches, *m)
	}
	return matches, rows.Err()
}

func (s *SQLiteStore) UpdateMatchStatus(ctx context.Context, tenantID, matchID string, from, to model.MatchStatus, mut *MatchMutation) (bool, error) {
	isActive := to == model.MatchStatusActive

	var res sql.Result
	var err error
	if mut != nil {
		res, err = s.db.ExecContext(ctx, `
			UPDATE matches
			SET status = ?, is_active = ?, bid_rate = ?, bid_by = ?, bid_at = ?
			WHERE tenant_id = ? AND id = ? AND status = ?`,
			string(to), isActive, mut.BidRate, mut.BidBy, mut.BidAt,
			tenantID, matchID, string(from),
		)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE matches SET status = ?, is_active = ?
			WHERE tenant_id = ? AND id = ? AND status = ?`,
			string(to), isActive, tenantID, matchID, string(from),
		)
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: transition match %s to %s", matchID, to)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) SkipSiblingMatches(ctx context.Context, tenantID, offerID, keepMatchID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: skip siblings: begin tx")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM matches
		WHERE tenant_id = ? AND load_offer_id = ? AND id <> ? AND status = ?`,
		tenantID, offerID, keepMatchID, string(model.MatchStatusActive),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list siblings for offer %s", offerID)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan sibling id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `
		UPDATE matches SET status = ?, is_active = 0
		WHERE tenant_id = ? AND load_offer_id = ? AND id <> ? AND status = ?`,
		string(model.MatchStatusSkipped), tenantID, offerID, keepMatchID,
		string(model.MatchStatusActive),
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: skip siblings for offer %s", offerID)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: skip siblings: commit")
	}
	return ids, nil
}

func (s *SQLiteStore) CountMatchesByVehicle(ctx context.Context, tenantID string) ([]model.StatusCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT vehicle_id, status, count(*) FROM matches
		WHERE tenant_id = ?
		GROUP BY vehicle_id, status
		ORDER BY vehicle_id, status`,
		tenantID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count matches")
	}
	defer rows.Close()

	var counts []model.StatusCount
	for rows.Next() {
		var c model.StatusCount
		var status string
		if err := rows.Scan(&c.VehicleID, &status, &c.Count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan count")
		}
		c.Status = model.MatchStatus(status)
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) SweepMissed(ctx context.Context, tenantID string, matchedBefore time.Time) ([]model.MissedRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: sweep missed: begin tx")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT m.id, m.load_offer_id, m.hunt_plan_id
		FROM matches m
		JOIN load_offers o ON o.tenant_id = m.tenant_id AND o.id = m.load_offer_id
		WHERE m.tenant_id = ? AND m.status = ? AND m.is_active
			AND m.matched_at < ? AND o.status = ?
			AND NOT EXISTS (SELECT 1 FROM missed_history h WHERE h.match_id = m.id)`,
		tenantID, string(model.MatchStatusActive), matchedBefore, string(model.OfferStatusNew),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: sweep missed: select")
	}

	type candidate struct{ matchID, offerID, planID string }
	var cands []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.matchID, &c.offerID, &c.planID); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan missed candidate")
		}
		cands = append(cands, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	now := time.Now().UTC()
	var recs []model.MissedRecord
	for _, c := range cands {
		rec := model.MissedRecord{
			ID:          uuid.NewString(),
			TenantID:    tenantID,
			MatchID:     c.matchID,
			LoadOfferID: c.offerID,
			HuntPlanID:  c.planID,
			RecordedAt:  now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO missed_history (id, tenant_id, match_id, load_offer_id, hunt_plan_id, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.TenantID, rec.MatchID, rec.LoadOfferID, rec.HuntPlanID, rec.RecordedAt,
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: record missed match %s", c.matchID)
		}
		recs = append(recs, rec)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: sweep missed: commit")
	}
	return recs, nil
}

func (s *SQLiteStore) SweepExpired(ctx context.Context, tenantID string, now time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: sweep expired: begin tx")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT m.id FROM matches m
		JOIN load_offers o ON o.tenant_id = m.tenant_id AND o.id = m.load_offer_id
		WHERE m.tenant_id = ? AND m.status = ?
			AND o.expire_deadline IS NOT NULL AND o.expire_deadline <= ?`,
		tenantID, string(model.MatchStatusActive), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: sweep expired: select")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan expired match id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE matches SET status = ?, is_active = 0
			WHERE tenant_id = ? AND id = ? AND status = ?`,
			string(model.MatchStatusExpired), tenantID, id, string(model.MatchStatusActive),
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: expire match %s", id)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: sweep expired: commit")
	}
	return ids, nil
}

func (s *SQLiteStore) AppendAction(ctx context.Context, action *model.MatchAction) error {
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	var detail any
	if len(action.Detail) > 0 {
		detail = string(action.Detail)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO match_actions (id, tenant_id, match_id, actor, action, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		action.ID, action.TenantID, action.MatchID, action.Actor, action.Action, detail, action.CreatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: append action for match %s", action.MatchID)
	}
	return nil
}

func (s *SQLiteStore) ListActions(ctx context.Context, tenantID, matchID string) ([]model.MatchAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, match_id, actor, action, detail, created_at
		FROM match_actions
		WHERE tenant_id = ? AND match_id = ?
		ORDER BY created_at`,
		tenantID, matchID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list actions")
	}
	defer rows.Close()

	var actions []model.MatchAction
	for rows.Next() {
		var a model.MatchAction
		var detail *string
		if err := rows.Scan(&a.ID, &a.TenantID, &a.MatchID, &a.Actor, &a.Action, &detail, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan action")
		}
		if detail != nil {
			a.Detail = []byte(*detail)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}
