package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"coupon-redemption-api/internal/models"
	"coupon-redemption-api/internal/store"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// DB wraps the database connection and implements store.Store.
type DB struct {
	conn   *sql.DB
	driver string
}

// NewDB opens (or creates) a SQLite database file and initializes the schema.
func NewDB(dbPath string) (*DB, error) {
	return Open(DriverSQLite, dbPath+"?_foreign_keys=1&_busy_timeout=5000")
}

// Open connects with the given driver and initializes the schema.
func Open(driver, dsn string) (*DB, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		// One writer at a time; avoids SQLITE_BUSY under concurrent commits.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(20)
		conn.SetMaxIdleConns(10)
		conn.SetConnMaxLifetime(time.Hour)
	}

	db := &DB{conn: conn, driver: driver}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS coupons (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL,
			code_key TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			value TEXT NOT NULL,
			min_amount TEXT NOT NULL,
			project_tag TEXT NOT NULL,
			valid_until TEXT NOT NULL,
			remaining_quantity INTEGER NOT NULL CHECK (remaining_quantity >= 0),
			description TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS redemptions (
			project_id TEXT PRIMARY KEY,
			coupon_id TEXT NOT NULL REFERENCES coupons(id),
			coupon_code TEXT NOT NULL,
			applied_at TEXT NOT NULL,
			original_budget TEXT NOT NULL,
			discounted_amount TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_redemptions_coupon ON redemptions(coupon_id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// rebind rewrites '?' placeholders into '$n' for postgres.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// PutCoupon creates or updates a coupon.
func (db *DB) PutCoupon(ctx context.Context, c models.CouponDefinition) error {
	query := `INSERT INTO coupons (
		id, code, code_key, kind, value, min_amount,
		project_tag, valid_until, remaining_quantity, description, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		code = excluded.code,
		code_key = excluded.code_key,
		kind = excluded.kind,
		value = excluded.value,
		min_amount = excluded.min_amount,
		project_tag = excluded.project_tag,
		valid_until = excluded.valid_until,
		remaining_quantity = excluded.remaining_quantity,
		description = excluded.description,
		updated_at = excluded.updated_at`

	_, err := db.conn.ExecContext(ctx, db.rebind(query),
		c.ID,
		c.Code,
		models.NormalizeCode(c.Code),
		string(c.Kind),
		c.Value.String(),
		c.MinAmount.String(),
		c.ApplicabilityTag,
		c.ValidUntil.Format(models.DateLayout),
		c.RemainingQuantity,
		c.Description,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert coupon: %w", err)
	}

	return nil
}

// ListCoupons returns every coupon.
func (db *DB) ListCoupons(ctx context.Context) ([]models.CouponDefinition, error) {
	query := `SELECT id, code, kind, value, min_amount, project_tag,
		valid_until, remaining_quantity, description
		FROM coupons
		ORDER BY code_key`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query coupons: %w", err)
	}
	defer rows.Close()

	var coupons []models.CouponDefinition
	for rows.Next() {
		var c models.CouponDefinition
		var kind, value, minAmount, validUntil string

		err := rows.Scan(
			&c.ID,
			&c.Code,
			&kind,
			&value,
			&minAmount,
			&c.ApplicabilityTag,
			&validUntil,
			&c.RemainingQuantity,
			&c.Description,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan coupon: %w", err)
		}

		c.Kind = models.DiscountKind(kind)
		if c.Value, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("failed to parse value of coupon %s: %w", c.ID, err)
		}
		if c.MinAmount, err = decimal.NewFromString(minAmount); err != nil {
			return nil, fmt.Errorf("failed to parse min_amount of coupon %s: %w", c.ID, err)
		}
		if c.ValidUntil, err = time.Parse(models.DateLayout, validUntil); err != nil {
			return nil, fmt.Errorf("failed to parse valid_until of coupon %s: %w", c.ID, err)
		}

		coupons = append(coupons, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating coupons: %w", err)
	}

	return coupons, nil
}

// ListRedemptions returns every committed redemption.
func (db *DB) ListRedemptions(ctx context.Context) ([]models.RedemptionRecord, error) {
	query := `SELECT project_id, applied_at, coupon_code, original_budget, discounted_amount
		FROM redemptions
		ORDER BY applied_at, project_id`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query redemptions: %w", err)
	}
	defer rows.Close()

	var records []models.RedemptionRecord
	for rows.Next() {
		var r models.RedemptionRecord
		var appliedAt, budget, discounted string

		if err := rows.Scan(&r.ProjectID, &appliedAt, &r.CouponCode, &budget, &discounted); err != nil {
			return nil, fmt.Errorf("failed to scan redemption: %w", err)
		}

		var err error
		if r.AppliedAt, err = time.Parse(models.DateLayout, appliedAt); err != nil {
			return nil, fmt.Errorf("failed to parse applied_at for %s: %w", r.ProjectID, err)
		}
		if r.OriginalBudget, err = decimal.NewFromString(budget); err != nil {
			return nil, fmt.Errorf("failed to parse original_budget for %s: %w", r.ProjectID, err)
		}
		if r.DiscountedAmount, err = decimal.NewFromString(discounted); err != nil {
			return nil, fmt.Errorf("failed to parse discounted_amount for %s: %w", r.ProjectID, err)
		}

		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating redemptions: %w", err)
	}

	return records, nil
}

// Redeem decrements the coupon and inserts the ledger row in one transaction.
func (db *DB) Redeem(ctx context.Context, couponID string, rec models.RedemptionRecord) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing int
	err = tx.QueryRowContext(ctx,
		db.rebind(`SELECT COUNT(*) FROM redemptions WHERE project_id = ?`),
		rec.ProjectID,
	).Scan(&existing)
	if err != nil {
		return fmt.Errorf("failed to check redemptions: %w", err)
	}
	if existing > 0 {
		return store.ErrAlreadyRedeemed
	}

	res, err := tx.ExecContext(ctx,
		db.rebind(`UPDATE coupons
			SET remaining_quantity = remaining_quantity - 1, updated_at = ?
			WHERE id = ? AND remaining_quantity > 0`),
		time.Now().UTC().Format(time.RFC3339),
		couponID,
	)
	if err != nil {
		return fmt.Errorf("failed to decrement coupon %s: %w", couponID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to decrement coupon %s: %w", couponID, err)
	}
	if affected == 0 {
		var qty int
		err := tx.QueryRowContext(ctx,
			db.rebind(`SELECT remaining_quantity FROM coupons WHERE id = ?`),
			couponID,
		).Scan(&qty)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read coupon %s: %w", couponID, err)
		}
		return store.ErrSoldOut
	}

	_, err = tx.ExecContext(ctx,
		db.rebind(`INSERT INTO redemptions (
			project_id, coupon_id, coupon_code, applied_at, original_budget, discounted_amount
		) VALUES (?, ?, ?, ?, ?, ?)`),
		rec.ProjectID,
		couponID,
		rec.CouponCode,
		rec.AppliedAt.Format(models.DateLayout),
		rec.OriginalBudget.String(),
		rec.DiscountedAmount.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert redemption for %s: %w", rec.ProjectID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
