// Package db provides storage for monitor rules, fire bookkeeping and
// per-user vendor credentials.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUserIDRequired = errors.New("user_id is required")
	ErrNotFound       = errors.New("record not found")
)

const ruleColumns = `
	id, user_id, name, enabled, trigger_type, trigger_config,
	action_type, action_config, COALESCE(instrument_token, ''),
	fire_count, max_fires, expires_at, fired_at,
	COALESCE(source_order_id, ''), created_at, updated_at`

func scanRule(row interface{ Scan(...any) error }) (MonitorRule, error) {
	var r MonitorRule
	err := row.Scan(&r.ID, &r.UserID, &r.Name, &r.Enabled, &r.TriggerType, &r.TriggerConfig,
		&r.ActionType, &r.ActionConfig, &r.InstrumentToken,
		&r.FireCount, &r.MaxFires, &r.ExpiresAt, &r.FiredAt,
		&r.SourceOrderID, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// GetActiveRules returns every rule the daemon should be monitoring:
// enabled, not expired, and under its fire limit. All users at once.
func (d *Database) GetActiveRules(ctx context.Context) ([]MonitorRule, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM monitor_rules
		WHERE enabled = 1
		  AND (expires_at IS NULL OR expires_at > CURRENT_TIMESTAMP)
		  AND (max_fires <= 0 OR fire_count < max_fires)
		ORDER BY user_id, created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("query active rules: %w", err)
	}
	defer rows.Close()

	var rules []MonitorRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// GetRule returns one rule by id.
func (d *Database) GetRule(ctx context.Context, id string) (*MonitorRule, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM monitor_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query rule: %w", err)
	}
	return &r, nil
}

// CreateRule inserts a new rule row.
func (d *Database) CreateRule(ctx context.Context, r MonitorRule) error {
	if r.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO monitor_rules (
			id, user_id, name, enabled, trigger_type, trigger_config,
			action_type, action_config, instrument_token,
			fire_count, max_fires, expires_at, source_order_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, NULLIF(?, ''))
	`, r.ID, r.UserID, r.Name, r.Enabled, r.TriggerType, r.TriggerConfig,
		r.ActionType, r.ActionConfig, r.InstrumentToken,
		r.FireCount, r.MaxFires, r.ExpiresAt, r.SourceOrderID)
	return err
}

// UpdateTriggerConfig replaces a rule's trigger_config payload. Used by the
// daemon to persist stateful trigger updates (trailing-stop high-water mark).
func (d *Database) UpdateTriggerConfig(ctx context.Context, id, triggerConfig string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE monitor_rules
		SET trigger_config = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, triggerConfig, id)
	if err != nil {
		return fmt.Errorf("update trigger config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordFire bumps the rule's fire bookkeeping and inserts the fire/order
// linkage in one transaction.
func (d *Database) RecordFire(ctx context.Context, ruleID, orderID string, price float64) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fire tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE monitor_rules
		SET fire_count = fire_count + 1,
		    fired_at = CURRENT_TIMESTAMP,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, ruleID)
	if err != nil {
		return fmt.Errorf("update fire count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rule_fires (id, rule_id, order_id, price)
		VALUES (?, ?, NULLIF(?, ''), ?)
	`, uuid.NewString(), ruleID, orderID, price)
	if err != nil {
		return fmt.Errorf("insert rule fire: %w", err)
	}

	return tx.Commit()
}

// DisableRule turns a rule off without deleting it.
func (d *Database) DisableRule(ctx context.Context, id string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE monitor_rules SET enabled = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, id)
	return err
}

// GetFiresForRule lists fire records for a rule, newest first.
func (d *Database) GetFiresForRule(ctx context.Context, ruleID string) ([]RuleFire, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, rule_id, COALESCE(order_id, ''), COALESCE(price, 0), fired_at
		FROM rule_fires WHERE rule_id = ? ORDER BY fired_at DESC
	`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("query rule fires: %w", err)
	}
	defer rows.Close()

	var fires []RuleFire
	for rows.Next() {
		var f RuleFire
		if err := rows.Scan(&f.ID, &f.RuleID, &f.OrderID, &f.Price, &f.FiredAt); err != nil {
			return nil, fmt.Errorf("scan rule fire: %w", err)
		}
		fires = append(fires, f)
	}
	return fires, rows.Err()
}

// GetUserToken returns the stored encrypted token row for a user.
func (d *Database) GetUserToken(ctx context.Context, userID string) (*UserToken, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	var t UserToken
	err := d.DB.QueryRowContext(ctx, `
		SELECT user_id, token_encrypted, key_version, expires_at, updated_at
		FROM user_tokens WHERE user_id = ?
	`, userID).Scan(&t.UserID, &t.TokenEncrypted, &t.KeyVersion, &t.ExpiresAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user token: %w", err)
	}
	return &t, nil
}

// SaveUserToken upserts the encrypted token for a user.
func (d *Database) SaveUserToken(ctx context.Context, userID, tokenEncrypted string, keyVersion int, expiresAt *time.Time) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO user_tokens (user_id, token_encrypted, key_version, expires_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			token_encrypted = excluded.token_encrypted,
			key_version = excluded.key_version,
			expires_at = excluded.expires_at,
			updated_at = CURRENT_TIMESTAMP
	`, userID, tokenEncrypted, keyVersion, expiresAt)
	return err
}

// GetUserCredentials returns the stored auto-login material for a user.
func (d *Database) GetUserCredentials(ctx context.Context, userID string) (*UserCredentials, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	var c UserCredentials
	err := d.DB.QueryRowContext(ctx, `
		SELECT user_id, mobile, pin_encrypted, totp_secret_encrypted, key_version, updated_at
		FROM user_credentials WHERE user_id = ?
	`, userID).Scan(&c.UserID, &c.Mobile, &c.PinEncrypted, &c.TOTPSecretEncrypted, &c.KeyVersion, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user credentials: %w", err)
	}
	return &c, nil
}

// SaveUserCredentials upserts auto-login material for a user.
func (d *Database) SaveUserCredentials(ctx context.Context, c UserCredentials) error {
	if c.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO user_credentials (user_id, mobile, pin_encrypted, totp_secret_encrypted, key_version, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			mobile = excluded.mobile,
			pin_encrypted = excluded.pin_encrypted,
			totp_secret_encrypted = excluded.totp_secret_encrypted,
			key_version = excluded.key_version,
			updated_at = CURRENT_TIMESTAMP
	`, c.UserID, c.Mobile, c.PinEncrypted, c.TOTPSecretEncrypted, c.KeyVersion)
	return err
}
