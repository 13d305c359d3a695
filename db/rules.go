// ABOUTME: Mapping rule persistence
// ABOUTME: CRUD for field mapping rules plus default-rule seeding and reset
package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/relaycrm/bridge/models"
)

// ListMappingRules returns all mapping rules ordered by position.
func ListMappingRules(db *sql.DB) ([]models.MappingRule, error) {
	rows, err := db.Query(`
		SELECT id, local_field, remote_property, direction, transform, is_default, active, position, created_at, updated_at
		FROM mapping_rules
		ORDER BY position, local_field
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query mapping rules: %w", err)
	}
	defer rows.Close()

	var rules []models.MappingRule
	for rows.Next() {
		var r models.MappingRule
		if err := rows.Scan(&r.ID, &r.LocalField, &r.RemoteProperty, &r.Direction, &r.Transform,
			&r.IsDefault, &r.Active, &r.Position, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mapping rule: %w", err)
		}
		rules = append(rules, r)
	}

	return rules, rows.Err()
}

// UpsertMappingRule inserts a rule or updates its mutable attributes. The
// field pair is the rule's identity and never changes.
func UpsertMappingRule(db *sql.DB, rule *models.MappingRule) error {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	now := time.Now()

	_, err := db.Exec(`
		INSERT INTO mapping_rules (id, local_field, remote_property, direction, transform, is_default, active, position, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_field, remote_property) DO UPDATE SET
			direction = excluded.direction,
			transform = excluded.transform,
			active = excluded.active,
			position = excluded.position,
			updated_at = excluded.updated_at
	`, rule.ID.String(), rule.LocalField, rule.RemoteProperty, string(rule.Direction), string(rule.Transform),
		rule.IsDefault, rule.Active, rule.Position, now, now)

	if err != nil {
		return fmt.Errorf("failed to upsert mapping rule: %w", err)
	}

	return nil
}

// SetRuleActive toggles a rule. Default rules are always active and cannot be
// deactivated.
func SetRuleActive(db *sql.DB, id uuid.UUID, active bool) error {
	if !active {
		var isDefault bool
		err := db.QueryRow(`SELECT is_default FROM mapping_rules WHERE id = ?`, id.String()).Scan(&isDefault)
		if err == sql.ErrNoRows {
			return fmt.Errorf("mapping rule not found: %s", id)
		}
		if err != nil {
			return fmt.Errorf("failed to check mapping rule: %w", err)
		}
		if isDefault {
			return fmt.Errorf("default mapping rules cannot be deactivated")
		}
	}

	_, err := db.Exec(`UPDATE mapping_rules SET active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now(), id.String())
	if err != nil {
		return fmt.Errorf("failed to update mapping rule: %w", err)
	}

	return nil
}

// DeleteMappingRule removes a user-created rule. Default rules cannot be
// deleted.
func DeleteMappingRule(db *sql.DB, id uuid.UUID) error {
	var isDefault bool
	err := db.QueryRow(`SELECT is_default FROM mapping_rules WHERE id = ?`, id.String()).Scan(&isDefault)
	if err == sql.ErrNoRows {
		return fmt.Errorf("mapping rule not found: %s", id)
	}
	if err != nil {
		return fmt.Errorf("failed to check mapping rule: %w", err)
	}
	if isDefault {
		return fmt.Errorf("default mapping rules cannot be deleted")
	}

	_, err = db.Exec(`DELETE FROM mapping_rules WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete mapping rule: %w", err)
	}

	return nil
}

// EnsureRules seeds any of the given rules that are missing, without touching
// rows the user has since edited. Used to install the default set on startup.
func EnsureRules(db *sql.DB, defaults []models.MappingRule) error {
	now := time.Now()
	for i := range defaults {
		r := defaults[i]
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		_, err := db.Exec(`
			INSERT OR IGNORE INTO mapping_rules (id, local_field, remote_property, direction, transform, is_default, active, position, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, r.ID.String(), r.LocalField, r.RemoteProperty, string(r.Direction), string(r.Transform),
			r.IsDefault, r.Active, r.Position, now, now)
		if err != nil {
			return fmt.Errorf("failed to seed mapping rule %s -> %s: %w", r.LocalField, r.RemoteProperty, err)
		}
	}
	return nil
}

// ResetDefaultRules restores every default rule to its seeded direction and
// transform, overwriting user edits.
func ResetDefaultRules(db *sql.DB, defaults []models.MappingRule) error {
	for i := range defaults {
		r := defaults[i]
		if err := UpsertMappingRule(db, &r); err != nil {
			return err
		}
	}
	return nil
}
