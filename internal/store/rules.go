package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"distributor/internal/domain"
)

const ruleColumns = `id, tenant_id, name, description, rule_type, conditions, target_channel,
	priority, is_active, created_by, created_at, updated_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*domain.Rule, error) {
	var (
		r                    domain.Rule
		ruleType, channel    string
		conditions           string
		active               int
		createdAt, updatedAt string
		deletedAt            sql.NullString
	)
	if err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.Description, &ruleType, &conditions, &channel,
		&r.Priority, &active, &r.CreatedBy, &createdAt, &updatedAt, &deletedAt); err != nil {
		return nil, err
	}
	r.RuleType = domain.RuleType(ruleType)
	r.TargetChannel = domain.Channel(channel)
	r.Conditions = json.RawMessage(conditions)
	r.IsActive = active == 1
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	r.DeletedAt = parseNullTime(deletedAt)
	return &r, nil
}

func conditionsText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// CreateRule inserts a rule. An empty ID is generated.
func (s *SQLiteStore) CreateRule(ctx context.Context, r domain.Rule) (*domain.Rule, error) {
	if r.ID == "" {
		r.ID = s.newID()
	}
	now := s.now()
	r.CreatedAt, r.UpdatedAt, r.DeletedAt = now, now, nil

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO distribution_rules (`+ruleColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		r.ID, r.TenantID, r.Name, r.Description, string(r.RuleType), conditionsText(r.Conditions),
		string(r.TargetChannel), r.Priority, boolInt(r.IsActive), r.CreatedBy,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert rule: %w", err)
	}
	return &r, nil
}

// GetRule returns a rule of the tenant, including soft-deleted ones.
func (s *SQLiteStore) GetRule(ctx context.Context, tenantID, id string) (*domain.Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM distribution_rules WHERE id = ? AND tenant_id = ?`, id, tenantID)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("rule", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return r, nil
}

// UpdateRule overwrites the mutable fields of a live rule.
func (s *SQLiteStore) UpdateRule(ctx context.Context, r domain.Rule) (*domain.Rule, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE distribution_rules
		 SET name = ?, description = ?, rule_type = ?, conditions = ?, target_channel = ?,
		     priority = ?, is_active = ?, updated_at = ?
		 WHERE id = ? AND tenant_id = ? AND deleted_at IS NULL`,
		r.Name, r.Description, string(r.RuleType), conditionsText(r.Conditions), string(r.TargetChannel),
		r.Priority, boolInt(r.IsActive), formatTime(s.now()),
		r.ID, r.TenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.NotFound("rule", r.ID)
	}
	return s.GetRule(ctx, r.TenantID, r.ID)
}

// DeleteRule soft-deletes a rule. Repeating the call is a no-op and reports
// false.
func (s *SQLiteStore) DeleteRule(ctx context.Context, tenantID, id string) (bool, error) {
	now := formatTime(s.now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE distribution_rules SET is_active = 0, deleted_at = ?, updated_at = ?
		 WHERE id = ? AND tenant_id = ? AND deleted_at IS NULL`,
		now, now, id, tenantID,
	)
	if err != nil {
		return false, fmt.Errorf("delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	// Nothing updated: either already deleted or missing.
	if _, err := s.GetRule(ctx, tenantID, id); err != nil {
		return false, err
	}
	return false, nil
}

// ListRules returns a page of live rules, highest priority first, and the
// total number of matching rules.
func (s *SQLiteStore) ListRules(ctx context.Context, f domain.ListFilter) ([]domain.Rule, int, error) {
	f = f.Normalize()
	where := []string{"tenant_id = ?", "deleted_at IS NULL"}
	args := []any{f.TenantID}
	if f.Channel != "" {
		where = append(where, "target_channel = ?")
		args = append(args, string(f.Channel))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM distribution_rules WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count rules: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM distribution_rules WHERE `+cond+`
		 ORDER BY priority DESC, created_at ASC LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []domain.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, *r)
	}
	return out, total, rows.Err()
}

// ActiveRules returns every live, active rule of a tenant ordered by priority.
func (s *SQLiteStore) ActiveRules(ctx context.Context, tenantID string) ([]domain.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM distribution_rules
		 WHERE tenant_id = ? AND is_active = 1 AND deleted_at IS NULL
		 ORDER BY priority DESC, created_at ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query active rules: %w", err)
	}
	defer rows.Close()

	var out []domain.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
