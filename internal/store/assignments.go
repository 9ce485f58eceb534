package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"distributor/internal/domain"
)

const assignmentColumns = `id, tenant_id, document_id, customer_id, assigned_channel, rule_id, reason,
	status, sent_at, delivered_at, error, metadata, created_at, updated_at`

func scanAssignment(row rowScanner) (*domain.Assignment, error) {
	var (
		a                    domain.Assignment
		channel, status      string
		ruleID               sql.NullString
		sentAt, deliveredAt  sql.NullString
		metadata             string
		createdAt, updatedAt string
	)
	if err := row.Scan(&a.ID, &a.TenantID, &a.DocumentID, &a.CustomerID, &channel, &ruleID, &a.Reason,
		&status, &sentAt, &deliveredAt, &a.Error, &metadata, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.AssignedChannel = domain.Channel(channel)
	a.Status = domain.Status(status)
	if ruleID.Valid {
		id := ruleID.String
		a.RuleID = &id
	}
	a.SentAt = parseNullTime(sentAt)
	a.DeliveredAt = parseNullTime(deliveredAt)
	a.Metadata = decodeMetadata(metadata)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

// CreateAssignment validates and inserts a pending assignment.
func (s *SQLiteStore) CreateAssignment(ctx context.Context, n domain.NewAssignment) (*domain.Assignment, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	meta, err := encodeMetadata(n.Metadata)
	if err != nil {
		return nil, err
	}
	now := s.now()
	a := domain.Assignment{
		ID:              s.newID(),
		TenantID:        n.TenantID,
		DocumentID:      n.DocumentID,
		CustomerID:      n.CustomerID,
		AssignedChannel: n.AssignedChannel,
		RuleID:          n.RuleID,
		Reason:          n.Reason,
		Status:          domain.StatusPending,
		Metadata:        n.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var ruleID any
	if a.RuleID != nil {
		ruleID = *a.RuleID
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO distribution_assignments (`+assignmentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, '', ?, ?, ?)`,
		a.ID, a.TenantID, a.DocumentID, a.CustomerID, string(a.AssignedChannel), ruleID, a.Reason,
		string(a.Status), meta, formatTime(now), formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert assignment: %w", err)
	}
	return &a, nil
}

// GetAssignment returns an assignment owned by tenantID.
func (s *SQLiteStore) GetAssignment(ctx context.Context, tenantID, id string) (*domain.Assignment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM distribution_assignments WHERE id = ? AND tenant_id = ?`, id, tenantID)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("assignment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	return a, nil
}

// FindByProviderMessageID looks an assignment up by the message id its
// provider returned, as recorded in metadata.providerMessageId.
func (s *SQLiteStore) FindByProviderMessageID(ctx context.Context, tenantID, messageID string) (*domain.Assignment, error) {
	if messageID == "" {
		return nil, &domain.ValidationError{Field: "providerMessageId", Message: "provider message id is required"}
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM distribution_assignments
		 WHERE tenant_id = ? AND json_extract(metadata, '$.providerMessageId') = ?
		 ORDER BY created_at DESC LIMIT 1`, tenantID, messageID)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("provider message", messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("find assignment by provider message: %w", err)
	}
	return a, nil
}

// ListAssignments returns a page of assignments, newest first, and the total.
func (s *SQLiteStore) ListAssignments(ctx context.Context, f domain.ListFilter) ([]domain.Assignment, int, error) {
	f = f.Normalize()
	where := []string{"tenant_id = ?"}
	args := []any{f.TenantID}
	if f.Channel != "" {
		where = append(where, "assigned_channel = ?")
		args = append(args, string(f.Channel))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, f.RuleID)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM distribution_assignments WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count assignments: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assignmentColumns+` FROM distribution_assignments WHERE `+cond+`
		 ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var out []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, *a)
	}
	return out, total, rows.Err()
}

// Transition applies one lifecycle step. The update is conditional on the
// status read inside the same transaction; if another writer got there first
// the call fails with ErrConflict.
func (s *SQLiteStore) Transition(ctx context.Context, req domain.TransitionRequest) (*domain.Assignment, error) {
	if !req.Status.Valid() {
		return nil, &domain.ValidationError{Field: "status", Message: "invalid status " + string(req.Status)}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM distribution_assignments WHERE id = ? AND tenant_id = ?`,
		req.ID, req.TenantID)
	cur, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("assignment", req.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("load assignment: %w", err)
	}

	if !domain.CanTransition(cur.Status, req.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, cur.Status, req.Status)
	}

	now := s.now()
	next := applyTransition(*cur, req, now)
	meta, err := encodeMetadata(next.Metadata)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE distribution_assignments
		 SET status = ?, sent_at = ?, delivered_at = ?, error = ?, metadata = ?, updated_at = ?
		 WHERE id = ? AND tenant_id = ? AND status = ?`,
		string(next.Status), formatTimePtr(next.SentAt), formatTimePtr(next.DeliveredAt),
		next.Error, meta, formatTime(now),
		req.ID, req.TenantID, string(cur.Status),
	)
	if err != nil {
		return nil, fmt.Errorf("update assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("assignment %s: %w", req.ID, domain.ErrConflict)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}

	s.logger.Debug("assignment transitioned",
		"assignment", req.ID, "from", cur.Status, "to", next.Status)
	next.UpdatedAt = now
	return &next, nil
}

// Annotate merges metadata into an assignment without touching its status,
// timestamps or error. Provider feedback that arrives after the lifecycle
// step (message ids, timings) is recorded this way.
func (s *SQLiteStore) Annotate(ctx context.Context, tenantID, id string, meta map[string]any) (*domain.Assignment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin annotate: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM distribution_assignments WHERE id = ? AND tenant_id = ?`, id, tenantID)
	cur, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("assignment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load assignment: %w", err)
	}
	if len(meta) == 0 {
		return cur, nil
	}

	merged := mergeMetadata(cur.Metadata, meta)
	enc, err := encodeMetadata(merged)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE distribution_assignments SET metadata = ?, updated_at = ? WHERE id = ? AND tenant_id = ?`,
		enc, formatTime(now), id, tenantID); err != nil {
		return nil, fmt.Errorf("annotate assignment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit annotate: %w", err)
	}
	cur.Metadata = merged
	cur.UpdatedAt = now
	return cur, nil
}

func mergeMetadata(base, extra map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

// applyTransition computes the record after a legal transition.
// sentAt is stamped once on the first move out of pending, deliveredAt once
// on delivery.
func applyTransition(a domain.Assignment, req domain.TransitionRequest, now time.Time) domain.Assignment {
	from := a.Status
	a.Status = req.Status
	if from == domain.StatusPending && a.SentAt == nil {
		t := now
		a.SentAt = &t
	}
	if req.Status == domain.StatusDelivered && a.DeliveredAt == nil {
		t := now
		a.DeliveredAt = &t
	}
	if req.Error != "" {
		a.Error = req.Error
	}
	if len(req.Metadata) > 0 {
		a.Metadata = mergeMetadata(a.Metadata, req.Metadata)
	}
	return a
}
