package ticket

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ca-study-space/cssbot/internal/fault"
	"github.com/ca-study-space/cssbot/pkg/protocol"
)

const issueColumns = `id, category, priority, description, created_by, anonymous,
	COALESCE(reported_user, ''), status, COALESCE(claimed_by, ''), escalated, COALESCE(escalated_by, ''),
	COALESCE(resolution, ''), COALESCE(resolved_by, ''), resolved_at,
	COALESCE(thread_id, ''), COALESCE(transcript_message_id, ''), created_at, version`

func (s *SQLStore) GetIssue(ctx context.Context, id string) (*protocol.Issue, error) {
	row := s.queryRow(ctx, `SELECT `+issueColumns+` FROM issue_tickets WHERE id = ?`, id)
	i, err := scanIssue(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.NotFoundf("Issue %s not found.", id)
		}
		return nil, fault.Transient(err, "ticket store: get issue")
	}
	return i, nil
}

func (s *SQLStore) SaveIssue(ctx context.Context, i *protocol.Issue) error {
	var version int64
	err := s.queryRow(ctx, `
		INSERT INTO issue_tickets (id, category, priority, description, created_by, anonymous,
			reported_user, status, claimed_by, escalated, escalated_by, resolution, resolved_by,
			resolved_at, thread_id, transcript_message_id, created_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET
			category=excluded.category, priority=excluded.priority, description=excluded.description,
			anonymous=excluded.anonymous, reported_user=excluded.reported_user, status=excluded.status,
			claimed_by=excluded.claimed_by, escalated=excluded.escalated, escalated_by=excluded.escalated_by,
			resolution=excluded.resolution, resolved_by=excluded.resolved_by, resolved_at=excluded.resolved_at,
			thread_id=excluded.thread_id, transcript_message_id=excluded.transcript_message_id,
			version=issue_tickets.version + 1
		RETURNING version
	`, issueArgs(i)...).Scan(&version)
	if err != nil {
		return fault.Transient(err, "ticket store: save issue")
	}
	i.Version = version
	return nil
}

func (s *SQLStore) CompareAndSwapIssue(ctx context.Context, i *protocol.Issue, version int64) error {
	args := issueArgs(i)
	update := append(args[1:16:16], i.ID, version)
	res, err := s.exec(ctx, `
		UPDATE issue_tickets SET
			category=?, priority=?, description=?, created_by=?, anonymous=?, reported_user=?, status=?,
			claimed_by=?, escalated=?, escalated_by=?, resolution=?, resolved_by=?, resolved_at=?,
			thread_id=?, transcript_message_id=?, version=version + 1
		WHERE id = ? AND version = ?
	`, update...)
	if err != nil {
		return fault.Transient(err, "ticket store: compare and swap issue")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fault.Transient(err, "ticket store: compare and swap issue")
	}
	if n == 0 {
		return s.missingOrStale(ctx, "issue_tickets", i.ID)
	}
	i.Version = version + 1
	return nil
}

func (s *SQLStore) AllIssues(ctx context.Context) (map[string]*protocol.Issue, error) {
	list, err := s.listIssues(ctx, "", nil)
	if err != nil {
		return nil, err
	}
	all := make(map[string]*protocol.Issue, len(list))
	for _, i := range list {
		all[i.ID] = i
	}
	return all, nil
}

func (s *SQLStore) IssuesByStatus(ctx context.Context, status protocol.IssueStatus) ([]*protocol.Issue, error) {
	return s.listIssues(ctx, "status = ?", string(status))
}

func (s *SQLStore) IssuesByCreator(ctx context.Context, userID string) ([]*protocol.Issue, error) {
	return s.listIssues(ctx, "created_by = ?", userID)
}

func (s *SQLStore) listIssues(ctx context.Context, where string, arg any) ([]*protocol.Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issue_tickets`
	var args []any
	if where != "" {
		query += " WHERE " + where
		args = append(args, arg)
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fault.Transient(err, "ticket store: list issues")
	}
	defer rows.Close()

	var issues []*protocol.Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, fault.Transient(err, "ticket store: list issues scan")
		}
		issues = append(issues, i)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Transient(err, "ticket store: list issues")
	}
	return issues, nil
}

func issueArgs(i *protocol.Issue) []any {
	return []any{
		i.ID, i.Category, i.Priority, i.Description, i.CreatedBy, i.Anonymous,
		i.ReportedUser, string(i.Status), i.ClaimedBy, i.Escalated, i.EscalatedBy,
		i.Resolution, i.ResolvedBy, formatTime(i.ResolvedAt), i.ThreadRef, i.TranscriptRef,
		formatTime(&i.CreatedAt),
	}
}

func scanIssue(row scannable) (*protocol.Issue, error) {
	var i protocol.Issue
	var status string
	var resolvedAt, createdAt *string

	err := row.Scan(&i.ID, &i.Category, &i.Priority, &i.Description, &i.CreatedBy, &i.Anonymous,
		&i.ReportedUser, &status, &i.ClaimedBy, &i.Escalated, &i.EscalatedBy,
		&i.Resolution, &i.ResolvedBy, &resolvedAt, &i.ThreadRef, &i.TranscriptRef, &createdAt, &i.Version)
	if err != nil {
		return nil, err
	}
	i.Status = protocol.IssueStatus(status)
	if createdAt != nil {
		i.CreatedAt = parseTime(*createdAt)
	}
	if resolvedAt != nil {
		at := parseTime(*resolvedAt)
		i.ResolvedAt = &at
	}
	return &i, nil
}

