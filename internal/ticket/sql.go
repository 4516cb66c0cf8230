package ticket

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/ca-study-space/cssbot/internal/fault"
	"github.com/ca-study-space/cssbot/pkg/protocol"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// rebind rewrites ? placeholders into $n for postgres.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
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

// SQLStore implements Store, IssueStore and EventLog on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// Open connects to dsn. postgres:// and postgresql:// URLs use pgx; anything
// else is treated as a path to an embedded SQLite database file.
func Open(dsn string) (*SQLStore, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("ticket store: open: %w", err)
		}
		return newStore(db, dialectPostgres)
	}
	return NewSQLiteStore(strings.TrimPrefix(dsn, "sqlite://"))
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLStore, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ticket store: open: %w", err)
	}
	// One writer at a time keeps SQLITE_BUSY out of concurrent transitions.
	db.SetMaxOpenConns(1)
	return newStore(db, dialectSQLite)
}

func newStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tickets (
		id                    TEXT PRIMARY KEY,
		group_name            TEXT NOT NULL,
		level                 TEXT NOT NULL,
		member_count          INTEGER NOT NULL,
		members               TEXT NOT NULL DEFAULT '[]',
		created_by            TEXT NOT NULL,
		status                TEXT NOT NULL,
		claimed_by            TEXT,
		cancelled_by          TEXT,
		cancelled_at          TEXT,
		cancellation_reason   TEXT,
		approval_message_id   TEXT,
		approved_members      TEXT,
		transcript_message_id TEXT,
		created_at            TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS ticket_counter (
		id             INTEGER PRIMARY KEY,
		last_ticket_id INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS issue_tickets (
		id                    TEXT PRIMARY KEY,
		category              TEXT NOT NULL,
		priority              TEXT NOT NULL,
		description           TEXT NOT NULL,
		created_by            TEXT NOT NULL,
		anonymous             BOOLEAN NOT NULL DEFAULT FALSE,
		reported_user         TEXT,
		status                TEXT NOT NULL,
		claimed_by            TEXT,
		escalated             BOOLEAN NOT NULL DEFAULT FALSE,
		escalated_by          TEXT,
		resolution            TEXT,
		resolved_by           TEXT,
		resolved_at           TEXT,
		thread_id             TEXT,
		transcript_message_id TEXT,
		created_at            TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS issue_ticket_counter (
		id            INTEGER PRIMARY KEY,
		last_issue_id INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS ticket_events (
		id        TEXT PRIMARY KEY,
		ticket_id TEXT NOT NULL,
		kind      TEXT NOT NULL,
		actor     TEXT NOT NULL,
		action    TEXT NOT NULL,
		detail    TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS posted_announcements (
		id        TEXT PRIMARY KEY,
		posted_at TEXT NOT NULL
	)`,
	`INSERT INTO ticket_counter (id, last_ticket_id) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`,
	`INSERT INTO issue_ticket_counter (id, last_issue_id) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`,
	`CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status)`,
	`CREATE INDEX IF NOT EXISTS idx_issue_tickets_status ON issue_tickets(status)`,
	`CREATE INDEX IF NOT EXISTS idx_issue_tickets_created_by ON issue_tickets(created_by)`,
	`CREATE INDEX IF NOT EXISTS idx_events_ticket ON ticket_events(ticket_id)`,
}

// Columns added after the first deployment. Databases created by earlier
// releases lack them; adding a column that exists fails and is ignored.
var upgrades = []string{
	`ALTER TABLE tickets ADD COLUMN claim_channel_id TEXT`,
	`ALTER TABLE tickets ADD COLUMN role_id TEXT`,
	`ALTER TABLE tickets ADD COLUMN room_id TEXT`,
	`ALTER TABLE tickets ADD COLUMN version INTEGER NOT NULL DEFAULT 1`,
	`ALTER TABLE issue_tickets ADD COLUMN version INTEGER NOT NULL DEFAULT 1`,
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ticket store: migrate: %w", err)
		}
	}
	if err := s.upgrade(ctx, upgrades); err != nil {
		return err
	}
	// Created after the upgrades so the indexed column exists.
	_, err := s.db.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS idx_tickets_surface
		ON tickets(approval_message_id) WHERE approval_message_id <> ''`)
	if err != nil {
		return fmt.Errorf("ticket store: migrate: %w", err)
	}
	return nil
}

// upgrade applies column additions. A column that already exists is
// skipped; any other failure aborts the migration.
func (s *SQLStore) upgrade(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil && !isDuplicateColumn(err) {
			return fmt.Errorf("ticket store: migrate: %w", err)
		}
	}
	return nil
}

// isDuplicateColumn matches SQLite's "duplicate column name" and Postgres
// SQLSTATE 42701.
func isDuplicateColumn(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate column name") ||
		strings.Contains(msg, "SQLSTATE 42701")
}

// Close releases the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection (for testing or direct access).
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// --- study-group tickets ---

const ticketColumns = `id, group_name, level, member_count, members, created_by, status,
	COALESCE(claimed_by, ''), COALESCE(cancelled_by, ''), cancelled_at, COALESCE(cancellation_reason, ''),
	COALESCE(approval_message_id, ''), COALESCE(claim_channel_id, ''), COALESCE(approved_members, '[]'),
	COALESCE(transcript_message_id, ''), COALESCE(role_id, ''), COALESCE(room_id, ''), created_at, version`

func (s *SQLStore) Get(ctx context.Context, id string) (*protocol.Ticket, error) {
	row := s.queryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.NotFoundf("Ticket %s not found.", id)
		}
		return nil, fault.Transient(err, "ticket store: get")
	}
	return t, nil
}

func (s *SQLStore) Save(ctx context.Context, t *protocol.Ticket) error {
	args := ticketArgs(t)
	var version int64
	err := s.queryRow(ctx, `
		INSERT INTO tickets (id, group_name, level, member_count, members, created_by, status,
			claimed_by, cancelled_by, cancelled_at, cancellation_reason, approval_message_id,
			claim_channel_id, approved_members, transcript_message_id, role_id, room_id, created_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET
			group_name=excluded.group_name, level=excluded.level, member_count=excluded.member_count,
			members=excluded.members, status=excluded.status, claimed_by=excluded.claimed_by,
			cancelled_by=excluded.cancelled_by, cancelled_at=excluded.cancelled_at,
			cancellation_reason=excluded.cancellation_reason, approval_message_id=excluded.approval_message_id,
			claim_channel_id=excluded.claim_channel_id, approved_members=excluded.approved_members,
			transcript_message_id=excluded.transcript_message_id, role_id=excluded.role_id,
			room_id=excluded.room_id, version=tickets.version + 1
		RETURNING version
	`, args...).Scan(&version)
	if err != nil {
		return s.writeError(err, "ticket store: save")
	}
	t.Version = version
	return nil
}

func (s *SQLStore) CompareAndSwap(ctx context.Context, t *protocol.Ticket, version int64) error {
	args := ticketArgs(t)
	// Drop id and created_at (immutable) and append the guard.
	update := append(args[1:17:17], t.ID, version)
	res, err := s.exec(ctx, `
		UPDATE tickets SET
			group_name=?, level=?, member_count=?, members=?, created_by=?, status=?, claimed_by=?,
			cancelled_by=?, cancelled_at=?, cancellation_reason=?, approval_message_id=?,
			claim_channel_id=?, approved_members=?, transcript_message_id=?, role_id=?, room_id=?,
			version=version + 1
		WHERE id = ? AND version = ?
	`, update...)
	if err != nil {
		return s.writeError(err, "ticket store: compare and swap")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fault.Transient(err, "ticket store: compare and swap")
	}
	if n == 0 {
		return s.missingOrStale(ctx, "tickets", t.ID)
	}
	t.Version = version + 1
	return nil
}

func (s *SQLStore) All(ctx context.Context) (map[string]*protocol.Ticket, error) {
	list, err := s.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	all := make(map[string]*protocol.Ticket, len(list))
	for _, t := range list {
		all[t.ID] = t
	}
	return all, nil
}

func (s *SQLStore) List(ctx context.Context, filter Filter) ([]*protocol.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE 1=1`
	var args []any
	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*filter.Status))
	}
	if filter.CreatedBy != "" {
		query += " AND created_by = ?"
		args = append(args, filter.CreatedBy)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fault.Transient(err, "ticket store: list")
	}
	defer rows.Close()

	var tickets []*protocol.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fault.Transient(err, "ticket store: list scan")
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Transient(err, "ticket store: list")
	}
	return tickets, nil
}

func (s *SQLStore) FindBySurface(ctx context.Context, ref string) (*protocol.Ticket, error) {
	if ref == "" {
		return nil, fault.NotFoundf("No ticket is waiting for approval here.")
	}
	row := s.queryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE approval_message_id = ?`, ref)
	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.NotFoundf("No ticket is waiting for approval here.")
		}
		return nil, fault.Transient(err, "ticket store: find by surface")
	}
	return t, nil
}

func (s *SQLStore) NextID(ctx context.Context, kind protocol.Kind) (string, error) {
	var n int64
	switch kind {
	case protocol.KindStudy:
		err := s.queryRow(ctx, `UPDATE ticket_counter SET last_ticket_id = last_ticket_id + 1 WHERE id = 1 RETURNING last_ticket_id`).Scan(&n)
		if err != nil {
			return "", fault.Transient(err, "ticket store: next id")
		}
		return fmt.Sprintf("%02d", n), nil
	case protocol.KindIssue:
		err := s.queryRow(ctx, `UPDATE issue_ticket_counter SET last_issue_id = last_issue_id + 1 WHERE id = 1 RETURNING last_issue_id`).Scan(&n)
		if err != nil {
			return "", fault.Transient(err, "ticket store: next id")
		}
		return fmt.Sprintf("ISS-%03d", n), nil
	default:
		return "", fmt.Errorf("ticket store: unknown kind %q", kind)
	}
}

func (s *SQLStore) counter(ctx context.Context, kind protocol.Kind) (int64, error) {
	q := `SELECT last_ticket_id FROM ticket_counter WHERE id = 1`
	if kind == protocol.KindIssue {
		q = `SELECT last_issue_id FROM issue_ticket_counter WHERE id = 1`
	}
	var n int64
	if err := s.queryRow(ctx, q).Scan(&n); err != nil {
		return 0, fault.Transient(err, "ticket store: counter")
	}
	return n, nil
}

// --- helpers ---

func (s *SQLStore) missingOrStale(ctx context.Context, table, id string) error {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fault.NotFoundf("Ticket %s not found.", id)
	}
	if err != nil {
		return fault.Transient(err, "ticket store: compare and swap")
	}
	return ErrStale
}

func (s *SQLStore) writeError(err error, op string) error {
	if isUniqueViolation(err) {
		return &fault.Error{Kind: fault.Conflict, Msg: "This approval prompt already belongs to another ticket.", Err: err}
	}
	return fault.Transient(err, op)
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505")
}

func ticketArgs(t *protocol.Ticket) []any {
	members, _ := json.Marshal(nonNil(t.Members))
	approved, _ := json.Marshal(nonNil(t.ApprovedMembers))
	var cancelledBy, reason string
	var cancelledAt *string
	if c := t.Cancellation; c != nil {
		cancelledBy = c.Actor
		reason = c.Reason
		cancelledAt = formatTime(&c.At)
	}
	return []any{
		t.ID, t.GroupName, t.Level, t.MemberCount, string(members), t.CreatedBy, string(t.Status),
		t.ClaimedBy, cancelledBy, cancelledAt, reason, t.ApprovalSurfaceRef,
		t.ClaimChannelRef, string(approved), t.TranscriptRef, t.RoleRef, t.RoomRef,
		formatTime(&t.CreatedAt),
	}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTicket(row scannable) (*protocol.Ticket, error) {
	var t protocol.Ticket
	var membersJSON, approvedJSON, status, cancelledBy, reason string
	var cancelledAt, createdAt *string

	err := row.Scan(&t.ID, &t.GroupName, &t.Level, &t.MemberCount, &membersJSON, &t.CreatedBy, &status,
		&t.ClaimedBy, &cancelledBy, &cancelledAt, &reason,
		&t.ApprovalSurfaceRef, &t.ClaimChannelRef, &approvedJSON,
		&t.TranscriptRef, &t.RoleRef, &t.RoomRef, &createdAt, &t.Version)
	if err != nil {
		return nil, err
	}

	t.Status = protocol.TicketStatus(status)
	t.Members = decodeIDs(membersJSON)
	t.ApprovedMembers = decodeIDs(approvedJSON)
	if createdAt != nil {
		t.CreatedAt = parseTime(*createdAt)
	}
	if cancelledBy != "" || cancelledAt != nil {
		c := &protocol.Cancellation{Actor: cancelledBy, Reason: reason}
		if cancelledAt != nil {
			c.At = parseTime(*cancelledAt)
		}
		t.Cancellation = c
	}
	return &t, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// decodeIDs reads a JSON list of identifiers. Rows written by the first
// release store them as numbers.
func decodeIDs(raw string) []string {
	var ids idList
	if err := json.Unmarshal([]byte(raw), &ids); err != nil || ids == nil {
		return []string{}
	}
	return ids
}

func formatTime(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC().Format(timeFormat)
	return &v
}

// timeFormat is fixed width so stored values sort chronologically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05",
}

func parseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
