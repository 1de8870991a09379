package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/roboricindustries/raycon-dispatch/pkg/policy"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultCallTimeout = 10 * time.Second
)

type dialect struct {
	driver   string
	timeType string
	numbered bool // $1 placeholders instead of ?
	rowLock  bool // supports SELECT ... FOR UPDATE
}

var dialects = map[string]dialect{
	DriverSQLite:   {driver: DriverSQLite, timeType: "DATETIME"},
	DriverPostgres: {driver: DriverPostgres, timeType: "TIMESTAMPTZ", numbered: true, rowLock: true},
}

// SQLStore implements Store on database/sql. It speaks SQLite (modernc) and
// PostgreSQL (lib/pq).
type SQLStore struct {
	db          *sql.DB
	dialect     dialect
	callTimeout time.Duration
	logger      *slog.Logger
}

// Options configures OpenSQL.
type Options struct {
	Driver string // "sqlite" or "postgres"
	DSN    string // file path for sqlite
	// CallTimeout bounds every store call. Zero means 10s.
	CallTimeout time.Duration
	Logger      *slog.Logger
}

// OpenSQL opens the database and creates the schema if needed.
func OpenSQL(opts Options) (*SQLStore, error) {
	d, ok := dialects[opts.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported driver %q", opts.Driver)
	}
	if opts.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}

	if d.driver == DriverSQLite && opts.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(opts.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(d.driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if d.driver == DriverSQLite {
		// one writer keeps the conditional assignment serialized
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting busy timeout: %w", err)
		}
	}

	s := newSQLStore(db, d, opts.CallTimeout, opts.Logger)
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.logger.Info("store initialized", slog.String("driver", d.driver))
	return s, nil
}

func newSQLStore(db *sql.DB, d dialect, callTimeout time.Duration, logger *slog.Logger) *SQLStore {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{
		db:          db,
		dialect:     d,
		callTimeout: callTimeout,
		logger:      logger.With("component", "store"),
	}
}

func (s *SQLStore) createSchema() error {
	tt := s.dialect.timeType
	schema := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			sector TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'offline',
			last_activity ` + tt + `
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_tenant_role ON agents(tenant_id, role)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			contact_id TEXT NOT NULL DEFAULT '',
			sector TEXT NOT NULL DEFAULT '',
			preferred_agent_id TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			assigned_agent_id TEXT NOT NULL DEFAULT '',
			created_at ` + tt + ` NOT NULL,
			updated_at ` + tt + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_queue ON conversations(tenant_id, status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_assignee ON conversations(assigned_agent_id, status)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.callTimeout)
}

// rebind rewrites ? placeholders for dialects with numbered parameters.
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

const conversationColumns = `id, tenant_id, contact_id, sector, preferred_agent_id, priority, status, assigned_agent_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var status string
	if err := row.Scan(&c.ID, &c.TenantID, &c.ContactID, &c.Sector, &c.PreferredAgentID,
		&c.Priority, &status, &c.AssignedAgentID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = ConversationStatus(status)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func (s *SQLStore) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		return fmt.Errorf("conversation ID is required")
	}
	if c.TenantID == "" {
		return fmt.Errorf("tenant ID is required")
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.Status == "" {
		c.Status = StatusPending
	}

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.TenantID, c.ContactID, c.Sector, c.PreferredAgentID, c.Priority,
		string(c.Status), c.AssignedAgentID, c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

func (s *SQLStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`), id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return c, nil
}

func (s *SQLStore) ListPending(ctx context.Context, tenantID string, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+conversationColumns+` FROM conversations
		WHERE tenant_id = ? AND status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`), tenantID, string(StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateConversation(ctx context.Context, id string, upd ConversationUpdate) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	if upd.UpdatedAt.IsZero() {
		upd.UpdatedAt = time.Now().UTC()
	}

	sets := []string{"updated_at = ?"}
	args := []any{upd.UpdatedAt.UTC()}
	if upd.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, string(upd.Status))
	}
	if upd.AssignedAgentID != nil {
		sets = append(sets, "assigned_agent_id = ?")
		args = append(args, *upd.AssignedAgentID)
	}
	query := `UPDATE conversations SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)
	if upd.ExpectStatus != "" {
		query += ` AND status = ?`
		args = append(args, string(upd.ExpectStatus))
	}

	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Assign sets the conversation to assigned only while it is still pending and
// the agent holds fewer than p.Capacity load-bearing conversations. Both
// checks run inside the UPDATE. SQLite serializes writers; on PostgreSQL the
// agent row is locked first so two assignments to the same agent cannot both
// pass the load check under READ COMMITTED.
func (s *SQLStore) Assign(ctx context.Context, p AssignParams) error {
	if p.ConversationID == "" || p.AgentID == "" {
		return fmt.Errorf("conversation ID and agent ID are required")
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}

	if !s.dialect.rowLock {
		return s.assign(ctx, s.db, p)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin assignment: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var one int
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM agents WHERE id = ? FOR UPDATE`), p.AgentID).Scan(&one)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("locking agent: %w", err)
	}
	if err := s.assign(ctx, tx, p); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit assignment: %w", err)
	}
	return nil
}

func (s *SQLStore) assign(ctx context.Context, q querier, p AssignParams) error {
	res, err := q.ExecContext(ctx, s.rebind(
		`UPDATE conversations SET status = ?, assigned_agent_id = ?, updated_at = ?
		WHERE id = ? AND status = ?
		AND (SELECT COUNT(*) FROM conversations c2
			WHERE c2.assigned_agent_id = ? AND c2.status IN (?, ?)) < ?`),
		string(StatusAssigned), p.AgentID, p.At.UTC(),
		p.ConversationID, string(StatusPending),
		p.AgentID, string(StatusActive), string(StatusAssigned), p.Capacity,
	)
	if err != nil {
		return fmt.Errorf("assigning conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = q.QueryRowContext(ctx, s.rebind(
		`SELECT status FROM conversations WHERE id = ?`), p.ConversationID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("querying conversation status: %w", err)
	case ConversationStatus(status) != StatusPending:
		return ErrConflict
	default:
		return ErrAtCapacity
	}
}

func (s *SQLStore) missOrConflict(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM conversations WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying conversation: %w", err)
	}
	return ErrConflict
}

const agentColumns = `id, tenant_id, display_name, role, sector, status, last_activity`

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var role, status string
	var last sql.NullTime
	if err := row.Scan(&a.ID, &a.TenantID, &a.DisplayName, &role, &a.Sector, &status, &last); err != nil {
		return nil, err
	}
	a.Role = policy.Role(role)
	a.Status = policy.Status(status)
	if last.Valid {
		a.LastActivity = last.Time.UTC()
	}
	return &a, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func (s *SQLStore) UpsertAgent(ctx context.Context, a *Agent) error {
	if a.ID == "" || a.TenantID == "" {
		return fmt.Errorf("agent ID and tenant ID are required")
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	status := a.Status
	if status == "" {
		status = policy.StatusOffline
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			display_name = excluded.display_name,
			role = excluded.role,
			sector = excluded.sector,
			status = excluded.status,
			last_activity = excluded.last_activity`),
		a.ID, a.TenantID, a.DisplayName, string(a.Role), a.Sector, string(status), nullTime(a.LastActivity),
	)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}
	return nil
}

func (s *SQLStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	a, err := scanAgent(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return a, nil
}

func (s *SQLStore) ListInRoles(ctx context.Context, tenantID string, roles []policy.Role, statuses ...policy.Status) ([]*Agent, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	args := []any{tenantID}
	for _, r := range roles {
		args = append(args, string(r))
	}
	query := `SELECT ` + agentColumns + ` FROM agents WHERE tenant_id = ? AND role IN (` + placeholders(len(roles)) + `)`
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) ActiveLoad(ctx context.Context, agentID string) (int, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM conversations WHERE assigned_agent_id = ? AND status IN (?, ?)`),
		agentID, string(StatusActive), string(StatusAssigned)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting active load: %w", err)
	}
	return n, nil
}

func (s *SQLStore) ActiveLoads(ctx context.Context, tenantID string) (map[string]int, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT assigned_agent_id, COUNT(*) FROM conversations
		WHERE tenant_id = ? AND assigned_agent_id <> '' AND status IN (?, ?)
		GROUP BY assigned_agent_id`),
		tenantID, string(StatusActive), string(StatusAssigned))
	if err != nil {
		return nil, fmt.Errorf("counting active loads: %w", err)
	}
	defer rows.Close()

	loads := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scanning load: %w", err)
		}
		loads[id] = n
	}
	return loads, rows.Err()
}

func (s *SQLStore) TouchActivity(ctx context.Context, agentID string, status policy.Status, at time.Time) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE agents SET status = ?, last_activity = ? WHERE id = ?`),
		string(status), at.UTC(), agentID)
	if err != nil {
		return fmt.Errorf("touching agent activity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
