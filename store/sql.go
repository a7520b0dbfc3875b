package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/GoCodeAlone/caseflow/model"

	// Database drivers registered for the supported backends.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// SQLConfig holds connection settings for the SQL store.
type SQLConfig struct {
	Driver          string        `json:"driver" yaml:"driver"` // "sqlite" or "pgx"
	DSN             string        `json:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"connMaxLifetime"`
}

// SQLStore is a database/sql backed Store supporting sqlite and postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
	q      querier
}

// querier abstracts *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenSQL opens the database, applies pool settings, and runs migrations.
func OpenSQL(cfg SQLConfig) (*SQLStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &SQLStore{db: db, driver: driver, q: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error { return s.db.Close() }

// migrate creates the required tables and indexes if they don't exist.
func (s *SQLStore) migrate() error {
	if s.driver == "sqlite" {
		// WAL mode and busy timeout for concurrent read/write access.
		if _, err := s.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			return fmt.Errorf("enabling WAL mode: %w", err)
		}
		if _, err := s.db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
			return fmt.Errorf("setting busy timeout: %w", err)
		}
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			id TEXT PRIMARY KEY,
			def_key TEXT NOT NULL,
			version INTEGER NOT NULL,
			name TEXT NOT NULL,
			description TEXT DEFAULT '',
			document TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE (def_key, version)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_instances (
			id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL,
			definition_key TEXT NOT NULL,
			definition_version INTEGER NOT NULL,
			organization_id TEXT NOT NULL,
			created_by TEXT NOT NULL,
			assigned_to TEXT DEFAULT '',
			current_state TEXT NOT NULL,
			status TEXT NOT NULL,
			context TEXT DEFAULT '{}',
			priority TEXT NOT NULL,
			due_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			completed_at TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			overdue_notified INTEGER NOT NULL DEFAULT 0,
			idempotency_key TEXT DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_history (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			from_state TEXT DEFAULT '',
			to_state TEXT NOT NULL,
			trigger_name TEXT DEFAULT '',
			actor_id TEXT NOT NULL,
			at TEXT NOT NULL,
			notes TEXT DEFAULT '',
			context_delta TEXT DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS ai_insights (
			id TEXT PRIMARY KEY,
			instance_id TEXT DEFAULT '',
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			model_id TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_org_status ON workflow_instances(organization_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_assigned ON workflow_instances(assigned_to, status)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_due ON workflow_instances(due_at) WHERE status = 'active'`,
		`CREATE INDEX IF NOT EXISTS idx_history_instance ON workflow_history(instance_id, at)`,
		`CREATE INDEX IF NOT EXISTS idx_insights_instance ON ai_insights(instance_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("running migration: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $N for the pgx driver.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (s *SQLStore) Definitions() DefinitionStore { return &sqlDefinitions{s} }
func (s *SQLStore) Instances() InstanceStore     { return &sqlInstances{s} }
func (s *SQLStore) History() HistoryStore        { return &sqlHistory{s} }
func (s *SQLStore) Insights() InsightStore       { return &sqlInsights{s} }

// WithinTx runs fn against a transactional view of the store.
func (s *SQLStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.WrapError(model.KindRepositoryUnavailable, err, "beginning transaction")
	}
	view := &SQLStore{db: s.db, driver: s.driver, q: sqlTx}
	if err := fn(view); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return model.WrapError(model.KindRepositoryUnavailable, err, "committing transaction")
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return model.WrapError(model.KindRepositoryUnavailable, err, "pinging database")
	}
	return nil
}

const timeLayout = time.RFC3339Nano

func encodeTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func decodeTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := decodeTime(s.String)
	return &t
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshalling json column: %w", err)
	}
	return string(raw), nil
}

func decodeMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	out := map[string]any{}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

type sqlDefinitions struct{ s *SQLStore }

func (d *sqlDefinitions) Put(ctx context.Context, def *model.WorkflowDefinition) error {
	doc, err := encodeJSON(def)
	if err != nil {
		return err
	}
	_, err = d.s.q.ExecContext(ctx, d.s.rebind(
		`INSERT INTO workflow_definitions (id, def_key, version, name, description, document, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		def.ID, def.Key, def.Version, def.Name, def.Description, doc, encodeTime(def.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return model.NewError(model.KindConflict,
				"definition %q version %d already registered", def.Key, def.Version)
		}
		return model.WrapError(model.KindRepositoryUnavailable, err, "inserting definition")
	}
	return nil
}

// isUniqueViolation detects duplicate-key failures across both drivers.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

func (d *sqlDefinitions) scanOne(row *sql.Row) (*model.WorkflowDefinition, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.NewError(model.KindNotFound, "definition not found")
		}
		return nil, model.WrapError(model.KindRepositoryUnavailable, err, "scanning definition")
	}
	var def model.WorkflowDefinition
	if err := json.Unmarshal([]byte(doc), &def); err != nil {
		return nil, fmt.Errorf("decoding definition document: %w", err)
	}
	return &def, nil
}

func (d *sqlDefinitions) GetByKey(ctx context.Context, key string, version int) (*model.WorkflowDefinition, error) {
	if version == 0 {
		row := d.s.q.QueryRowContext(ctx, d.s.rebind(
			`SELECT document FROM workflow_definitions WHERE def_key = ? ORDER BY version DESC LIMIT 1`), key)
		return d.scanOne(row)
	}
	row := d.s.q.QueryRowContext(ctx, d.s.rebind(
		`SELECT document FROM workflow_definitions WHERE def_key = ? AND version = ?`), key, version)
	return d.scanOne(row)
}

func (d *sqlDefinitions) GetByID(ctx context.Context, id string) (*model.WorkflowDefinition, error) {
	row := d.s.q.QueryRowContext(ctx, d.s.rebind(
		`SELECT document FROM workflow_definitions WHERE id = ?`), id)
	return d.scanOne(row)
}

func (d *sqlDefinitions) List(ctx context.Context, filter DefinitionFilter) ([]*model.WorkflowDefinition, error) {
	query := `SELECT document FROM workflow_definitions`
	var args []any
	if filter.Key != "" {
		query += ` WHERE def_key = ?`
		args = append(args, filter.Key)
	}
	query += ` ORDER BY def_key ASC, version DESC LIMIT ? OFFSET ?`
	f := InstanceFilter{Page: filter.Page, PageSize: filter.PageSize}
	args = append(args, f.Limit(), f.Offset())

	rows, err := d.s.q.QueryContext(ctx, d.s.rebind(query), args...)
	if err != nil {
		return nil, model.WrapError(model.KindRepositoryUnavailable, err, "listing definitions")
	}
	defer rows.Close()

	var out []*model.WorkflowDefinition
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, model.WrapError(model.KindRepositoryUnavailable, err, "scanning definition row")
		}
		var def model.WorkflowDefinition
		if err := json.Unmarshal([]byte(doc), &def); err != nil {
			return nil, fmt.Errorf("decoding definition document: %w", err)
		}
		out = append(out, &def)
	}
	return out, rows.Err()
}

type sqlInstances struct{ s *SQLStore }

const instanceColumns = `id, definition_id, definition_key, definition_version, organization_id,
	created_by, assigned_to, current_state, status, context, priority, due_at,
	created_at, updated_at, completed_at, version, overdue_notified, idempotency_key`

func (i *sqlInstances) Insert(ctx context.Context, inst *model.WorkflowInstance) error {
	contextJSON, err := encodeJSON(inst.Context)
	if err != nil {
		return err
	}
	_, err = i.s.q.ExecContext(ctx, i.s.rebind(
		`INSERT INTO workflow_instances (`+instanceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		inst.ID, inst.DefinitionID, inst.DefinitionKey, inst.DefinitionVersion,
		inst.OrganizationID, inst.CreatedBy, inst.AssignedTo, inst.CurrentState,
		string(inst.Status), contextJSON, string(inst.Priority), encodeTimePtr(inst.DueAt),
		encodeTime(inst.CreatedAt), encodeTime(inst.UpdatedAt), encodeTimePtr(inst.CompletedAt),
		inst.Version, boolToInt(inst.OverdueNotified), inst.IdempotencyKey)
	if err != nil {
		if isUniqueViolation(err) {
			return model.NewError(model.KindConflict, "instance %q already exists", inst.ID)
		}
		return model.WrapError(model.KindRepositoryUnavailable, err, "inserting instance")
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanInstance(scan func(dest ...any) error) (*model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var status, priority, contextJSON string
	var dueAt, completedAt sql.NullString
	var createdAt, updatedAt string
	var overdueNotified int
	err := scan(&inst.ID, &inst.DefinitionID, &inst.DefinitionKey, &inst.DefinitionVersion,
		&inst.OrganizationID, &inst.CreatedBy, &inst.AssignedTo, &inst.CurrentState,
		&status, &contextJSON, &priority, &dueAt, &createdAt, &updatedAt, &completedAt,
		&inst.Version, &overdueNotified, &inst.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	inst.Status = model.Status(status)
	inst.Priority = model.Priority(priority)
	inst.Context = decodeMap(contextJSON)
	inst.DueAt = decodeTimePtr(dueAt)
	inst.CreatedAt = decodeTime(createdAt)
	inst.UpdatedAt = decodeTime(updatedAt)
	inst.CompletedAt = decodeTimePtr(completedAt)
	inst.OverdueNotified = overdueNotified != 0
	return &inst, nil
}

func (i *sqlInstances) Get(ctx context.Context, orgID, id string) (*model.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE id = ?`
	args := []any{id}
	if orgID != "" {
		query += ` AND organization_id = ?`
		args = append(args, orgID)
	}
	row := i.s.q.QueryRowContext(ctx, i.s.rebind(query), args...)
	inst, err := scanInstance(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.NewError(model.KindNotFound, "instance %q not found", id)
		}
		return nil, model.WrapError(model.KindRepositoryUnavailable, err, "loading instance")
	}
	return inst, nil
}

func (i *sqlInstances) UpdateCAS(ctx context.Context, inst *model.WorkflowInstance) error {
	contextJSON, err := encodeJSON(inst.Context)
	if err != nil {
		return err
	}
	res, err := i.s.q.ExecContext(ctx, i.s.rebind(
		`UPDATE workflow_instances SET
			current_state = ?, status = ?, context = ?, priority = ?, assigned_to = ?,
			due_at = ?, updated_at = ?, completed_at = ?, version = ?, overdue_notified = ?
		 WHERE id = ? AND version = ?`),
		inst.CurrentState, string(inst.Status), contextJSON, string(inst.Priority), inst.AssignedTo,
		encodeTimePtr(inst.DueAt), encodeTime(inst.UpdatedAt), encodeTimePtr(inst.CompletedAt),
		inst.Version, boolToInt(inst.OverdueNotified),
		inst.ID, inst.Version-1)
	if err != nil {
		return model.WrapError(model.KindRepositoryUnavailable, err, "updating instance")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.WrapError(model.KindRepositoryUnavailable, err, "checking update result")
	}
	if n == 0 {
		return model.NewError(model.KindConflict, "instance %q modified concurrently", inst.ID)
	}
	return nil
}

func (i *sqlInstances) ListForUser(ctx context.Context, orgID, userID string, filter InstanceFilter) ([]*model.WorkflowInstance, error) {
	now := filter.Now
	if now.IsZero() {
		now = time.Now()
	}
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE organization_id = ?`
	args := []any{orgID}
	if userID != "" {
		query += ` AND (created_by = ? OR assigned_to = ?)`
		args = append(args, userID, userID)
	}
	switch {
	case filter.Status == model.StatusOverdue:
		query += ` AND status = 'active' AND due_at IS NOT NULL AND due_at < ?`
		args = append(args, encodeTime(now))
	case filter.Status != "":
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Priority != "" {
		query += ` AND priority = ?`
		args = append(args, string(filter.Priority))
	}
	if filter.Overdue != nil {
		if *filter.Overdue {
			query += ` AND status = 'active' AND due_at IS NOT NULL AND due_at < ?`
		} else {
			query += ` AND NOT (status = 'active' AND due_at IS NOT NULL AND due_at < ?)`
		}
		args = append(args, encodeTime(now))
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit(), filter.Offset())

	return i.queryInstances(ctx, query, args...)
}

func (i *sqlInstances) queryInstances(ctx context.Context, query string, args ...any) ([]*model.WorkflowInstance, error) {
	rows, err := i.s.q.QueryContext(ctx, i.s.rebind(query), args...)
	if err != nil {
		return nil, model.WrapError(model.KindRepositoryUnavailable, err, "querying instances")
	}
	defer rows.Close()
	var out []*model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, model.WrapError(model.KindRepositoryUnavailable, err, "scanning instance row")
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (i *sqlInstances) ListDueBefore(ctx context.Context, cutoff time.Time) ([]*model.WorkflowInstance, error) {
	return i.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances
		 WHERE status = 'active' AND overdue_notified = 0 AND due_at IS NOT NULL AND due_at < ?
		 ORDER BY id ASC`, encodeTime(cutoff))
}

func (i *sqlInstances) Stats(ctx context.Context, orgID string, now time.Time) (*Stats, error) {
	stats := &Stats{CountsByStatus: make(map[model.Status]int)}

	rows, err := i.s.q.QueryContext(ctx, i.s.rebind(
		`SELECT status, COUNT(*) FROM workflow_instances WHERE organization_id = ? GROUP BY status`), orgID)
	if err != nil {
		return nil, model.WrapError(model.KindRepositoryUnavailable, err, "querying stats")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, model.WrapError(model.KindRepositoryUnavailable, err, "scanning stats row")
		}
		stats.CountsByStatus[model.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, model.WrapError(model.KindRepositoryUnavailable, err, "reading stats rows")
	}

	row := i.s.q.QueryRowContext(ctx, i.s.rebind(
		`SELECT COUNT(*) FROM workflow_instances
		 WHERE organization_id = ? AND status = 'active' AND due_at IS NOT NULL AND due_at < ?`),
		orgID, encodeTime(now))
	if err := row.Scan(&stats.OverdueCount); err != nil {
		return nil, model.WrapError(model.KindRepositoryUnavailable, err, "scanning overdue count")
	}

	// Average completion computed in Go: timestamps are stored as text.
	completed, err := i.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances
		 WHERE organization_id = ? AND completed_at IS NOT NULL`, orgID)
	if err != nil {
		return nil, err
	}
	if len(completed) > 0 {
		var total float64
		for _, inst := range completed {
			total += inst.CompletedAt.Sub(inst.CreatedAt).Seconds()
		}
		stats.AvgCompletionSeconds = total / float64(len(completed))
	}
	return stats, nil
}

func (i *sqlInstances) FindByIdempotencyKey(ctx context.Context, orgID, key string, since time.Time) (*model.WorkflowInstance, error) {
	row := i.s.q.QueryRowContext(ctx, i.s.rebind(
		`SELECT `+instanceColumns+` FROM workflow_instances
		 WHERE organization_id = ? AND idempotency_key = ? AND created_at > ?
		 ORDER BY created_at DESC LIMIT 1`),
		orgID, key, encodeTime(since))
	inst, err := scanInstance(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.NewError(model.KindNotFound, "no instance for idempotency key")
		}
		return nil, model.WrapError(model.KindRepositoryUnavailable, err, "loading instance by idempotency key")
	}
	return inst, nil
}

func (i *sqlInstances) Delete(ctx context.Context, orgID, id string) error {
	res, err := i.s.q.ExecContext(ctx, i.s.rebind(
		`DELETE FROM workflow_instances WHERE id = ? AND organization_id = ?`), id, orgID)
	if err != nil {
		return model.WrapError(model.KindRepositoryUnavailable, err, "deleting instance")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return model.NewError(model.KindNotFound, "instance %q not found", id)
	}
	// Cascade to history and insights.
	if _, err := i.s.q.ExecContext(ctx, i.s.rebind(
		`DELETE FROM workflow_history WHERE instance_id = ?`), id); err != nil {
		return model.WrapError(model.KindRepositoryUnavailable, err, "deleting instance history")
	}
	if _, err := i.s.q.ExecContext(ctx, i.s.rebind(
		`DELETE FROM ai_insights WHERE instance_id = ?`), id); err != nil {
		return model.WrapError(model.KindRepositoryUnavailable, err, "deleting instance insights")
	}
	return nil
}

type sqlHistory struct{ s *SQLStore }

func (h *sqlHistory) Append(ctx context.Context, entry *model.HistoryEntry) error {
	delta, err := encodeJSON(entry.ContextDelta)
	if err != nil {
		return err
	}
	_, err = h.s.q.ExecContext(ctx, h.s.rebind(
		`INSERT INTO workflow_history (id, instance_id, from_state, to_state, trigger_name, actor_id, at, notes, context_delta)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.ID, entry.InstanceID, entry.FromState, entry.ToState, entry.Trigger,
		entry.ActorID, encodeTime(entry.At), entry.Notes, delta)
	if err != nil {
		return model.WrapError(model.KindRepositoryUnavailable, err, "appending history")
	}
	return nil
}

func (h *sqlHistory) ListByInstance(ctx context.Context, instanceID string) ([]*model.HistoryEntry, error) {
	rows, err := h.s.q.QueryContext(ctx, h.s.rebind(
		`SELECT id, instance_id, from_state, to_state, trigger_name, actor_id, at, notes, context_delta
		 FROM workflow_history WHERE instance_id = ? ORDER BY at ASC, id ASC`), instanceID)
	if err != nil {
		return nil, model.WrapError(model.KindRepositoryUnavailable, err, "querying history")
	}
	defer rows.Close()
	var out []*model.HistoryEntry
	for rows.Next() {
		var e model.HistoryEntry
		var at, delta string
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.FromState, &e.ToState, &e.Trigger,
			&e.ActorID, &at, &e.Notes, &delta); err != nil {
			return nil, model.WrapError(model.KindRepositoryUnavailable, err, "scanning history row")
		}
		e.At = decodeTime(at)
		if delta != "" && delta != "{}" {
			e.ContextDelta = decodeMap(delta)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

type sqlInsights struct{ s *SQLStore }

func (n *sqlInsights) Insert(ctx context.Context, insight *model.Insight) error {
	_, err := n.s.q.ExecContext(ctx, n.s.rebind(
		`INSERT INTO ai_insights (id, instance_id, kind, content, confidence, model_id, provider_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		insight.ID, insight.InstanceID, string(insight.Kind), insight.Content,
		insight.Confidence, insight.ModelID, insight.ProviderID, encodeTime(insight.CreatedAt))
	if err != nil {
		return model.WrapError(model.KindRepositoryUnavailable, err, "inserting insight")
	}
	return nil
}

func (n *sqlInsights) ListByInstance(ctx context.Context, instanceID string) ([]*model.Insight, error) {
	rows, err := n.s.q.QueryContext(ctx, n.s.rebind(
		`SELECT id, instance_id, kind, content, confidence, model_id, provider_id, created_at
		 FROM ai_insights WHERE instance_id = ? ORDER BY created_at ASC`), instanceID)
	if err != nil {
		return nil, model.WrapError(model.KindRepositoryUnavailable, err, "querying insights")
	}
	defer rows.Close()
	var out []*model.Insight
	for rows.Next() {
		var ins model.Insight
		var kind, createdAt string
		if err := rows.Scan(&ins.ID, &ins.InstanceID, &kind, &ins.Content,
			&ins.Confidence, &ins.ModelID, &ins.ProviderID, &createdAt); err != nil {
			return nil, model.WrapError(model.KindRepositoryUnavailable, err, "scanning insight row")
		}
		ins.Kind = model.InsightKind(kind)
		ins.CreatedAt = decodeTime(createdAt)
		out = append(out, &ins)
	}
	return out, rows.Err()
}

func (n *sqlInsights) Detach(ctx context.Context, insightID string) error {
	res, err := n.s.q.ExecContext(ctx, n.s.rebind(
		`UPDATE ai_insights SET instance_id = '' WHERE id = ?`), insightID)
	if err != nil {
		return model.WrapError(model.KindRepositoryUnavailable, err, "detaching insight")
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return model.NewError(model.KindNotFound, "insight %q not found", insightID)
	}
	return nil
}
