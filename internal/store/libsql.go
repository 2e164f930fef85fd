package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/hrflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/hrflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Definitions ---

func (s *LibSQLStore) StoreDefinition(ctx context.Context, def *Definition) error {
	body, err := json.Marshal(def.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO definitions (name, version, description, definition, created_by, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		def.Name, def.Version, nullStr(def.Description), string(body), nullStr(def.CreatedBy), timeOrNow(def.CreatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "definition %s v%d already exists", def.Name, def.Version).WithCause(err)
	}
	return err
}

// GetDefinition returns the given version, or the latest when version is 0.
func (s *LibSQLStore) GetDefinition(ctx context.Context, name string, version int) (*Definition, error) {
	query := `SELECT name, version, description, definition, created_by, created_at FROM definitions WHERE name = ?`
	args := []any{name}
	if version > 0 {
		query += " AND version = ?"
		args = append(args, version)
	} else {
		query += " ORDER BY version DESC LIMIT 1"
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	defs, err := scanDefinitions(rows)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		if version > 0 {
			return nil, storeNotFound("definition", fmt.Sprintf("%s@%d", name, version))
		}
		return nil, storeNotFound("definition", name)
	}
	return defs[0], nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context) ([]*Definition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, version, description, definition, created_by, created_at FROM definitions ORDER BY name, version DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDefinitions(rows)
}

func scanDefinitions(rows *sql.Rows) ([]*Definition, error) {
	var defs []*Definition
	for rows.Next() {
		d := &Definition{}
		var desc, createdBy sql.NullString
		var body string
		if err := rows.Scan(&d.Name, &d.Version, &desc, &body, &createdBy, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Description = desc.String
		d.CreatedBy = createdBy.String
		if err := json.Unmarshal([]byte(body), &d.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// --- Instances ---

const instanceColumns = `id, definition_name, definition_version, definition, status, initiator, data, created_at, started_at, completed_at, updated_at`

func (s *LibSQLStore) CreateInstance(ctx context.Context, inst *Instance) error {
	def, err := json.Marshal(inst.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	data, err := marshalMapOrDefault(inst.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (`+instanceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.DefinitionName, inst.DefinitionVersion, string(def), string(inst.Status), inst.Initiator,
		string(data), timeOrNow(inst.CreatedAt), nullTime(inst.StartedAt), nullTime(inst.CompletedAt), timeOrNow(inst.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list, err := scanInstances(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, storeNotFound("instance", id)
	}
	return list[0], nil
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Initiator != "" {
		where = append(where, "initiator = ?")
		args = append(args, filter.Initiator)
	}
	if filter.DefinitionName != "" {
		where = append(where, "definition_name = ?")
		args = append(args, filter.DefinitionName)
	}

	query := `SELECT ` + instanceColumns + ` FROM instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

func scanInstances(rows *sql.Rows) ([]*Instance, error) {
	var out []*Instance
	for rows.Next() {
		inst := &Instance{}
		var (
			defJSON, dataJSON, status string
			startedAt, completedAt    sql.NullTime
		)
		if err := rows.Scan(&inst.ID, &inst.DefinitionName, &inst.DefinitionVersion, &defJSON, &status, &inst.Initiator,
			&dataJSON, &inst.CreatedAt, &startedAt, &completedAt, &inst.UpdatedAt); err != nil {
			return nil, err
		}
		inst.Status = schema.InstanceStatus(status)
		if err := json.Unmarshal([]byte(defJSON), &inst.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		if dataJSON != "" {
			_ = json.Unmarshal([]byte(dataJSON), &inst.Data)
		}
		inst.StartedAt = timePtr(startedAt)
		inst.CompletedAt = timePtr(completedAt)
		out = append(out, inst)
	}
	return out, rows.Err()
}

// --- Steps ---

const stepColumns = `instance_id, id, parent_id, name, description, type, status, position, stage, assignee, due_at, overdue_notified_at, blocking, delegation_allowed, delegations, activated_at, completed_at, updated_at`

func (s *LibSQLStore) ListSteps(ctx context.Context, instanceID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE instance_id = ? ORDER BY position ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSteps(rows)
}

func (s *LibSQLStore) QuerySteps(ctx context.Context, filter StepFilter) ([]*Step, error) {
	var where []string
	var args []any

	if filter.Assignee != "" {
		where = append(where, "assignee = ?")
		args = append(args, filter.Assignee)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.DueBefore != nil {
		where = append(where, "due_at IS NOT NULL AND due_at < ?")
		args = append(args, *filter.DueBefore)
	}
	if filter.OverdueUnflagged {
		where = append(where, "overdue_notified_at IS NULL")
	}

	query := `SELECT ` + stepColumns + ` FROM steps`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY due_at ASC, instance_id, position"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSteps(rows)
}

func scanSteps(rows *sql.Rows) ([]*Step, error) {
	var out []*Step
	for rows.Next() {
		st := &Step{}
		var (
			parentID, name, desc, assignee, delegations sql.NullString
			stepType, status                            string
			dueAt, notifiedAt, activatedAt, completedAt sql.NullTime
			blocking, delegationAllowed                 bool
		)
		if err := rows.Scan(&st.InstanceID, &st.ID, &parentID, &name, &desc, &stepType, &status, &st.Position, &st.Stage,
			&assignee, &dueAt, &notifiedAt, &blocking, &delegationAllowed, &delegations, &activatedAt, &completedAt, &st.UpdatedAt); err != nil {
			return nil, err
		}
		st.ParentID = parentID.String
		st.Name = name.String
		st.Description = desc.String
		st.Type = schema.StepType(stepType)
		st.Status = schema.StepStatus(status)
		st.Assignee = assignee.String
		st.DueAt = timePtr(dueAt)
		st.OverdueNotifiedAt = timePtr(notifiedAt)
		st.Blocking = blocking
		st.DelegationAllowed = delegationAllowed
		if delegations.Valid && delegations.String != "" {
			if err := json.Unmarshal([]byte(delegations.String), &st.Delegations); err != nil {
				return nil, fmt.Errorf("unmarshal delegations: %w", err)
			}
		}
		st.ActivatedAt = timePtr(activatedAt)
		st.CompletedAt = timePtr(completedAt)
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- Action log ---

func (s *LibSQLStore) ListActions(ctx context.Context, instanceID string, since int64) ([]*ActionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, step_id, sequence, actor, action, comment, delegate_to, from_status, to_status, timestamp
		 FROM action_log WHERE instance_id = ? AND sequence > ? ORDER BY sequence ASC`,
		instanceID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ActionRecord
	for rows.Next() {
		a := &ActionRecord{}
		var stepID, comment, delegateTo, from, to sql.NullString
		var action string
		if err := rows.Scan(&a.ID, &a.InstanceID, &stepID, &a.Sequence, &a.Actor, &action, &comment, &delegateTo, &from, &to, &a.Timestamp); err != nil {
			return nil, err
		}
		a.StepID = stepID.String
		a.Action = schema.Action(action)
		a.Comment = comment.String
		a.DelegateTo = delegateTo.String
		a.FromStatus = schema.StepStatus(from.String)
		a.ToStatus = schema.StepStatus(to.String)
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Commit ---

// Commit writes the instance row, upserts the steps and appends the action
// records in one transaction. Action sequences are assigned here.
func (s *LibSQLStore) Commit(ctx context.Context, cs *Changeset) error {
	if cs == nil || cs.Empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if inst := cs.Instance; inst != nil {
		res, err := tx.ExecContext(ctx,
			`UPDATE instances SET status = ?, started_at = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
			string(inst.Status), nullTime(inst.StartedAt), nullTime(inst.CompletedAt), timeOrNow(inst.UpdatedAt), inst.ID,
		)
		if err != nil {
			return fmt.Errorf("update instance: %w", err)
		}
		if err := checkRowsAffected(res, "instance", inst.ID); err != nil {
			return err
		}
	}

	for _, st := range cs.Steps {
		if err := upsertStep(ctx, tx, st); err != nil {
			return fmt.Errorf("upsert step %s: %w", st.ID, err)
		}
	}

	if len(cs.Actions) > 0 {
		if err := appendActions(ctx, tx, cs.Actions); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func upsertStep(ctx context.Context, tx *sql.Tx, st *Step) error {
	var delegations any
	if len(st.Delegations) > 0 {
		raw, err := json.Marshal(st.Delegations)
		if err != nil {
			return err
		}
		delegations = string(raw)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO steps (`+stepColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(instance_id, id) DO UPDATE SET
		   status=excluded.status, assignee=excluded.assignee, due_at=excluded.due_at,
		   overdue_notified_at=excluded.overdue_notified_at, delegations=excluded.delegations,
		   activated_at=excluded.activated_at, completed_at=excluded.completed_at, updated_at=excluded.updated_at`,
		st.InstanceID, st.ID, nullStr(st.ParentID), nullStr(st.Name), nullStr(st.Description), string(st.Type), string(st.Status),
		st.Position, st.Stage, nullStr(st.Assignee), nullTime(st.DueAt), nullTime(st.OverdueNotifiedAt),
		st.Blocking, st.DelegationAllowed, delegations, nullTime(st.ActivatedAt), nullTime(st.CompletedAt), timeOrNow(st.UpdatedAt),
	)
	return err
}

func appendActions(ctx context.Context, tx *sql.Tx, actions []*ActionRecord) error {
	seqs := make(map[string]int64)
	for _, a := range actions {
		seq, ok := seqs[a.InstanceID]
		if !ok {
			if err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(sequence), 0) FROM action_log WHERE instance_id = ?`, a.InstanceID,
			).Scan(&seq); err != nil {
				return fmt.Errorf("get next sequence: %w", err)
			}
		}
		seq++
		seqs[a.InstanceID] = seq
		a.Sequence = seq
		a.Timestamp = timeOrNow(a.Timestamp)

		res, err := tx.ExecContext(ctx,
			`INSERT INTO action_log (instance_id, step_id, sequence, actor, action, comment, delegate_to, from_status, to_status, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.InstanceID, nullStr(a.StepID), seq, a.Actor, string(a.Action), nullStr(a.Comment), nullStr(a.DelegateTo),
			nullStr(string(a.FromStatus)), nullStr(string(a.ToStatus)), a.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert action: %w", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			a.ID = id
		}
	}
	return nil
}

// --- Users ---

// UpsertUser inserts or updates a user. On update, a nil Roles slice and an
// empty Email or Metadata keep the stored values; an empty non-nil Roles
// clears them.
func (s *LibSQLStore) UpsertUser(ctx context.Context, u *User) error {
	roles, err := json.Marshal(nonNilRoles(u.Roles))
	if err != nil {
		return fmt.Errorf("marshal roles: %w", err)
	}
	replaceRoles := 0
	if u.Roles != nil {
		replaceRoles = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, roles, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name,
		   email=COALESCE(excluded.email, users.email),
		   roles=CASE WHEN ? = 1 THEN excluded.roles ELSE users.roles END,
		   metadata=COALESCE(excluded.metadata, users.metadata)`,
		u.ID, u.Name, nullStr(u.Email), string(roles), nullRaw(u.Metadata), timeOrNow(u.CreatedAt),
		replaceRoles,
	)
	return err
}

func (s *LibSQLStore) GetUser(ctx context.Context, id string) (*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, email, roles, metadata, created_at, last_seen_at FROM users WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	users, err := scanUsers(rows)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, storeNotFound("user", id)
	}
	return users[0], nil
}

func (s *LibSQLStore) TouchUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET last_seen_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "user", id)
}

func (s *LibSQLStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, email, roles, metadata, created_at, last_seen_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsers(rows)
}

func scanUsers(rows *sql.Rows) ([]*User, error) {
	var out []*User
	for rows.Next() {
		u := &User{}
		var email, metadata sql.NullString
		var roles string
		var lastSeen sql.NullTime
		if err := rows.Scan(&u.ID, &u.Name, &email, &roles, &metadata, &u.CreatedAt, &lastSeen); err != nil {
			return nil, err
		}
		u.Email = email.String
		if roles != "" {
			_ = json.Unmarshal([]byte(roles), &u.Roles)
		}
		u.Metadata = rawOrNil(metadata)
		u.LastSeenAt = timePtr(lastSeen)
		out = append(out, u)
	}
	return out, rows.Err()
}

// --- Notifications ---

func (s *LibSQLStore) CreateNotification(ctx context.Context, n *Notification) error {
	n.CreatedAt = timeOrNow(n.CreatedAt)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (user_id, instance_id, step_id, kind, subject, body, data, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.UserID, nullStr(n.InstanceID), nullStr(n.StepID), n.Kind, n.Subject, nullStr(n.Body), nullRaw(n.Data), n.CreatedAt,
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		n.ID = id
	}
	return nil
}

func (s *LibSQLStore) ListNotifications(ctx context.Context, filter NotificationFilter) ([]*Notification, error) {
	var where []string
	var args []any

	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.UnreadOnly {
		where = append(where, "read_at IS NULL")
	}

	query := `SELECT id, user_id, instance_id, step_id, kind, subject, body, data, created_at, read_at FROM notifications`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n := &Notification{}
		var instanceID, stepID, body, data sql.NullString
		var readAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.UserID, &instanceID, &stepID, &n.Kind, &n.Subject, &body, &data, &n.CreatedAt, &readAt); err != nil {
			return nil, err
		}
		n.InstanceID = instanceID.String
		n.StepID = stepID.String
		n.Body = body.String
		n.Data = rawOrNil(data)
		n.ReadAt = timePtr(readAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) MarkNotificationRead(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read_at = ? WHERE id = ? AND read_at IS NULL`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "notification", fmt.Sprint(id))
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func nonNilRoles(r []string) []string {
	if r == nil {
		return []string{}
	}
	return r
}
