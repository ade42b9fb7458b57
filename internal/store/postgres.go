package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"baseline/api/internal/util"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const userColumns = `id, display_name, role, password_hash, created_at`

func scanUser(row rowScanner) (User, error) {
	var user User
	if err := row.Scan(&user.ID, &user.DisplayName, &user.Role, &user.PasswordHash, &user.CreatedAt); err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByName(ctx context.Context, name string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE display_name = $1`, name))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	if user.ID == "" {
		user.ID = util.NewID("usr")
	}
	created, err := scanUser(s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name, role, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING `+userColumns,
		user.ID, user.DisplayName, user.Role, user.PasswordHash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return User{}, ErrUserExists
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) SetUserPassword(ctx context.Context, userID, passwordHash string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = $2 WHERE id = $1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("set user password: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) SetUserRole(ctx context.Context, userID, role string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET role = $2 WHERE id = $1`, userID, role)
	if err != nil {
		return fmt.Errorf("set user role: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.role, u.password_hash, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	return scanUser(s.db.QueryRowContext(ctx, query, tokenHash))
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner, projectID string) (Project, error) {
	project := Project{ID: projectID}
	var baselinedAt sql.NullTime
	err := row.Scan(&baselinedAt, &project.BaselinedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return project, nil
	}
	if err != nil {
		return Project{}, fmt.Errorf("read project: %w", err)
	}
	if baselinedAt.Valid {
		at := baselinedAt.Time
		project.BaselinedAt = &at
	}
	return project, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT baselined_at, baselined_by FROM projects WHERE id=$1`, projectID)
	return scanProject(row, projectID)
}

func (s *PostgresStore) MarkProjectBaselined(ctx context.Context, project Project, change OperationalChange) (Project, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Project{}, false, fmt.Errorf("begin baseline tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO projects (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, project.ID); err != nil {
		return Project{}, false, fmt.Errorf("ensure project: %w", err)
	}
	existing, err := scanProject(tx.QueryRowContext(ctx, `SELECT baselined_at, baselined_by FROM projects WHERE id=$1 FOR UPDATE`, project.ID), project.ID)
	if err != nil {
		return Project{}, false, err
	}
	if existing.Baselined() {
		return existing, false, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE projects SET baselined_at=$2, baselined_by=$3 WHERE id=$1`,
		project.ID, project.BaselinedAt, project.BaselinedBy); err != nil {
		return Project{}, false, fmt.Errorf("mark project baselined: %w", err)
	}
	if err := insertChange(ctx, tx, change); err != nil {
		return Project{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Project{}, false, fmt.Errorf("commit baseline tx: %w", err)
	}
	return project, true, nil
}

const fieldStateColumns = `project_id, field, is_baseline, is_pending, pending_request_id, current_value, baseline_version, updated_at`

func scanFieldState(row rowScanner) (FieldState, error) {
	var state FieldState
	err := row.Scan(&state.ProjectID, &state.Field, &state.IsBaseline, &state.IsPending,
		&state.PendingRequestID, &state.CurrentValue, &state.BaselineVersion, &state.UpdatedAt)
	return state, err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func ensureFieldRow(ctx context.Context, db execer, defaults FieldState) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO field_states (project_id, field, is_baseline, current_value, baseline_version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (project_id, field) DO NOTHING
	`, defaults.ProjectID, defaults.Field, defaults.IsBaseline, defaults.CurrentValue, defaults.BaselineVersion, defaults.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ensure field state: %w", err)
	}
	return nil
}

func (s *PostgresStore) EnsureFieldState(ctx context.Context, defaults FieldState) (FieldState, error) {
	if err := ensureFieldRow(ctx, s.db, defaults); err != nil {
		return FieldState{}, err
	}
	state, err := scanFieldState(s.db.QueryRowContext(ctx,
		`SELECT `+fieldStateColumns+` FROM field_states WHERE project_id=$1 AND field=$2`, defaults.ProjectID, defaults.Field))
	if err != nil {
		return FieldState{}, fmt.Errorf("read field state: %w", err)
	}
	return state, nil
}

func (s *PostgresStore) ListFieldStates(ctx context.Context, projectID string) ([]FieldState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+fieldStateColumns+` FROM field_states WHERE project_id=$1 ORDER BY field`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list field states: %w", err)
	}
	defer rows.Close()

	items := make([]FieldState, 0)
	for rows.Next() {
		state, err := scanFieldState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan field state: %w", err)
		}
		items = append(items, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate field states: %w", err)
	}
	return items, nil
}

// UpdateField locks the field row for the duration of fn and applies the
// staged writes in the same transaction.
func (s *PostgresStore) UpdateField(ctx context.Context, defaults FieldState, fn func(FieldTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin field tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := ensureFieldRow(ctx, tx, defaults); err != nil {
		return err
	}
	state, err := scanFieldState(tx.QueryRowContext(ctx,
		`SELECT `+fieldStateColumns+` FROM field_states WHERE project_id=$1 AND field=$2 FOR UPDATE`, defaults.ProjectID, defaults.Field))
	if err != nil {
		return fmt.Errorf("lock field state: %w", err)
	}
	project, err := scanProject(tx.QueryRowContext(ctx,
		`SELECT baselined_at, baselined_by FROM projects WHERE id=$1 FOR SHARE`, defaults.ProjectID), defaults.ProjectID)
	if err != nil {
		return err
	}

	ftx := &postgresFieldTx{ctx: ctx, tx: tx, project: project, current: state}
	if err := fn(ftx); err != nil {
		return err
	}
	if ftx.empty() {
		return nil
	}
	if err := ftx.flush(); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit field tx: %w", err)
	}
	return nil
}

type postgresFieldTx struct {
	stagedWrites
	ctx     context.Context
	tx      *sql.Tx
	project Project
	current FieldState
}

func (t *postgresFieldTx) Project() Project { return t.project }

func (t *postgresFieldTx) State() FieldState { return t.current }

func (t *postgresFieldTx) Request(requestID string) (ChangeRequest, error) {
	return scanRequest(t.tx.QueryRowContext(t.ctx, `SELECT `+requestColumns+` FROM change_requests WHERE id=$1 FOR UPDATE`, requestID))
}

func (t *postgresFieldTx) flush() error {
	for _, request := range t.decided {
		result, err := t.tx.ExecContext(t.ctx, `
			UPDATE change_requests
			SET status=$2, approved_by=$3, decision_at=$4, approver_comments=$5, resulting_version=$6
			WHERE id=$1 AND status='PENDING'
		`, request.ID, request.Status, request.ApprovedBy, request.DecisionAt, request.ApproverComments, request.ResultingVersion)
		if err != nil {
			return fmt.Errorf("decide change request: %w", err)
		}
		if affected, err := result.RowsAffected(); err == nil && affected == 0 {
			return ErrNotPending
		}
	}
	for _, request := range t.inserted {
		_, err := t.tx.ExecContext(t.ctx, `
			INSERT INTO change_requests (id, project_id, field, field_label, old_value, new_value, requested_by, requested_at, justification, status, baseline_version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, request.ID, request.ProjectID, request.Field, request.FieldLabel, request.OldValue, request.NewValue,
			request.RequestedBy, request.RequestedAt, request.Justification, request.Status, request.BaselineVersion)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return ErrPendingConflict
			}
			return fmt.Errorf("insert change request: %w", err)
		}
	}
	if st := t.stagedWrites.state; st != nil {
		_, err := t.tx.ExecContext(t.ctx, `
			UPDATE field_states
			SET is_baseline=$3, is_pending=$4, pending_request_id=$5, current_value=$6, baseline_version=$7, updated_at=$8
			WHERE project_id=$1 AND field=$2
		`, st.ProjectID, st.Field, st.IsBaseline, st.IsPending, st.PendingRequestID, st.CurrentValue, st.BaselineVersion, st.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update field state: %w", err)
		}
	}
	for _, change := range t.changes {
		if err := insertChange(t.ctx, t.tx, change); err != nil {
			return err
		}
	}
	return nil
}

func insertChange(ctx context.Context, db execer, change OperationalChange) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO operational_changes (id, project_id, section, field, kind, old_value, new_value, actor, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, change.ID, change.ProjectID, change.Section, change.Field, change.Kind, change.OldValue, change.NewValue, change.Actor, change.At)
	if err != nil {
		return fmt.Errorf("insert operational change: %w", err)
	}
	return nil
}

const requestColumns = `id, project_id, field, field_label, old_value, new_value, requested_by, requested_at, justification, status, approved_by, decision_at, approver_comments, baseline_version, resulting_version`

func scanRequest(row rowScanner) (ChangeRequest, error) {
	var request ChangeRequest
	var decisionAt sql.NullTime
	var resulting sql.NullInt64
	err := row.Scan(&request.ID, &request.ProjectID, &request.Field, &request.FieldLabel, &request.OldValue, &request.NewValue,
		&request.RequestedBy, &request.RequestedAt, &request.Justification, &request.Status, &request.ApprovedBy,
		&decisionAt, &request.ApproverComments, &request.BaselineVersion, &resulting)
	if err != nil {
		return ChangeRequest{}, err
	}
	if decisionAt.Valid {
		at := decisionAt.Time
		request.DecisionAt = &at
	}
	if resulting.Valid {
		version := int(resulting.Int64)
		request.ResultingVersion = &version
	}
	return request, nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, requestID string) (ChangeRequest, error) {
	return scanRequest(s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM change_requests WHERE id=$1`, requestID))
}

// limitArg binds a LIMIT parameter. A NULL limit is LIMIT ALL, which matches
// the memory store's treatment of limit <= 0.
func limitArg(limit int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
}

func (s *PostgresStore) ListRequests(ctx context.Context, filter RequestFilter) ([]ChangeRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM change_requests
		WHERE ($1 = '' OR project_id = $1)
			AND ($2 = '' OR status = UPPER($2))
			AND ($3::timestamptz IS NULL OR requested_at < $3)
		ORDER BY requested_at DESC, id DESC
		LIMIT $4
	`, filter.ProjectID, filter.Status, filter.RequestedBefore, limitArg(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("list change requests: %w", err)
	}
	defer rows.Close()

	items := make([]ChangeRequest, 0)
	for rows.Next() {
		request, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change request: %w", err)
		}
		items = append(items, request)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change requests: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListOperationalChanges(ctx context.Context, projectID string, limit int) ([]OperationalChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, section, field, kind, old_value, new_value, actor, at
		FROM operational_changes
		WHERE project_id = $1
		ORDER BY at DESC, id DESC
		LIMIT $2
	`, projectID, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list operational changes: %w", err)
	}
	defer rows.Close()

	items := make([]OperationalChange, 0)
	for rows.Next() {
		var item OperationalChange
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Section, &item.Field, &item.Kind,
			&item.OldValue, &item.NewValue, &item.Actor, &item.At); err != nil {
			return nil, fmt.Errorf("scan operational change: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operational changes: %w", err)
	}
	return items, nil
}
