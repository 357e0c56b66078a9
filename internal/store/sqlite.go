// Package store persists message, template and diagnostic records.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"wagate/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the domain stores on a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ domain.MessageStore    = (*SQLiteStore)(nil)
	_ domain.TemplateStore   = (*SQLiteStore)(nil)
	_ domain.DiagnosticStore = (*SQLiteStore)(nil)
)

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite serializes writers anyway and this keeps
	// UpdateStatus's conditional write free of lock retries.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

const messageColumns = `id, external_id, direction, from_addr, to_addr, body, profile_name,
	template_mode, template_name, content_reference, content_variables, status,
	error_code, error_message, sent_at, received_at, reference_subject, media_link,
	created_at, updated_at, provider_status`

func (s *SQLiteStore) Upsert(ctx context.Context, msg *domain.Message) error {
	if msg.ID == "" {
		return errors.New("upsert message: empty id")
	}
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = now
	}
	vars, err := encodeVariables(msg.ContentVariables)
	if err != nil {
		return err
	}

	// external_id is write-once: an existing value always wins.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			external_id       = COALESCE(messages.external_id, excluded.external_id),
			direction         = excluded.direction,
			from_addr         = excluded.from_addr,
			to_addr           = excluded.to_addr,
			body              = excluded.body,
			profile_name      = excluded.profile_name,
			template_mode     = excluded.template_mode,
			template_name     = excluded.template_name,
			content_reference = excluded.content_reference,
			content_variables = excluded.content_variables,
			status            = excluded.status,
			error_code        = excluded.error_code,
			error_message     = excluded.error_message,
			sent_at           = excluded.sent_at,
			received_at       = excluded.received_at,
			reference_subject = excluded.reference_subject,
			media_link        = excluded.media_link,
			updated_at        = excluded.updated_at,
			provider_status   = excluded.provider_status`,
		msg.ID, nullString(msg.ExternalID), string(msg.Direction), msg.From, msg.To, msg.Body, msg.ProfileName,
		boolInt(msg.TemplateMode), msg.TemplateName, msg.ContentReference, vars, string(msg.Status),
		nullString(msg.ErrorCode), nullString(msg.ErrorMessage), nullMillis(msg.SentAt), nullMillis(msg.ReceivedAt),
		msg.ReferenceSubject, msg.MediaLink, msg.CreatedAt.UnixMilli(), msg.UpdatedAt.UnixMilli(),
		msg.ProviderStatus,
	)
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *SQLiteStore) FindByID(ctx context.Context, id string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanOptional(row)
}

// FindByExternalID looks a message up by its provider-assigned id alone.
func (s *SQLiteStore) FindByExternalID(ctx context.Context, externalID string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE external_id = ?`, externalID)
	return scanOptional(row)
}

func (s *SQLiteStore) FindLatestIncoming(ctx context.Context, from string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE direction = ? AND from_addr = ? AND received_at IS NOT NULL
		ORDER BY received_at DESC, created_at DESC
		LIMIT 1`,
		string(domain.DirectionIncoming), from,
	)
	return scanOptional(row)
}

func (s *SQLiteStore) FindByExternalTriple(ctx context.Context, key domain.ExternalKey) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE external_id = ? AND from_addr = ? AND to_addr = ?`,
		key.ExternalID, key.From, key.To,
	)
	return scanOptional(row)
}

// UpdateStatus matches and updates in one statement. A record already
// carrying the same status and error code is left untouched.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, key domain.ExternalKey, upd domain.StatusUpdate) (domain.UpdateResult, error) {
	at := upd.At
	if at.IsZero() {
		at = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = ?, error_code = ?, error_message = ?, updated_at = ?
		WHERE external_id = ? AND from_addr = ? AND to_addr = ?
		  AND NOT (status = ? AND COALESCE(error_code, '') = ?)`,
		string(upd.Status), nullString(upd.ErrorCode), nullString(upd.ErrorMessage), at.UnixMilli(),
		key.ExternalID, key.From, key.To,
		string(upd.Status), upd.ErrorCode,
	)
	if err != nil {
		return domain.UpdateNotFound, fmt.Errorf("update status %s: %w", key.ExternalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.UpdateNotFound, err
	}
	if n > 0 {
		return domain.UpdateApplied, nil
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE external_id = ? AND from_addr = ? AND to_addr = ?`,
		key.ExternalID, key.From, key.To,
	).Scan(&count); err != nil {
		return domain.UpdateNotFound, err
	}
	if count == 0 {
		return domain.UpdateNotFound, nil
	}
	return domain.UpdateUnchanged, nil
}

// ListMessages returns the newest messages first.
func (s *SQLiteStore) ListMessages(ctx context.Context, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) SaveTemplate(ctx context.Context, tpl *domain.Template) error {
	if err := tpl.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO templates (name, body, approval_status, content_reference, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			body = excluded.body,
			approval_status = excluded.approval_status,
			content_reference = excluded.content_reference,
			updated_at = excluded.updated_at`,
		tpl.Name, tpl.Body, string(tpl.ApprovalStatus), tpl.ContentReference, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("save template %s: %w", tpl.Name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM template_slots WHERE template_name = ?`, tpl.Name); err != nil {
		return fmt.Errorf("clear slots of %s: %w", tpl.Name, err)
	}
	for _, slot := range tpl.Slots {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO template_slots (template_name, position, name, type, default_value) VALUES (?, ?, ?, ?, ?)`,
			tpl.Name, slot.Position, slot.Name, slot.Type, slot.DefaultValue,
		); err != nil {
			return fmt.Errorf("save slot %d of %s: %w", slot.Position, tpl.Name, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetTemplate(ctx context.Context, name string) (*domain.Template, error) {
	var tpl domain.Template
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, body, approval_status, content_reference FROM templates WHERE name = ?`, name,
	).Scan(&tpl.Name, &tpl.Body, &status, &tpl.ContentReference)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	tpl.ApprovalStatus = domain.ApprovalStatus(status)
	if tpl.Slots, err = s.loadSlots(ctx, name); err != nil {
		return nil, err
	}
	return &tpl, nil
}

func (s *SQLiteStore) ListTemplates(ctx context.Context, approvedOnly bool) ([]domain.Template, error) {
	query := `SELECT name, body, approval_status, content_reference FROM templates`
	var args []any
	if approvedOnly {
		query += ` WHERE approval_status = ?`
		args = append(args, string(domain.ApprovalApproved))
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var tpls []domain.Template
	for rows.Next() {
		var tpl domain.Template
		var status string
		if err := rows.Scan(&tpl.Name, &tpl.Body, &status, &tpl.ContentReference); err != nil {
			rows.Close()
			return nil, err
		}
		tpl.ApprovalStatus = domain.ApprovalStatus(status)
		tpls = append(tpls, tpl)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Slots are loaded after the cursor closes; the pool has one connection.
	for i := range tpls {
		if tpls[i].Slots, err = s.loadSlots(ctx, tpls[i].Name); err != nil {
			return nil, err
		}
	}
	return tpls, nil
}

func (s *SQLiteStore) loadSlots(ctx context.Context, name string) ([]domain.Slot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT position, name, type, default_value FROM template_slots WHERE template_name = ? ORDER BY position`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []domain.Slot
	for rows.Next() {
		var sl domain.Slot
		if err := rows.Scan(&sl.Position, &sl.Name, &sl.Type, &sl.DefaultValue); err != nil {
			return nil, err
		}
		slots = append(slots, sl)
	}
	return slots, rows.Err()
}

func (s *SQLiteStore) SaveDiagnostic(ctx context.Context, d domain.Diagnostic) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO diagnostics (external_id, status, error_code, detail, hint, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		d.ExternalID, string(d.Status), d.ErrorCode, d.Detail, d.Hint, d.CreatedAt.UnixMilli(),
	)
	return err
}

// ListDiagnostics returns the newest diagnostics first.
func (s *SQLiteStore) ListDiagnostics(ctx context.Context, limit int) ([]domain.Diagnostic, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, external_id, status, error_code, detail, hint, created_at
		FROM diagnostics ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Diagnostic
	for rows.Next() {
		var d domain.Diagnostic
		var status string
		var created int64
		if err := rows.Scan(&d.ID, &d.ExternalID, &status, &d.ErrorCode, &d.Detail, &d.Hint, &created); err != nil {
			return nil, err
		}
		d.Status = domain.Status(status)
		d.CreatedAt = fromMillis(created)
		out = append(out, d)
	}
	return out, rows.Err()
}

// SchemaVersion reports the applied migration version.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	return GetSchemaVersion(s.db)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOptional(row *sql.Row) (*domain.Message, error) {
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func scanMessage(r rowScanner) (*domain.Message, error) {
	var (
		m                       domain.Message
		direction, status, vars string
		templateMode            int
		externalID              sql.NullString
		errCode, errMsg         sql.NullString
		sentAt, receivedAt      sql.NullInt64
		created, updated        int64
	)
	if err := r.Scan(&m.ID, &externalID, &direction, &m.From, &m.To, &m.Body, &m.ProfileName,
		&templateMode, &m.TemplateName, &m.ContentReference, &vars, &status,
		&errCode, &errMsg, &sentAt, &receivedAt, &m.ReferenceSubject, &m.MediaLink,
		&created, &updated, &m.ProviderStatus); err != nil {
		return nil, err
	}
	m.ExternalID = externalID.String
	m.Direction = domain.Direction(direction)
	m.TemplateMode = templateMode != 0
	m.Status = domain.Status(status)
	m.ErrorCode = errCode.String
	m.ErrorMessage = errMsg.String
	m.SentAt = ptrMillis(sentAt)
	m.ReceivedAt = ptrMillis(receivedAt)
	m.CreatedAt = fromMillis(created)
	m.UpdatedAt = fromMillis(updated)
	if vars != "" {
		if err := json.Unmarshal([]byte(vars), &m.ContentVariables); err != nil {
			return nil, fmt.Errorf("decode content variables of %s: %w", m.ID, err)
		}
	}
	return &m, nil
}

func encodeVariables(vars map[string]string) (string, error) {
	if len(vars) == 0 {
		return "", nil
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("encode content variables: %w", err)
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func ptrMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
