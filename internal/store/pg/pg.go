// Package pg implements the message store on PostgreSQL for managed
// deployments where several gateway instances share history.
package pg

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/omnigate/internal/message"
	"github.com/nextlevelbuilder/omnigate/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const messageCols = `id, from_channel, to_channel, content, target, template,
	template_vars, metadata, priority, status, retry_count, max_retries,
	last_error, created_at, sent_at, updated_at`

// Store persists gateway state in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to the database at dsn and applies any pending migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	drv, err := pgmigrate.WithInstance(db, &pgmigrate.Config{MultiStatementEnabled: true})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	// Closing m would close the caller's db handle, so leave it open.
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// NewMigrator builds a standalone migrator over the embedded migrations.
// The migrate CLI command owns its lifecycle; Close releases the connection.
func NewMigrator(dsn string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	drv, err := pgmigrate.WithInstance(db, &pgmigrate.Config{MultiStatementEnabled: true})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", src, "postgres", drv)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveMessage(ctx context.Context, rec store.MessageRecord) error {
	vars, err := json.Marshal(emptyIfNil(rec.TemplateVars))
	if err != nil {
		return fmt.Errorf("encode template vars: %w", err)
	}
	meta, err := json.Marshal(emptyIfNil(rec.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	now := message.FormatTime(time.Now())
	created := now
	if !rec.CreatedAt.IsZero() {
		created = message.FormatTime(rec.CreatedAt)
	}
	var sentAt interface{}
	if rec.SentAt != nil {
		sentAt = message.FormatTime(*rec.SentAt)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT(id) DO UPDATE SET
			from_channel=excluded.from_channel, to_channel=excluded.to_channel,
			content=excluded.content, target=excluded.target,
			template=excluded.template, template_vars=excluded.template_vars,
			metadata=excluded.metadata, priority=excluded.priority,
			status=excluded.status, retry_count=excluded.retry_count,
			max_retries=excluded.max_retries, last_error=excluded.last_error,
			sent_at=excluded.sent_at, updated_at=excluded.updated_at`,
		rec.ID, rec.FromChannel, rec.ToChannel, rec.Content, rec.Target,
		nullStr(rec.Template), string(vars), string(meta), rec.Priority,
		rec.Status, rec.RetryCount, rec.MaxRetries, nullStr(rec.LastError),
		created, sentAt, now)
	return err
}

func (s *Store) UpdateStatus(ctx context.Context, id, status, errText string) error {
	now := message.FormatTime(time.Now())
	if errText != "" {
		_, err := s.db.ExecContext(ctx,
			"UPDATE messages SET status=$1, last_error=$2, updated_at=$3 WHERE id=$4",
			status, errText, now, id)
		return err
	}
	var sentAt interface{}
	if status == "sent" {
		sentAt = now
	}
	// The first sent stamp wins; later transitions never move it.
	_, err := s.db.ExecContext(ctx,
		"UPDATE messages SET status=$1, sent_at=COALESCE(sent_at, $2), updated_at=$3 WHERE id=$4",
		status, sentAt, now, id)
	return err
}

func (s *Store) GetMessage(ctx context.Context, id string) (*store.MessageRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+messageCols+" FROM messages WHERE id = $1", id)
	rec, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *Store) QueryMessages(ctx context.Context, f store.QueryFilter) ([]store.MessageRecord, error) {
	where, args := buildFilter(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(
		"SELECT "+messageCols+" FROM messages%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		where, len(args)+1, len(args)+2)
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.MessageRecord
	for rows.Next() {
		rec, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *Store) CountMessages(ctx context.Context, f store.QueryFilter) (int, error) {
	where, args := buildFilter(f)
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages"+where, args...).Scan(&n)
	return n, err
}

func buildFilter(f store.QueryFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(expr string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}
	if f.Channel != "" {
		add("to_channel = $%d", f.Channel)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Target != "" {
		add("target = $%d", f.Target)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", message.FormatTime(f.Since))
	}
	if !f.Until.IsZero() {
		add("created_at <= $%d", message.FormatTime(f.Until))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *Store) GetStats(ctx context.Context, hours int) (*store.Stats, error) {
	if hours <= 0 {
		hours = 24
	}
	since := message.FormatTime(time.Now().Add(-time.Duration(hours) * time.Hour))
	st := &store.Stats{
		PeriodHours: hours,
		ByStatus:    map[string]int{},
		ByChannel:   map[string]int{},
		ByHour:      map[string]int{},
	}

	if err := groupCount(ctx, s.db,
		"SELECT status, COUNT(*) FROM messages WHERE created_at >= $1 GROUP BY status",
		since, st.ByStatus); err != nil {
		return nil, err
	}
	if err := groupCount(ctx, s.db,
		"SELECT to_channel, COUNT(*) FROM messages WHERE created_at >= $1 GROUP BY to_channel",
		since, st.ByChannel); err != nil {
		return nil, err
	}
	if err := groupCount(ctx, s.db,
		`SELECT substr(created_at, 1, 13), COUNT(*) FROM messages
		 WHERE created_at >= $1 GROUP BY 1 ORDER BY 1`,
		since, st.ByHour); err != nil {
		return nil, err
	}

	for _, n := range st.ByStatus {
		st.Total += n
	}
	if st.Total > 0 {
		rate := float64(st.ByStatus["sent"]) / float64(st.Total) * 100
		st.SuccessRate = math.Round(rate*100) / 100
	}
	return st, nil
}

func groupCount(ctx context.Context, db *sql.DB, query, since string, dst map[string]int) error {
	rows, err := db.QueryContext(ctx, query, since)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		dst[key] = n
	}
	return rows.Err()
}

func (s *Store) LogEvent(ctx context.Context, messageID, event, channel, details string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_events (message_id, event, channel, details, timestamp)
		VALUES ($1, $2, $3, $4, $5)`,
		messageID, event, nullStr(channel), nullStr(details),
		message.FormatTime(time.Now()))
	return err
}

func (s *Store) GetEvents(ctx context.Context, messageID string) ([]store.DeliveryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, event, channel, details, timestamp
		FROM delivery_events WHERE message_id = $1 ORDER BY id`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.DeliveryEvent
	for rows.Next() {
		var ev store.DeliveryEvent
		var channel, details sql.NullString
		var ts string
		if err := rows.Scan(&ev.ID, &ev.MessageID, &ev.Event, &channel, &details, &ts); err != nil {
			return nil, err
		}
		ev.Channel = channel.String
		ev.Details = details.String
		ev.Timestamp, _ = message.ParseTime(ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) SaveScheduled(ctx context.Context, rec store.ScheduledRecord) error {
	data, err := json.Marshal(emptyIfNil(rec.MessageData))
	if err != nil {
		return fmt.Errorf("encode message data: %w", err)
	}
	status := rec.Status
	if status == "" {
		status = "pending"
	}
	created := time.Now()
	if !rec.CreatedAt.IsZero() {
		created = rec.CreatedAt
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_messages (id, message_data, scheduled_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT(id) DO UPDATE SET
			message_data=excluded.message_data,
			scheduled_at=excluded.scheduled_at,
			status=excluded.status`,
		rec.ID, string(data), message.FormatTime(rec.ScheduledAt), status,
		message.FormatTime(created))
	return err
}

func (s *Store) GetDueScheduled(ctx context.Context, now time.Time) ([]store.ScheduledRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_data, scheduled_at, status, executed_at, result, created_at
		FROM scheduled_messages
		WHERE status = 'pending' AND scheduled_at <= $1
		ORDER BY scheduled_at`, message.FormatTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanScheduled(rows)
}

func (s *Store) MarkScheduledDone(ctx context.Context, id, result string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_messages SET status='executed', executed_at=$1, result=$2
		WHERE id=$3`,
		message.FormatTime(time.Now()), nullStr(result), id)
	return err
}

func (s *Store) GetScheduled(ctx context.Context, status string, limit int) ([]store.ScheduledRecord, error) {
	query := `
		SELECT id, message_data, scheduled_at, status, executed_at, result, created_at
		FROM scheduled_messages`
	var args []interface{}
	if status != "" {
		args = append(args, status)
		query += " WHERE status = $1"
	}
	query += " ORDER BY scheduled_at"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanScheduled(rows)
}

func (s *Store) DeleteScheduled(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM scheduled_messages WHERE id = $1", id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanScheduled(rows *sql.Rows) ([]store.ScheduledRecord, error) {
	var out []store.ScheduledRecord
	for rows.Next() {
		var rec store.ScheduledRecord
		var data, at, created string
		var executed, result sql.NullString
		if err := rows.Scan(&rec.ID, &data, &at, &rec.Status, &executed, &result, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &rec.MessageData); err != nil {
			return nil, fmt.Errorf("decode message data for %s: %w", rec.ID, err)
		}
		rec.ScheduledAt, _ = message.ParseTime(at)
		rec.CreatedAt, _ = message.ParseTime(created)
		if executed.Valid {
			if t, err := message.ParseTime(executed.String); err == nil {
				rec.ExecutedAt = &t
			}
		}
		rec.Result = result.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) SaveDeadLetter(ctx context.Context, rec store.DeadLetterRecord) error {
	msg, err := json.Marshal(emptyIfNil(rec.Message))
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	failed := time.Now()
	if !rec.FailedAt.IsZero() {
		failed = rec.FailedAt
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (message_id, message, error, retry_count, failed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT(message_id) DO UPDATE SET
			message=excluded.message, error=excluded.error,
			retry_count=excluded.retry_count, failed_at=excluded.failed_at`,
		rec.MessageID, string(msg), nullStr(rec.Error), rec.RetryCount,
		message.FormatTime(failed))
	return err
}

func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]store.DeadLetterRecord, error) {
	query := `
		SELECT message_id, message, error, retry_count, failed_at
		FROM dead_letters ORDER BY failed_at`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.DeadLetterRecord
	for rows.Next() {
		var rec store.DeadLetterRecord
		var msg, failed string
		var errText sql.NullString
		if err := rows.Scan(&rec.MessageID, &msg, &errText, &rec.RetryCount, &failed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(msg), &rec.Message); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", rec.MessageID, err)
		}
		rec.Error = errText.String
		rec.FailedAt, _ = message.ParseTime(failed)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) DeleteDeadLetter(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM dead_letters WHERE message_id = $1", messageID)
	return err
}

func (s *Store) ClearDeadLetters(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM dead_letters")
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanMessage(sc interface{ Scan(...interface{}) error }) (*store.MessageRecord, error) {
	var rec store.MessageRecord
	var content, template, lastError, sentAt, vars, meta, updated sql.NullString
	var created string
	if err := sc.Scan(&rec.ID, &rec.FromChannel, &rec.ToChannel, &content,
		&rec.Target, &template, &vars, &meta, &rec.Priority, &rec.Status,
		&rec.RetryCount, &rec.MaxRetries, &lastError, &created, &sentAt,
		&updated); err != nil {
		return nil, err
	}
	rec.Content = content.String
	rec.Template = template.String
	rec.LastError = lastError.String
	rec.CreatedAt, _ = message.ParseTime(created)
	if sentAt.Valid {
		if t, err := message.ParseTime(sentAt.String); err == nil {
			rec.SentAt = &t
		}
	}
	if updated.Valid {
		rec.UpdatedAt, _ = message.ParseTime(updated.String)
	}
	if vars.Valid && vars.String != "" {
		json.Unmarshal([]byte(vars.String), &rec.TemplateVars)
	}
	if meta.Valid && meta.String != "" {
		json.Unmarshal([]byte(meta.String), &rec.Metadata)
	}
	return &rec, nil
}

func emptyIfNil(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
