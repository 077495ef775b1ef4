// Package sqlite implements the message store on a local SQLite file, the
// standalone deployment default. A single connection avoids SQLITE_BUSY
// under concurrent dispatch.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/omnigate/internal/message"
	"github.com/nextlevelbuilder/omnigate/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const messageCols = `id, from_channel, to_channel, content, target, template,
	template_vars, metadata, priority, status, retry_count, max_retries,
	last_error, created_at, sent_at, updated_at`

// Store persists gateway state in a single SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies any
// pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
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
	drv, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	// Closing m would close the caller's db handle, so leave it open.
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
			"UPDATE messages SET status=?, last_error=?, updated_at=? WHERE id=?",
			status, errText, now, id)
		return err
	}
	var sentAt interface{}
	if status == "sent" {
		sentAt = now
	}
	// The first sent stamp wins; later transitions never move it.
	_, err := s.db.ExecContext(ctx,
		"UPDATE messages SET status=?, sent_at=COALESCE(sent_at, ?), updated_at=? WHERE id=?",
		status, sentAt, now, id)
	return err
}

func (s *Store) GetMessage(ctx context.Context, id string) (*store.MessageRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+messageCols+" FROM messages WHERE id = ?", id)
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
	args = append(args, limit, f.Offset)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageCols+" FROM messages"+where+
			" ORDER BY created_at DESC LIMIT ? OFFSET ?", args...)
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
	if f.Channel != "" {
		conds = append(conds, "to_channel = ?")
		args = append(args, f.Channel)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Target != "" {
		conds = append(conds, "target = ?")
		args = append(args, f.Target)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, message.FormatTime(f.Since))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, message.FormatTime(f.Until))
	}
	if len(conds) == 0 {
		return "", nil
	}
	where := " WHERE " + conds[0]
	for _, c := range conds[1:] {
		where += " AND " + c
	}
	return where, args
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
		"SELECT status, COUNT(*) FROM messages WHERE created_at >= ? GROUP BY status",
		since, st.ByStatus); err != nil {
		return nil, err
	}
	if err := groupCount(ctx, s.db,
		"SELECT to_channel, COUNT(*) FROM messages WHERE created_at >= ? GROUP BY to_channel",
		since, st.ByChannel); err != nil {
		return nil, err
	}
	if err := groupCount(ctx, s.db,
		`SELECT substr(created_at, 1, 13), COUNT(*) FROM messages
		 WHERE created_at >= ? GROUP BY 1 ORDER BY 1`,
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
		VALUES (?, ?, ?, ?, ?)`,
		messageID, event, nullStr(channel), nullStr(details),
		message.FormatTime(time.Now()))
	return err
}

func (s *Store) GetEvents(ctx context.Context, messageID string) ([]store.DeliveryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, event, channel, details, timestamp
		FROM delivery_events WHERE message_id = ? ORDER BY id`, messageID)
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
		VALUES (?, ?, ?, ?, ?)
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
		WHERE status = 'pending' AND scheduled_at <= ?
		ORDER BY scheduled_at`, message.FormatTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanScheduled(rows)
}

func (s *Store) MarkScheduledDone(ctx context.Context, id, result string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_messages SET status='executed', executed_at=?, result=?
		WHERE id=?`,
		message.FormatTime(time.Now()), nullStr(result), id)
	return err
}

func (s *Store) GetScheduled(ctx context.Context, status string, limit int) ([]store.ScheduledRecord, error) {
	query := `
		SELECT id, message_data, scheduled_at, status, executed_at, result, created_at
		FROM scheduled_messages`
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY scheduled_at"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanScheduled(rows)
}

func (s *Store) DeleteScheduled(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM scheduled_messages WHERE id = ?", id)
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
		VALUES (?, ?, ?, ?, ?)
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
		query += " LIMIT ?"
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
	_, err := s.db.ExecContext(ctx, "DELETE FROM dead_letters WHERE message_id = ?", messageID)
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
