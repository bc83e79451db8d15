package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"remindbot/internal/clock"
	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Times are stored as unix milliseconds so range scans use the index.
type sqliteStore struct {
	db  *sql.DB
	clk clock.Clock
	log logx.Logger
}

func openSQLite(cfg Config, clk clock.Clock, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers, which makes each UPDATE a clean CAS.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds())); err != nil {
		log.Warn("sqlite busy_timeout not set", logx.Err(err))
	}
	var mode string
	if err := db.QueryRow("PRAGMA journal_mode = WAL").Scan(&mode); err != nil {
		log.Warn("sqlite journal_mode not set", logx.Err(err))
	} else if !strings.EqualFold(mode, "wal") && path != ":memory:" {
		log.Warn("sqlite is not in WAL mode", logx.String("journal_mode", mode), logx.String("path", path))
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		log.Warn("sqlite synchronous not set", logx.Err(err))
	}

	st := &sqliteStore{db: db, clk: clk, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const reminderColumns = `id, owner_id, title, description, scheduled_at, status,
	repeat_kind, repeat_every_ms, repeat_until, repeat_tz, retry_count,
	created_at, updated_at, sent_at, last_error, category, priority, source,
	series_id, anchor_at, sequence`

func (s *sqliteStore) Create(ctx context.Context, d reminder.Draft) (reminder.Reminder, error) {
	now := s.clk.Now()
	if err := d.Validate(now); err != nil {
		return reminder.Reminder{}, err
	}
	r := newFromDraft(d, 0, now)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(owner_id, title, description, scheduled_at, status,
			repeat_kind, repeat_every_ms, repeat_until, repeat_tz, retry_count,
			created_at, updated_at, category, priority, source, series_id, anchor_at, sequence)
		 VALUES(?,?,?,?,?,?,?,?,?,0,?,?,?,?,?,?,?,?)`,
		r.OwnerID, r.Title, nullStr(r.Description), ms(r.ScheduledAt), string(r.Status),
		string(r.Repeat.Kind), r.Repeat.Every.Milliseconds(), nullMS(r.Repeat.Until), nullStr(r.Repeat.TZ),
		ms(now), ms(now), nullStr(r.Category), string(r.Priority), nullStr(r.Source),
		r.SeriesID, nullMS(r.AnchorAt), r.Sequence,
	)
	if err != nil {
		return reminder.Reminder{}, fmt.Errorf("insert reminder: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return reminder.Reminder{}, err
	}
	// Read back so callers see the same millisecond precision later loads do.
	return s.Get(ctx, id)
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (reminder.Reminder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Reminder{}, &reminder.NotFoundError{ID: id}
	}
	if err != nil {
		return reminder.Reminder{}, err
	}
	return r, nil
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, id int64, from, to reminder.Status, ch reminder.Changes) (bool, error) {
	if !reminder.CanTransition(from, to) {
		return false, nil
	}
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), ms(s.clk.Now())}
	switch {
	case to == reminder.StatusPending:
		sets = append(sets, "sent_at = NULL")
	case ch.SentAt != nil:
		sets = append(sets, "sent_at = ?")
		args = append(args, ms(*ch.SentAt))
	}
	if ch.ScheduledAt != nil {
		sets = append(sets, "scheduled_at = ?")
		args = append(args, ms(*ch.ScheduledAt))
	}
	if ch.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *ch.RetryCount)
	}
	if ch.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, nullStr(*ch.LastError))
	}

	q := `UPDATE reminders SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status = ?`
	args = append(args, id, string(from))
	if !ch.ExpectScheduledAt.IsZero() {
		q += ` AND scheduled_at = ?`
		args = append(args, ms(ch.ExpectScheduledAt))
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) ListDue(ctx context.Context, before time.Time) ([]reminder.Reminder, []*reminder.RecoveryError, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reminderColumns+` FROM reminders
		 WHERE status = 'pending' AND scheduled_at < ?
		 ORDER BY scheduled_at, id`, ms(before))
	if err != nil {
		return nil, nil, fmt.Errorf("list due: %w", err)
	}
	defer rows.Close()

	var (
		out []reminder.Reminder
		bad []*reminder.RecoveryError
	)
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			var rerr *reminder.RecoveryError
			if errors.As(err, &rerr) {
				bad = append(bad, rerr)
				continue
			}
			return nil, nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return out, bad, nil
}

func (s *sqliteStore) ListPending(ctx context.Context, ownerID int64) ([]reminder.Reminder, error) {
	q := `SELECT ` + reminderColumns + ` FROM reminders WHERE status = 'pending'`
	var args []any
	if ownerID != 0 {
		q += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	q += ` ORDER BY scheduled_at, id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()
	var out []reminder.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			var rerr *reminder.RecoveryError
			if errors.As(err, &rerr) {
				s.log.Warn("skipping unreadable reminder", logx.Int64("id", rerr.ID), logx.Err(rerr.Err))
				continue
			}
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Delete(ctx context.Context, id, ownerID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return false, fmt.Errorf("delete reminder: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) Stats(ctx context.Context, ownerID int64) (reminder.Stats, error) {
	q := `SELECT status, repeat_kind != '' AS recurring, COUNT(*) FROM reminders`
	var args []any
	if ownerID != 0 {
		q += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	q += ` GROUP BY status, recurring`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return reminder.Stats{}, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()
	var st reminder.Stats
	for rows.Next() {
		var (
			status    string
			recurring bool
			n         int
		)
		if err := rows.Scan(&status, &recurring, &n); err != nil {
			return reminder.Stats{}, err
		}
		st.AddN(reminder.Status(status), n)
		if recurring && status == string(reminder.StatusPending) {
			st.Recurring += n
		}
	}
	return st, rows.Err()
}

func (s *sqliteStore) PutUser(ctx context.Context, u reminder.User) error {
	if u.ID == 0 {
		return &reminder.ValidationError{Field: "user.id", Reason: "required"}
	}
	now := ms(s.clk.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, username, timezone, notifications_enabled, created_at, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   username = excluded.username,
		   timezone = excluded.timezone,
		   notifications_enabled = excluded.notifications_enabled,
		   updated_at = excluded.updated_at`,
		u.ID, nullStr(u.Username), nullStr(u.Timezone), u.NotificationsEnabled, now, now,
	)
	return err
}

func (s *sqliteStore) GetUser(ctx context.Context, id int64) (reminder.User, error) {
	var (
		u                reminder.User
		username, tz     sql.NullString
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, timezone, notifications_enabled, created_at, updated_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &username, &tz, &u.NotificationsEnabled, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.User{}, ErrUserNotFound
	}
	if err != nil {
		return reminder.User{}, err
	}
	u.Username = username.String
	u.Timezone = tz.String
	u.CreatedAt = fromMS(created)
	u.UpdatedAt = fromMS(updated)
	return u, nil
}

func (s *sqliteStore) AppendLog(ctx context.Context, e LogEntry) error {
	if e.At.IsZero() {
		e.At = s.clk.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminder_logs(at, reminder_id, owner_id, event, attempt_id, detail) VALUES(?,?,?,?,?,?)`,
		ms(e.At), e.ReminderID, e.OwnerID, e.Event, nullStr(e.AttemptID), nullStr(e.Detail),
	)
	return err
}

func (s *sqliteStore) PruneLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminder_logs WHERE at < ?`, ms(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) PurgeFinished(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminders WHERE status IN ('sent','failed','cancelled') AND updated_at < ?`, ms(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanReminder returns sql errors as-is and malformed rows as RecoveryErrors.
func scanReminder(sc rowScanner) (reminder.Reminder, error) {
	var (
		r                                    reminder.Reminder
		desc, tz, lastErr, cat, src          sql.NullString
		status, kind, prio                   string
		scheduled, created, updated, everyMS int64
		until, sent, anchor                  sql.NullInt64
	)
	err := sc.Scan(&r.ID, &r.OwnerID, &r.Title, &desc, &scheduled, &status,
		&kind, &everyMS, &until, &tz, &r.RetryCount,
		&created, &updated, &sent, &lastErr, &cat, &prio, &src,
		&r.SeriesID, &anchor, &r.Sequence)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return reminder.Reminder{}, err
		}
		return reminder.Reminder{}, &reminder.RecoveryError{ID: r.ID, Err: err}
	}
	r.Description = desc.String
	r.ScheduledAt = fromMS(scheduled)
	r.Status = reminder.Status(status)
	r.Repeat = reminder.Rule{Kind: reminder.RepeatKind(kind), Every: time.Duration(everyMS) * time.Millisecond, TZ: tz.String}
	if until.Valid {
		r.Repeat.Until = fromMS(until.Int64)
	}
	r.CreatedAt = fromMS(created)
	r.UpdatedAt = fromMS(updated)
	if sent.Valid {
		r.SentAt = fromMS(sent.Int64)
	}
	r.LastError = lastErr.String
	r.Category = cat.String
	r.Priority = reminder.Priority(prio)
	r.Source = src.String
	if anchor.Valid {
		r.AnchorAt = fromMS(anchor.Int64)
	}
	if err := checkDecoded(r); err != nil {
		return reminder.Reminder{}, &reminder.RecoveryError{ID: r.ID, Err: err}
	}
	return r, nil
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullMS(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
