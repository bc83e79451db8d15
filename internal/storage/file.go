package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"remindbot/internal/clock"
	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// fileStore keeps all state in memory. With a journal attached it is
// durable:
//   - <prefix>.snapshot.json (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl (one record per mutation since the snapshot)
//
// Without a journal it is the "memory" driver.
type fileStore struct {
	clk clock.Clock
	log logx.Logger

	mu sync.Mutex

	nextID    int64
	reminders map[int64]reminder.Reminder
	users     map[int64]reminder.User
	logs      []LogEntry
	corrupt   []*reminder.RecoveryError
	closed    bool

	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type journalRecord struct {
	Op       string             `json:"op"`
	Reminder *reminder.Reminder `json:"reminder,omitempty"`
	User     *reminder.User     `json:"user,omitempty"`
	Log      *LogEntry          `json:"log,omitempty"`
	ID       int64              `json:"id,omitempty"`
	Before   time.Time          `json:"before,omitempty"`
}

const (
	opPut       = "put"
	opDelete    = "del"
	opUser      = "user"
	opLog       = "log"
	opPruneLogs = "prune_logs"
)

type snapshot struct {
	NextID    int64               `json:"next_id"`
	Reminders []reminder.Reminder `json:"reminders"`
	Users     []reminder.User     `json:"users"`
	Logs      []LogEntry          `json:"logs"`
}

func newMemStore(clk clock.Clock, log logx.Logger) *fileStore {
	return &fileStore{
		clk:          clock.OrReal(clk),
		log:          log,
		reminders:    map[int64]reminder.Reminder{},
		users:        map[int64]reminder.User{},
		compactEvery: 1000,
	}
}

func openFile(cfg Config, clk clock.Clock, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := newMemStore(clk, log)
	s.snapshotPath = prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	if err := s.loadSnapshot(s.snapshotPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	if len(s.corrupt) > 0 {
		s.log.Warn("corrupt records skipped while loading", logx.Int("count", len(s.corrupt)))
	}
	return s, nil
}

func (s *fileStore) loadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	s.nextID = snap.NextID
	for _, r := range snap.Reminders {
		s.putLoaded(r)
	}
	for _, u := range snap.Users {
		s.users[u.ID] = u
	}
	s.logs = append(s.logs, snap.Logs...)
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(strings.TrimSpace(string(b))) == 0 {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			s.corrupt = append(s.corrupt, &reminder.RecoveryError{Err: fmt.Errorf("journal line %d: %w", line, err)})
			continue
		}
		s.applyLocked(rec)
	}
	return sc.Err()
}

// putLoaded admits a reminder read from disk, diverting malformed ones to
// the corrupt list.
func (s *fileStore) putLoaded(r reminder.Reminder) {
	if r.ID > s.nextID {
		s.nextID = r.ID
	}
	if err := checkDecoded(r); err != nil {
		delete(s.reminders, r.ID)
		s.corrupt = append(s.corrupt, &reminder.RecoveryError{ID: r.ID, Err: err})
		return
	}
	s.reminders[r.ID] = r
}

func checkDecoded(r reminder.Reminder) error {
	if r.ID <= 0 {
		return errors.New("missing id")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if r.ScheduledAt.IsZero() {
		return errors.New("missing scheduled_at")
	}
	return r.Repeat.Validate()
}

func (s *fileStore) applyLocked(rec journalRecord) {
	switch rec.Op {
	case opPut:
		if rec.Reminder != nil {
			s.putLoaded(*rec.Reminder)
		}
	case opDelete:
		delete(s.reminders, rec.ID)
	case opUser:
		if rec.User != nil {
			s.users[rec.User.ID] = *rec.User
		}
	case opLog:
		if rec.Log != nil {
			s.logs = append(s.logs, *rec.Log)
		}
	case opPruneLogs:
		s.pruneLogsLocked(rec.Before)
	default:
		s.corrupt = append(s.corrupt, &reminder.RecoveryError{ID: rec.ID, Err: fmt.Errorf("unknown journal op %q", rec.Op)})
	}
}

// writeLocked appends rec to the journal (if any) and then applies it.
func (s *fileStore) writeLocked(rec journalRecord) error {
	if s.closed {
		return ErrClosed
	}
	if s.journal != nil {
		if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
			return err
		}
	}
	s.applyLocked(rec)
	if s.journal != nil {
		s.writes++
		if s.writes%s.compactEvery == 0 {
			if err := s.compactLocked(); err != nil {
				s.log.Warn("journal compaction failed", logx.Err(err))
			}
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	if s.snapshotPath == "" || s.journal == nil {
		return nil
	}
	snap := snapshot{NextID: s.nextID, Logs: s.logs}
	for _, r := range s.reminders {
		snap.Reminders = append(snap.Reminders, r)
	}
	sort.Slice(snap.Reminders, func(i, j int) bool { return snap.Reminders[i].ID < snap.Reminders[j].ID })
	for _, u := range s.users {
		snap.Users = append(snap.Users, u)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	var err error
	if s.journal != nil {
		err = s.compactLocked()
		if cerr := s.journal.Close(); err == nil {
			err = cerr
		}
		s.journal = nil
	}
	s.closed = true
	return err
}

func (s *fileStore) Create(ctx context.Context, d reminder.Draft) (reminder.Reminder, error) {
	if err := ctx.Err(); err != nil {
		return reminder.Reminder{}, err
	}
	now := s.clk.Now()
	if err := d.Validate(now); err != nil {
		return reminder.Reminder{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return reminder.Reminder{}, ErrClosed
	}
	r := newFromDraft(d, s.nextID+1, now)
	if err := s.writeLocked(journalRecord{Op: opPut, Reminder: &r}); err != nil {
		return reminder.Reminder{}, err
	}
	return r, nil
}

func newFromDraft(d reminder.Draft, id int64, now time.Time) reminder.Reminder {
	prio := d.Priority
	if prio == "" {
		prio = reminder.PriorityNormal
	}
	return reminder.Reminder{
		ID:          id,
		OwnerID:     d.OwnerID,
		Title:       strings.TrimSpace(d.Title),
		Description: strings.TrimSpace(d.Description),
		ScheduledAt: d.ScheduledAt,
		Status:      reminder.StatusPending,
		Repeat:      d.Repeat,
		CreatedAt:   now,
		UpdatedAt:   now,
		Category:    strings.TrimSpace(d.Category),
		Priority:    prio,
		Source:      d.Source,
		SeriesID:    d.SeriesID,
		AnchorAt:    d.AnchorAt,
		Sequence:    d.Sequence,
	}
}

func (s *fileStore) Get(ctx context.Context, id int64) (reminder.Reminder, error) {
	if err := ctx.Err(); err != nil {
		return reminder.Reminder{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok {
		return reminder.Reminder{}, &reminder.NotFoundError{ID: id}
	}
	return r, nil
}

func (s *fileStore) UpdateStatus(ctx context.Context, id int64, from, to reminder.Status, ch reminder.Changes) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !reminder.CanTransition(from, to) {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok || r.Status != from {
		return false, nil
	}
	if !ch.ExpectScheduledAt.IsZero() && !r.ScheduledAt.Equal(ch.ExpectScheduledAt) {
		return false, nil
	}
	ch.Apply(&r, to, s.clk.Now())
	if err := s.writeLocked(journalRecord{Op: opPut, Reminder: &r}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) ListDue(ctx context.Context, before time.Time) ([]reminder.Reminder, []*reminder.RecoveryError, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrClosed
	}
	var out []reminder.Reminder
	for _, r := range s.reminders {
		if r.Status == reminder.StatusPending && r.ScheduledAt.Before(before) {
			out = append(out, r)
		}
	}
	sortBySchedule(out)
	bad := make([]*reminder.RecoveryError, len(s.corrupt))
	copy(bad, s.corrupt)
	return out, bad, nil
}

func (s *fileStore) ListPending(ctx context.Context, ownerID int64) ([]reminder.Reminder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []reminder.Reminder
	for _, r := range s.reminders {
		if r.Status != reminder.StatusPending {
			continue
		}
		if ownerID != 0 && r.OwnerID != ownerID {
			continue
		}
		out = append(out, r)
	}
	sortBySchedule(out)
	return out, nil
}

func sortBySchedule(rs []reminder.Reminder) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].ScheduledAt.Equal(rs[j].ScheduledAt) {
			return rs[i].ScheduledAt.Before(rs[j].ScheduledAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

func (s *fileStore) Delete(ctx context.Context, id, ownerID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok || r.OwnerID != ownerID {
		return false, nil
	}
	if err := s.writeLocked(journalRecord{Op: opDelete, ID: id}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) Stats(ctx context.Context, ownerID int64) (reminder.Stats, error) {
	if err := ctx.Err(); err != nil {
		return reminder.Stats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var st reminder.Stats
	for _, r := range s.reminders {
		if ownerID != 0 && r.OwnerID != ownerID {
			continue
		}
		st.Add(r.Status)
		if r.Status == reminder.StatusPending && !r.Repeat.IsZero() {
			st.Recurring++
		}
	}
	return st, nil
}

func (s *fileStore) PutUser(ctx context.Context, u reminder.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if u.ID == 0 {
		return &reminder.ValidationError{Field: "user.id", Reason: "required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	if prev, ok := s.users[u.ID]; ok {
		u.CreatedAt = prev.CreatedAt
	} else {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	return s.writeLocked(journalRecord{Op: opUser, User: &u})
}

func (s *fileStore) GetUser(ctx context.Context, id int64) (reminder.User, error) {
	if err := ctx.Err(); err != nil {
		return reminder.User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return reminder.User{}, ErrUserNotFound
	}
	return u, nil
}

func (s *fileStore) AppendLog(ctx context.Context, e LogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.At.IsZero() {
		e.At = s.clk.Now()
	}
	return s.writeLocked(journalRecord{Op: opLog, Log: &e})
}

func (s *fileStore) PruneLogs(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.logs {
		if e.At.Before(before) {
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.writeLocked(journalRecord{Op: opPruneLogs, Before: before}); err != nil {
		return 0, err
	}
	return int64(n), nil
}

func (s *fileStore) pruneLogsLocked(before time.Time) {
	kept := s.logs[:0]
	for _, e := range s.logs {
		if !e.At.Before(before) {
			kept = append(kept, e)
		}
	}
	s.logs = kept
}

func (s *fileStore) PurgeFinished(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, r := range s.reminders {
		if r.Status != reminder.StatusPending && r.UpdatedAt.Before(before) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var n int64
	for _, id := range ids {
		if err := s.writeLocked(journalRecord{Op: opDelete, ID: id}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
