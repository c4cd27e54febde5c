// Package reconcile keeps the device's run history and the hosted runs table in
// step. Records are always written locally first; the remote copy is best
// effort and retried on every load.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"backend-lari2gether/internal/remote"
	"backend-lari2gether/internal/tracker"
)

var (
	ErrSyncFailure     = errors.New("remote sync failed")
	ErrUnauthenticated = errors.New("no authenticated user")
)

// KV is the durable local store the history list lives in.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// RemoteStore is the hosted runs table. FindRun reports remote.ErrNotFound
// when nothing matches; InsertRun reports remote.ErrExists when the row is
// already there.
type RemoteStore interface {
	FindRun(ctx context.Context, p tracker.Projection) (remote.Row, error)
	InsertRun(ctx context.Context, p tracker.Projection) (remote.Row, error)
	DeleteRun(ctx context.Context, p tracker.Projection) (int64, error)
}

type UserResolver interface {
	CurrentUser(ctx context.Context) (string, error)
}

type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
	SourceBoth   Source = "both"
)

func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case "":
		return SourceBoth, nil
	case SourceLocal, SourceRemote, SourceBoth:
		return Source(s), nil
	}
	return "", fmt.Errorf("unknown delete source %q", s)
}

// Report summarises one ReconcileOnLoad pass.
type Report struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// DeleteResult carries the outcome of each store separately.
type DeleteResult struct {
	LocalRemoved  int   `json:"local_removed"`
	RemoteRemoved int64 `json:"remote_removed"`
	LocalErr      error `json:"-"`
	RemoteErr     error `json:"-"`
}

func (r DeleteResult) Err() error {
	return errors.Join(r.LocalErr, r.RemoteErr)
}

type syncOutcome int

const (
	outcomeInserted syncOutcome = iota
	outcomeExisting
)

type Option func(*Reconciler)

func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithSyncTimeout bounds each remote call.
func WithSyncTimeout(d time.Duration) Option {
	return func(r *Reconciler) { r.syncTimeout = d }
}

type Reconciler struct {
	local       KV
	remote      RemoteStore
	users       UserResolver
	key         string
	logger      *slog.Logger
	syncTimeout time.Duration

	// mu guards the read-modify-write of the local list.
	mu sync.Mutex
}

func New(local KV, remote RemoteStore, users UserResolver, key string, opts ...Option) *Reconciler {
	r := &Reconciler{
		local:       local,
		remote:      remote,
		users:       users,
		key:         key,
		logger:      slog.Default(),
		syncTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Key is the local store key the history list is kept under.
func (r *Reconciler) Key() string { return r.key }

// Persist appends record to the local history and then tries the remote copy.
// A remote failure is not an error: the record stays pending until the next
// reconcile.
func (r *Reconciler) Persist(ctx context.Context, record tracker.RunRecord) (tracker.PersistResult, error) {
	result := tracker.PersistResult{Record: record}

	err := r.update(ctx, func(list []tracker.RunRecord) ([]tracker.RunRecord, error) {
		for _, existing := range list {
			if existing.ID != "" && existing.ID == record.ID {
				return list, nil
			}
		}
		return append(list, record), nil
	})
	if err != nil {
		r.logger.Error("run record not saved locally", "record_id", record.ID, "error", err)
	}

	result.Synced = r.SyncRemote(ctx, record.Projection())
	if !result.Synced {
		r.logger.Info("run record saved locally, pending sync", "record_id", record.ID)
	}
	if err != nil {
		return result, fmt.Errorf("save run locally: %w", err)
	}
	return result, nil
}

// SyncRemote inserts p unless the remote table already has it. It reports
// success and never fails the caller.
func (r *Reconciler) SyncRemote(ctx context.Context, p tracker.Projection) bool {
	if _, err := r.sync(ctx, p); err != nil {
		r.logger.Warn("remote sync skipped", "record_id", p.ClientID, "error", err)
		return false
	}
	return true
}

func (r *Reconciler) sync(ctx context.Context, p tracker.Projection) (syncOutcome, error) {
	userID, err := r.currentUser(ctx)
	if err != nil {
		return 0, err
	}
	return r.syncAs(ctx, userID, p)
}

func (r *Reconciler) syncAs(ctx context.Context, userID string, p tracker.Projection) (syncOutcome, error) {
	if r.remote == nil {
		return 0, fmt.Errorf("%w: no remote store", ErrSyncFailure)
	}
	p.UserID = userID

	ctx, cancel := r.remoteContext(ctx)
	defer cancel()

	_, err := r.remote.FindRun(ctx, p)
	switch {
	case err == nil:
		return outcomeExisting, nil
	case !errors.Is(err, remote.ErrNotFound):
		return 0, fmt.Errorf("%w: %v", ErrSyncFailure, err)
	}

	_, err = r.remote.InsertRun(ctx, p)
	switch {
	case errors.Is(err, remote.ErrExists):
		// another sync of the same run won the insert
		return outcomeExisting, nil
	case err != nil:
		return 0, fmt.Errorf("%w: %v", ErrSyncFailure, err)
	}
	return outcomeInserted, nil
}

// ReconcileOnLoad pushes every local record to the remote table. A failing
// record is counted and the rest still run.
func (r *Reconciler) ReconcileOnLoad(ctx context.Context) (Report, error) {
	records, err := r.Records(ctx)
	if err != nil {
		return Report{}, err
	}

	report := Report{Attempted: len(records)}
	if len(records) == 0 {
		return report, nil
	}

	userID, err := r.currentUser(ctx)
	if err != nil {
		report.Failed = len(records)
		return report, err
	}

	for _, rec := range records {
		outcome, err := r.syncAs(ctx, userID, rec.Projection())
		switch {
		case err != nil:
			report.Failed++
			r.logger.Warn("reconcile record failed", "record_id", rec.ID, "error", err)
		case outcome == outcomeExisting:
			report.Skipped++
		default:
			report.Synced++
		}
	}

	r.logger.Info("reconcile finished", "key", r.key,
		"attempted", report.Attempted, "synced", report.Synced, "skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}

// Delete removes rec from the stores named by source.
func (r *Reconciler) Delete(ctx context.Context, rec tracker.RunRecord, source Source) DeleteResult {
	var res DeleteResult

	if source == SourceLocal || source == SourceBoth {
		res.LocalErr = r.update(ctx, func(list []tracker.RunRecord) ([]tracker.RunRecord, error) {
			kept := list[:0:0]
			for _, existing := range list {
				if existing.SameRun(rec) {
					res.LocalRemoved++
					continue
				}
				kept = append(kept, existing)
			}
			return kept, nil
		})
	}

	if source == SourceRemote || source == SourceBoth {
		res.RemoteRemoved, res.RemoteErr = r.deleteRemote(ctx, rec.Projection())
	}
	return res
}

func (r *Reconciler) deleteRemote(ctx context.Context, p tracker.Projection) (int64, error) {
	userID, err := r.currentUser(ctx)
	if err != nil {
		return 0, err
	}
	if r.remote == nil {
		return 0, fmt.Errorf("%w: no remote store", ErrSyncFailure)
	}
	p.UserID = userID

	ctx, cancel := r.remoteContext(ctx)
	defer cancel()

	n, err := r.remote.DeleteRun(ctx, p)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSyncFailure, err)
	}
	if n == 0 {
		return 0, remote.ErrNotFound
	}
	return n, nil
}

// Records lists the local history, oldest first.
func (r *Reconciler) Records(ctx context.Context) ([]tracker.RunRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read(ctx)
}

// Find returns the local record with the given id.
func (r *Reconciler) Find(ctx context.Context, id string) (tracker.RunRecord, bool, error) {
	records, err := r.Records(ctx)
	if err != nil {
		return tracker.RunRecord{}, false, err
	}
	for _, rec := range records {
		if rec.ID == id {
			return rec, true, nil
		}
	}
	return tracker.RunRecord{}, false, nil
}

func (r *Reconciler) update(ctx context.Context, fn func([]tracker.RunRecord) ([]tracker.RunRecord, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, err := r.read(ctx)
	if err != nil {
		return err
	}
	list, err = fn(list)
	if err != nil {
		return err
	}
	return r.write(ctx, list)
}

// read must hold mu. Unparseable history is copied aside and treated as empty.
func (r *Reconciler) read(ctx context.Context) ([]tracker.RunRecord, error) {
	raw, ok, err := r.local.Get(ctx, r.key)
	if err != nil {
		return nil, fmt.Errorf("read run history: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}

	var list []tracker.RunRecord
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		r.logger.Warn("run history corrupt, starting fresh", "key", r.key, "error", err)
		if err := r.local.Set(ctx, r.key+".corrupt", raw); err != nil {
			return nil, fmt.Errorf("back up corrupt run history: %w", err)
		}
		return nil, nil
	}
	return list, nil
}

func (r *Reconciler) write(ctx context.Context, list []tracker.RunRecord) error {
	if list == nil {
		list = []tracker.RunRecord{}
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return err
	}
	if err := r.local.Set(ctx, r.key, string(raw)); err != nil {
		return fmt.Errorf("write run history: %w", err)
	}
	return nil
}

func (r *Reconciler) currentUser(ctx context.Context) (string, error) {
	if r.users == nil {
		return "", ErrUnauthenticated
	}
	userID, err := r.users.CurrentUser(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if userID == "" {
		return "", ErrUnauthenticated
	}
	return userID, nil
}

func (r *Reconciler) remoteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.syncTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.syncTimeout)
}
