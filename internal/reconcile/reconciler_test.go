package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"backend-lari2gether/internal/localstore"
	"backend-lari2gether/internal/remote"
	"backend-lari2gether/internal/tracker"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeRemote struct {
	mu      sync.Mutex
	rows    []tracker.Projection
	failOn  map[string]int
	findErr error
	inserts int

	// hideOnFind makes FindRun miss, as when another sync inserts between
	// lookup and insert.
	hideOnFind bool
}

func (f *fakeRemote) matches(a, b tracker.Projection) bool {
	if a.ClientID != "" && b.ClientID != "" {
		return a.UserID == b.UserID && a.ClientID == b.ClientID
	}
	return a.UserID == b.UserID && a.Date == b.Date && a.Time == b.Time &&
		tracker.RunRecord{DistanceKm: a.DistanceKm}.DistanceLabel() == tracker.RunRecord{DistanceKm: b.DistanceKm}.DistanceLabel()
}

func (f *fakeRemote) FindRun(_ context.Context, p tracker.Projection) (remote.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return remote.Row{}, f.findErr
	}
	if f.hideOnFind {
		return remote.Row{}, remote.ErrNotFound
	}
	for _, row := range f.rows {
		if f.matches(row, p) {
			return remote.Row{ClientID: row.ClientID, UserID: row.UserID}, nil
		}
	}
	return remote.Row{}, remote.ErrNotFound
}

func (f *fakeRemote) InsertRun(_ context.Context, p tracker.Projection) (remote.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[p.ClientID] > 0 {
		f.failOn[p.ClientID]--
		return remote.Row{}, errors.New("connection reset")
	}
	for _, row := range f.rows {
		if f.matches(row, p) {
			return remote.Row{}, remote.ErrExists
		}
	}
	f.inserts++
	f.rows = append(f.rows, p)
	return remote.Row{ClientID: p.ClientID, UserID: p.UserID}, nil
}

func (f *fakeRemote) DeleteRun(_ context.Context, p tracker.Projection) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	kept := f.rows[:0]
	for _, row := range f.rows {
		if f.matches(row, p) {
			n++
			continue
		}
		kept = append(kept, row)
	}
	f.rows = kept
	return n, nil
}

func (f *fakeRemote) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type staticUser string

func (u staticUser) CurrentUser(context.Context) (string, error) {
	if u == "" {
		return "", errors.New("signed out")
	}
	return string(u), nil
}

func newFileKV(t *testing.T) *localstore.FileStore {
	t.Helper()
	kv, err := localstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	return kv
}

func run(id string, km float64, tm string) tracker.RunRecord {
	return tracker.RunRecord{ID: id, UserID: "u1", Date: "2024-01-01", DistanceKm: km, Time: tm, PaceKmh: 10}
}

func TestPersistWritesLocallyAndSyncs(t *testing.T) {
	ctx := context.Background()
	kv := newFileKV(t)
	rem := &fakeRemote{}
	r := New(kv, rem, staticUser("u1"), "run_records:u1")

	rec := run("r1", 5.0, "30:00")
	rec.Coordinates = []tracker.Coordinate{{Latitude: 1, Longitude: 2}}
	res, err := r.Persist(ctx, rec)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if !res.Synced || res.Record.ID != "r1" {
		t.Fatalf("unexpected result %+v", res)
	}

	raw, ok, _ := kv.Get(ctx, "run_records:u1")
	if !ok {
		t.Fatalf("expected local history")
	}
	var stored []tracker.RunRecord
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(stored) != 1 || len(stored[0].Coordinates) != 1 {
		t.Fatalf("coordinates must stay local: %+v", stored)
	}
	if rem.count() != 1 {
		t.Fatalf("expected one remote row")
	}
}

func TestPersistRemoteFailureKeepsLocal(t *testing.T) {
	ctx := context.Background()
	rem := &fakeRemote{failOn: map[string]int{"r1": 1}}
	r := New(newFileKV(t), rem, staticUser("u1"), "k")

	res, err := r.Persist(ctx, run("r1", 5.0, "30:00"))
	if err != nil {
		t.Fatalf("remote failure must not fail persist: %v", err)
	}
	if res.Synced {
		t.Fatalf("expected pending sync")
	}
	records, _ := r.Records(ctx)
	if len(records) != 1 {
		t.Fatalf("expected local record, got %d", len(records))
	}
}

func TestPersistSignedOut(t *testing.T) {
	ctx := context.Background()
	rem := &fakeRemote{}
	r := New(newFileKV(t), rem, staticUser(""), "k")

	res, err := r.Persist(ctx, run("r1", 5.0, "30:00"))
	if err != nil || res.Synced {
		t.Fatalf("expected local-only save, got %+v %v", res, err)
	}
	if rem.count() != 0 {
		t.Fatalf("no remote write without a user")
	}
}

func TestSyncRemoteIdempotent(t *testing.T) {
	ctx := context.Background()
	rem := &fakeRemote{}
	r := New(newFileKV(t), rem, staticUser("u1"), "k")

	legacy := tracker.Projection{UserID: "u1", Date: "2024-01-01", DistanceKm: 5.0, Time: "30:00"}
	if !r.SyncRemote(ctx, legacy) || !r.SyncRemote(ctx, legacy) {
		t.Fatalf("sync should report success both times")
	}
	if rem.count() != 1 || rem.inserts != 1 {
		t.Fatalf("expected exactly one row, got %d", rem.count())
	}
}

func TestSyncRemoteLosesInsertRace(t *testing.T) {
	ctx := context.Background()
	rem := &fakeRemote{rows: []tracker.Projection{{ClientID: "r1", UserID: "u1"}}, hideOnFind: true}
	r := New(newFileKV(t), rem, staticUser("u1"), "k")

	res, err := r.Persist(ctx, run("r1", 5.0, "30:00"))
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if !res.Synced {
		t.Fatalf("a row stored by a concurrent sync counts as synced")
	}
	if rem.count() != 1 {
		t.Fatalf("expected one remote row, got %d", rem.count())
	}

	report, err := r.ReconcileOnLoad(ctx)
	if err != nil || report != (Report{Attempted: 1, Skipped: 1}) {
		t.Fatalf("unexpected report %+v %v", report, err)
	}
}

func TestSyncRemoteFindError(t *testing.T) {
	rem := &fakeRemote{findErr: errors.New("timeout")}
	r := New(newFileKV(t), rem, staticUser("u1"), "k")

	_, err := r.sync(context.Background(), tracker.Projection{ClientID: "r1"})
	if !errors.Is(err, ErrSyncFailure) {
		t.Fatalf("expected ErrSyncFailure, got %v", err)
	}
	if rem.inserts != 0 {
		t.Fatalf("lookup error must not insert")
	}
}

func TestSyncRemoteUnauthenticated(t *testing.T) {
	r := New(newFileKV(t), &fakeRemote{}, nil, "k")
	if _, err := r.sync(context.Background(), tracker.Projection{}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if r.SyncRemote(context.Background(), tracker.Projection{}) {
		t.Fatalf("expected false")
	}
}

func TestReconcileConverges(t *testing.T) {
	ctx := context.Background()
	rem := &fakeRemote{failOn: map[string]int{"r2": 2}}
	r := New(newFileKV(t), rem, staticUser("u1"), "k")

	for _, rec := range []tracker.RunRecord{run("r1", 1, "05:00"), run("r2", 2, "10:00"), run("r3", 3, "15:00")} {
		if _, err := r.Persist(ctx, rec); err != nil {
			t.Fatalf("persist: %v", err)
		}
	}
	if rem.count() != 2 {
		t.Fatalf("expected r2 pending, remote has %d", rem.count())
	}

	report, err := r.ReconcileOnLoad(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report != (Report{Attempted: 3, Skipped: 2, Failed: 1}) {
		t.Fatalf("unexpected report %+v", report)
	}

	report, err = r.ReconcileOnLoad(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report != (Report{Attempted: 3, Synced: 1, Skipped: 2}) {
		t.Fatalf("unexpected report %+v", report)
	}
	if rem.count() != 3 {
		t.Fatalf("expected convergence, remote has %d", rem.count())
	}

	report, _ = r.ReconcileOnLoad(ctx)
	if report.Synced != 0 || rem.count() != 3 {
		t.Fatalf("repeat reconcile must not duplicate")
	}
}

func TestReconcileSignedOut(t *testing.T) {
	ctx := context.Background()
	kv := newFileKV(t)
	seed := New(kv, &fakeRemote{}, staticUser(""), "k")
	_, _ = seed.Persist(ctx, run("r1", 1, "05:00"))

	report, err := seed.ReconcileOnLoad(ctx)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestReconcileEmpty(t *testing.T) {
	report, err := New(newFileKV(t), &fakeRemote{}, nil, "k").ReconcileOnLoad(context.Background())
	if err != nil || report != (Report{}) {
		t.Fatalf("unexpected %+v %v", report, err)
	}
}

func TestDeleteBothStores(t *testing.T) {
	ctx := context.Background()
	rem := &fakeRemote{}
	r := New(newFileKV(t), rem, staticUser("u1"), "k")
	keep, drop := run("r1", 1, "05:00"), run("r2", 2, "10:00")
	_, _ = r.Persist(ctx, keep)
	_, _ = r.Persist(ctx, drop)

	res := r.Delete(ctx, drop, SourceBoth)
	if res.Err() != nil {
		t.Fatalf("delete: %v", res.Err())
	}
	if res.LocalRemoved != 1 || res.RemoteRemoved != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	records, _ := r.Records(ctx)
	if len(records) != 1 || records[0].ID != "r1" {
		t.Fatalf("unexpected local records %+v", records)
	}
	if rem.count() != 1 {
		t.Fatalf("unexpected remote rows %d", rem.count())
	}
}

func TestDeleteReportsEachStore(t *testing.T) {
	ctx := context.Background()
	r := New(newFileKV(t), &fakeRemote{}, staticUser(""), "k")
	_, _ = r.Persist(ctx, run("r1", 1, "05:00"))

	res := r.Delete(ctx, run("r1", 1, "05:00"), SourceBoth)
	if res.LocalErr != nil || res.LocalRemoved != 1 {
		t.Fatalf("local delete should succeed: %+v", res)
	}
	if !errors.Is(res.RemoteErr, ErrUnauthenticated) {
		t.Fatalf("expected remote unauthenticated, got %v", res.RemoteErr)
	}

	r = New(newFileKV(t), &fakeRemote{}, staticUser("u1"), "k")
	res = r.Delete(ctx, run("missing", 1, "05:00"), SourceRemote)
	if !errors.Is(res.RemoteErr, remote.ErrNotFound) {
		t.Fatalf("expected not found, got %v", res.RemoteErr)
	}
}

func TestDeleteLegacyRecordByTuple(t *testing.T) {
	ctx := context.Background()
	r := New(newFileKV(t), &fakeRemote{}, staticUser("u1"), "k")
	legacy := run("", 5.004, "30:00")
	_, _ = r.Persist(ctx, legacy)

	res := r.Delete(ctx, run("", 5.0, "30:00"), SourceLocal)
	if res.LocalRemoved != 1 {
		t.Fatalf("expected tuple match, got %+v", res)
	}
}

func TestCorruptHistoryBackedUp(t *testing.T) {
	ctx := context.Background()
	kv := newFileKV(t)
	_ = kv.Set(ctx, "k", "{not json")
	r := New(kv, &fakeRemote{}, staticUser("u1"), "k")

	records, err := r.Records(ctx)
	if err != nil || len(records) != 0 {
		t.Fatalf("expected empty history, got %v %v", records, err)
	}
	backup, ok, _ := kv.Get(ctx, "k.corrupt")
	if !ok || backup != "{not json" {
		t.Fatalf("expected backup, got %q", backup)
	}

	if _, err := r.Persist(ctx, run("r1", 1, "05:00")); err != nil {
		t.Fatalf("persist after corrupt: %v", err)
	}
	records, _ = r.Records(ctx)
	if len(records) != 1 {
		t.Fatalf("expected fresh history")
	}
}

func TestPersistSameIDOnce(t *testing.T) {
	ctx := context.Background()
	r := New(newFileKV(t), &fakeRemote{}, staticUser("u1"), "k")
	_, _ = r.Persist(ctx, run("r1", 1, "05:00"))
	_, _ = r.Persist(ctx, run("r1", 1, "05:00"))

	records, _ := r.Records(ctx)
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
}

func TestConcurrentPersistOnRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	r := New(localstore.NewRedisStore(rdb, "test:"), &fakeRemote{}, staticUser("u1"), "k")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := run("", float64(i), "05:00")
			rec.ID = string(rune('a' + i))
			_, _ = r.Persist(ctx, rec)
		}(i)
	}
	wg.Wait()

	records, err := r.Records(ctx)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 20 {
		t.Fatalf("lost writes: got %d records", len(records))
	}
}

func TestFindAndParseSource(t *testing.T) {
	ctx := context.Background()
	r := New(newFileKV(t), &fakeRemote{}, staticUser("u1"), "k")
	_, _ = r.Persist(ctx, run("r1", 1, "05:00"))

	if rec, ok, err := r.Find(ctx, "r1"); err != nil || !ok || rec.Time != "05:00" {
		t.Fatalf("find: %+v %v %v", rec, ok, err)
	}
	if _, ok, _ := r.Find(ctx, "nope"); ok {
		t.Fatalf("expected miss")
	}

	if s, err := ParseSource(""); err != nil || s != SourceBoth {
		t.Fatalf("default source: %v %v", s, err)
	}
	if _, err := ParseSource("cloud"); err == nil {
		t.Fatalf("expected error")
	}
}
