package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"backend-lari2gether/internal/auth"
	"backend-lari2gether/internal/config"
	"backend-lari2gether/internal/location"
	"backend-lari2gether/internal/reconcile"
	"backend-lari2gether/internal/remote"
	"backend-lari2gether/internal/stream"
	"backend-lari2gether/internal/tracker"
)

var (
	ErrSessionNotFound   = errors.New("run session not found")
	ErrRunNotFound       = errors.New("run record not found")
	ErrRemoteUnavailable = errors.New("remote run store not configured")
)

// RunLister is the read side of the remote runs table.
type RunLister interface {
	ListRuns(ctx context.Context, userID string) ([]remote.Row, error)
}

const reconcileOnLoadTimeout = time.Minute

// TrackerConfig maps the flat config onto session tunables.
func TrackerConfig(cfg config.Config) tracker.Config {
	tc := tracker.DefaultConfig()
	if cfg.AccuracyThresholdM > 0 {
		tc.Thresholds.AccuracyM = cfg.AccuracyThresholdM
	}
	if cfg.MinDistanceM > 0 {
		tc.Thresholds.MinDistanceM = cfg.MinDistanceM
	}
	if cfg.MinSpeedKmh > 0 {
		tc.Thresholds.MinSpeedKmh = cfg.MinSpeedKmh
	}
	if cfg.MaxSpeedKmh > 0 {
		tc.Thresholds.MaxSpeedKmh = cfg.MaxSpeedKmh
	}
	if cfg.PaceWindow > 0 {
		tc.PaceWindow = cfg.PaceWindow
	}
	if cfg.SubscribeMinDistanceM > 0 {
		tc.Subscribe.MinDistanceM = cfg.SubscribeMinDistanceM
	}
	if d := cfg.SubscribeMinInterval(); d > 0 {
		tc.Subscribe.MinInterval = d
	}
	return tc
}

// Deps are the collaborators a Service needs. Remote and Hub may be nil.
type Deps struct {
	Local       reconcile.KV
	Remote      reconcile.RemoteStore
	Hub         *stream.Hub
	JWTSecret   string
	Tracker     tracker.Config
	SyncTimeout time.Duration
	Logger      *slog.Logger
}

type session struct {
	userID   string
	ctrl     *tracker.Controller
	provider *location.PushProvider
}

type account struct {
	tokens *tokenHolder
	rec    *reconcile.Reconciler
}

// tokenHolder answers CurrentUser from the most recent bearer token the user
// presented, so background syncs stop once that token expires.
type tokenHolder struct {
	secret string
	mu     sync.RWMutex
	token  string
}

func (h *tokenHolder) set(token string) {
	if token == "" {
		return
	}
	h.mu.Lock()
	h.token = token
	h.mu.Unlock()
}

func (h *tokenHolder) CurrentUser(ctx context.Context) (string, error) {
	h.mu.RLock()
	token := h.token
	h.mu.RUnlock()
	return auth.NewTokenSession(h.secret, token).CurrentUser(ctx)
}

// Service hosts the live run sessions of every user and their run history.
type Service struct {
	deps   Deps
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	accounts map[string]*account
	bg       sync.WaitGroup
}

func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Tracker == (tracker.Config{}) {
		deps.Tracker = tracker.DefaultConfig()
	}
	return &Service{
		deps:     deps,
		logger:   logger,
		sessions: map[string]*session{},
		accounts: map[string]*account{},
	}
}

// reconciler returns the user's reconciler, creating it on first use. Creation
// kicks off a background ReconcileOnLoad.
func (s *Service) reconciler(userID, token string) *reconcile.Reconciler {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acc, ok := s.accounts[userID]; ok {
		acc.tokens.set(token)
		return acc.rec
	}

	tokens := &tokenHolder{secret: s.deps.JWTSecret}
	tokens.set(token)
	rec := reconcile.New(s.deps.Local, s.deps.Remote, tokens, "run_records:"+userID,
		reconcile.WithLogger(s.logger.With("user_id", userID)),
		reconcile.WithSyncTimeout(s.deps.SyncTimeout))
	s.accounts[userID] = &account{tokens: tokens, rec: rec}

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), reconcileOnLoadTimeout)
		defer cancel()
		if _, err := rec.ReconcileOnLoad(ctx); err != nil {
			s.logger.Warn("reconcile on load failed", "user_id", userID, "error", err)
		}
	}()
	return rec
}

func (s *Service) publish(snap tracker.Snapshot) {
	if s.deps.Hub != nil {
		s.deps.Hub.Publish(snap)
	}
}

// StartSession creates a session for userID and starts it with the permission
// answer and optional first fix the device sent along.
func (s *Service) StartSession(ctx context.Context, userID, token string, req StartRequest) (tracker.Snapshot, error) {
	provider := location.NewPushProvider()
	provider.Grant(req.PermissionGranted)
	if req.Fix != nil {
		provider.Push(*req.Fix)
	}

	rec := s.reconciler(userID, token)
	ctrl := tracker.NewController(provider, rec, s.deps.Tracker,
		tracker.WithUserID(userID),
		tracker.WithLogger(s.logger),
		tracker.WithObserver(s.publish),
	)
	if err := ctrl.Start(ctx); err != nil {
		ctrl.Close()
		return tracker.Snapshot{}, err
	}

	s.mu.Lock()
	s.sessions[ctrl.ID()] = &session{userID: userID, ctrl: ctrl, provider: provider}
	s.mu.Unlock()
	return ctrl.Snapshot(), nil
}

func (s *Service) session(userID, id string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.userID != userID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *Service) PushSample(userID, id string, sample tracker.RawSample) error {
	sess, err := s.session(userID, id)
	if err != nil {
		return err
	}
	sess.provider.Push(sample)
	return nil
}

func (s *Service) Snapshot(userID, id string) (tracker.Snapshot, error) {
	sess, err := s.session(userID, id)
	if err != nil {
		return tracker.Snapshot{}, err
	}
	return sess.ctrl.Snapshot(), nil
}

func (s *Service) Pause(userID, id string) (tracker.Snapshot, error) {
	sess, err := s.session(userID, id)
	if err != nil {
		return tracker.Snapshot{}, err
	}
	if err := sess.ctrl.Pause(); err != nil {
		return tracker.Snapshot{}, err
	}
	return sess.ctrl.Snapshot(), nil
}

func (s *Service) Resume(userID, id string) (tracker.Snapshot, error) {
	sess, err := s.session(userID, id)
	if err != nil {
		return tracker.Snapshot{}, err
	}
	if err := sess.ctrl.Resume(); err != nil {
		return tracker.Snapshot{}, err
	}
	return sess.ctrl.Snapshot(), nil
}

// Stop finishes the session. An unconfirmed stop leaves it running.
func (s *Service) Stop(ctx context.Context, userID, token, id string, confirm bool) (tracker.PersistResult, error) {
	sess, err := s.session(userID, id)
	if err != nil {
		return tracker.PersistResult{}, err
	}
	s.reconciler(userID, token)

	result, err := sess.ctrl.Stop(ctx, tracker.ConfirmFunc(func(context.Context) (bool, error) {
		return confirm, nil
	}))
	if errors.Is(err, tracker.ErrStopNotConfirmed) || errors.Is(err, tracker.ErrInvalidTransition) {
		return result, err
	}

	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	if s.deps.Hub != nil {
		s.deps.Hub.Forget(id)
	}
	return result, err
}

func (s *Service) Records(ctx context.Context, userID, token string) ([]tracker.RunRecord, error) {
	records, err := s.reconciler(userID, token).Records(ctx)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []tracker.RunRecord{}
	}
	return records, nil
}

func (s *Service) Reconcile(ctx context.Context, userID, token string) (reconcile.Report, error) {
	return s.reconciler(userID, token).ReconcileOnLoad(ctx)
}

// RemoteRuns lists what the hosted table holds for userID.
func (s *Service) RemoteRuns(ctx context.Context, userID string) ([]remote.Row, error) {
	lister, ok := s.deps.Remote.(RunLister)
	if !ok {
		return nil, ErrRemoteUnavailable
	}
	rows, err := lister.ListRuns(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", reconcile.ErrSyncFailure, err)
	}
	if rows == nil {
		rows = []remote.Row{}
	}
	return rows, nil
}

// DeleteRun removes the run with the given record id. A run missing locally
// can still be removed remotely by id.
func (s *Service) DeleteRun(ctx context.Context, userID, token, id string, source reconcile.Source) (reconcile.DeleteResult, error) {
	rec := s.reconciler(userID, token)
	record, found, err := rec.Find(ctx, id)
	if err != nil {
		return reconcile.DeleteResult{}, err
	}
	if !found {
		if source == reconcile.SourceLocal {
			return reconcile.DeleteResult{}, ErrRunNotFound
		}
		record = tracker.RunRecord{ID: id, UserID: userID}
	}
	return rec.Delete(ctx, record, source), nil
}

// Close discards every live session and waits for background reconciles.
func (s *Service) Close() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		sessions = append(sessions, sess)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.ctrl.Close()
	}
	s.bg.Wait()
}
