package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/totpgate/internal/auth"
	"github.com/BradenHooton/totpgate/internal/models"
	"github.com/BradenHooton/totpgate/internal/repositories"
)

// sessionGrace keeps expired sessions in the store long enough to be
// reported as expired rather than unknown
const sessionGrace = time.Hour

// SessionOption customizes a SessionService
type SessionOption func(*SessionService)

// WithSessionClock overrides the time source
func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *SessionService) {
		s.now = now
	}
}

// SessionService manages server-side sessions on top of the pure SessionMonitor
type SessionService struct {
	store   repositories.SessionStore
	monitor auth.SessionMonitor
	events  *EventPipeline
	logger  *slog.Logger
	now     func() time.Time
}

// NewSessionService creates a new SessionService. events may be nil.
func NewSessionService(store repositories.SessionStore, monitor auth.SessionMonitor, events *EventPipeline, logger *slog.Logger, opts ...SessionOption) *SessionService {
	s := &SessionService{
		store:   store,
		monitor: monitor,
		events:  events,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Monitor returns the timing rules in use
func (s *SessionService) Monitor() auth.SessionMonitor {
	return s.monitor
}

func (s *SessionService) ttl() time.Duration {
	return s.monitor.MaxAge + sessionGrace
}

// Create starts a fresh authenticated session under a new ID
func (s *SessionService) Create(ctx context.Context, ip string, device models.DeviceInfo) (*models.SessionState, error) {
	now := s.now().UTC()
	state := &models.SessionState{
		ID:            auth.NewSessionID(),
		Authenticated: true,
		User:          models.DefaultUser,
		CreatedAt:     now,
		LastActivity:  now,
		LoginIP:       ip,
		Device:        device,
	}

	if err := s.store.Save(ctx, state, s.ttl()); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	s.logger.Info("session created",
		slog.String("session_id", state.ID[:8]),
		slog.String("ip", ip))
	return state, nil
}

// Load returns the session and its phase. Expired sessions are destroyed,
// logged and reported as models.ErrSessionExpired.
func (s *SessionService) Load(ctx context.Context, id string, clientIP string) (*models.SessionState, models.SessionPhase, error) {
	state, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			return nil, models.PhaseUnauthenticated, err
		}
		return nil, models.PhaseUnauthenticated, fmt.Errorf("failed to load session: %w", err)
	}

	now := s.now()
	phase := s.monitor.Phase(*state, now)
	if phase == models.PhaseExpired {
		s.expire(ctx, state, clientIP, now)
		return nil, models.PhaseExpired, models.ErrSessionExpired
	}
	if phase == models.PhaseUnauthenticated {
		return nil, phase, models.ErrSessionNotFound
	}
	return state, phase, nil
}

// Resolve returns the live session for id
func (s *SessionService) Resolve(ctx context.Context, id string, clientIP string) (*models.SessionState, error) {
	state, _, err := s.Load(ctx, id, clientIP)
	return state, err
}

func (s *SessionService) expire(ctx context.Context, state *models.SessionState, clientIP string, now time.Time) {
	if err := s.store.Delete(ctx, state.ID); err != nil {
		s.logger.Error("failed to delete expired session", slog.String("error", err.Error()))
	}

	if clientIP == "" {
		clientIP = state.LoginIP
	}
	s.events.Dispatch(ctx, NotifySessionExpired, &models.SecurityEvent{
		Type:              models.EventSessionExpired,
		IP:                clientIP,
		UserAgent:         state.Device.UserAgent,
		Browser:           state.Device.Browser,
		OS:                state.Device.OS,
		Device:            state.Device.Device,
		SessionID:         state.ID,
		Reason:            "inactivity",
		SessionMinutes:    wholeMinutes(now.Sub(state.CreatedAt)),
		InactivityMinutes: wholeMinutes(now.Sub(state.LastActivity)),
	})
}

// Touch records activity on id
func (s *SessionService) Touch(ctx context.Context, id string) (*models.SessionState, error) {
	state, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if s.monitor.IsExpired(*state, now) {
		s.expire(ctx, state, "", now)
		return nil, models.ErrSessionExpired
	}

	touched := s.monitor.Touch(*state, now.UTC())
	if err := s.store.Save(ctx, &touched, s.ttl()); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return &touched, nil
}

// Extend refreshes id and returns it with its new expiry instant
func (s *SessionService) Extend(ctx context.Context, id string) (*models.SessionState, time.Time, error) {
	state, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, time.Time{}, err
	}

	now := s.now()
	if s.monitor.IsExpired(*state, now) {
		s.expire(ctx, state, "", now)
		return nil, time.Time{}, models.ErrSessionExpired
	}

	extended, expiry := s.monitor.Extend(*state, now.UTC())
	if err := s.store.Save(ctx, &extended, s.ttl()); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to save session: %w", err)
	}
	return &extended, expiry, nil
}

// Status returns the timing view of state now
func (s *SessionService) Status(state *models.SessionState) models.SessionStatus {
	return s.monitor.Status(*state, s.now())
}

// Destroy removes id; unknown IDs are ignored
func (s *SessionService) Destroy(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Logout destroys state and logs the logout with the session's duration
func (s *SessionService) Logout(ctx context.Context, state *models.SessionState, ip string, userAgent string) error {
	if err := s.Destroy(ctx, state.ID); err != nil {
		return err
	}

	s.events.Dispatch(ctx, "", &models.SecurityEvent{
		Type:           models.EventLogout,
		IP:             ip,
		UserAgent:      userAgent,
		SessionID:      state.ID,
		SessionMinutes: wholeMinutes(s.now().Sub(state.CreatedAt)),
	})
	return nil
}

// Sweep removes sessions that have expired without a further request.
// They are dropped silently; the expiry event is only logged on access.
func (s *SessionService) Sweep(ctx context.Context, now time.Time) int {
	sessions, err := s.store.List(ctx)
	if err != nil {
		s.logger.Error("failed to list sessions", slog.String("error", err.Error()))
		return 0
	}

	removed := 0
	for _, state := range sessions {
		if !s.monitor.IsExpired(*state, now) {
			continue
		}
		if err := s.store.Delete(ctx, state.ID); err != nil {
			s.logger.Error("failed to delete expired session", slog.String("error", err.Error()))
			continue
		}
		removed++
	}
	return removed
}

// Count returns the number of live sessions
func (s *SessionService) Count(ctx context.Context) (int, error) {
	sessions, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	n := 0
	for _, state := range sessions {
		if !s.monitor.IsExpired(*state, now) {
			n++
		}
	}
	return n, nil
}

func wholeMinutes(d time.Duration) int {
	if d < 0 {
		return 0
	}
	return int(d / time.Minute)
}
