package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/BradenHooton/totpgate/internal/auth"
	"github.com/BradenHooton/totpgate/internal/models"
	"github.com/BradenHooton/totpgate/pkg/logger"
)

// CodeVerifier checks a TOTP code against a secret
type CodeVerifier interface {
	Validate(secret, code string, at time.Time) (bool, error)
}

// SecretSource returns the active TOTP secret
type SecretSource interface {
	Current() (string, error)
}

// LoginAttempt is one submitted code with its request context
type LoginAttempt struct {
	Code              string
	IP                string
	UserAgent         string
	AcceptLanguage    string
	PreviousSessionID string
}

// LoginResult is a successful login
type LoginResult struct {
	Session *models.SessionState
}

// GateService decides login attempts: format, lockout, verification, session
type GateService struct {
	verifier CodeVerifier
	secrets  SecretSource
	limiter  *RateLimitService
	sessions *SessionService
	events   *EventPipeline
	delay    *auth.TimingDelay
	logger   *slog.Logger
	now      func() time.Time
}

// NewGateService creates a new GateService. delay and events may be nil.
func NewGateService(
	verifier CodeVerifier,
	secrets SecretSource,
	limiter *RateLimitService,
	sessions *SessionService,
	events *EventPipeline,
	delay *auth.TimingDelay,
	logger *slog.Logger,
) *GateService {
	return &GateService{
		verifier: verifier,
		secrets:  secrets,
		limiter:  limiter,
		sessions: sessions,
		events:   events,
		delay:    delay,
		logger:   logger,
		now:      time.Now,
	}
}

// AttemptLogin verifies attempt and opens a fresh session on success.
//
// Errors:
//   - models.ErrInvalidCodeFormat: not six digits, nothing counted
//   - *models.RateLimitedError: locked out, either already or by this failure
//   - *models.InvalidCodeError: wrong code, with the attempts left
//   - models.ErrInternalServer: verification unavailable
func (g *GateService) AttemptLogin(ctx context.Context, attempt LoginAttempt) (*LoginResult, error) {
	start := time.Now()
	base := models.SecurityEvent{
		IP:             attempt.IP,
		UserAgent:      attempt.UserAgent,
		AcceptLanguage: attempt.AcceptLanguage,
	}

	if !auth.IsValidCodeFormat(attempt.Code) {
		e := base
		e.Type = models.EventInvalidFormat
		e.Reason = "invalid_format"
		e.MaskedCode = logger.MaskCode(attempt.Code)
		e.Message = models.ErrInvalidCodeFormat.Error()
		g.events.Dispatch(ctx, "", &e)
		return nil, models.ErrInvalidCodeFormat
	}

	if status := g.limiter.CheckLimited(ctx, attempt.IP); status.Limited {
		g.dispatchRateLimited(ctx, base, status)
		return nil, g.rateLimitedError(status)
	}

	secret, err := g.secrets.Current()
	if err != nil {
		g.logger.Error("TOTP secret unavailable", slog.String("error", err.Error()))
		return nil, models.ErrInternalServer
	}

	valid, err := g.verifier.Validate(secret, attempt.Code, g.now())
	if err != nil {
		g.logger.Error("TOTP verification failed", slog.String("error", err.Error()))
		return nil, models.ErrInternalServer
	}

	if valid {
		return g.succeed(ctx, attempt, base)
	}

	status := g.limiter.RecordFailure(ctx, attempt.IP)
	maxAttempts := g.limiter.Config().MaxAttempts

	e := base
	e.Type = models.EventLoginFailed
	e.Reason = "invalid_code"
	e.MaskedCode = logger.MaskCode(attempt.Code)

	var result error
	if status.Limited {
		remaining := 0
		e.AttemptNumber = maxAttempts
		e.RemainingAttempts = &remaining
		result = g.rateLimitedError(status)
	} else {
		remaining := max(0, maxAttempts-status.Attempts)
		e.AttemptNumber = status.Attempts
		e.RemainingAttempts = &remaining
		result = &models.InvalidCodeError{RemainingAttempts: remaining}
	}
	g.events.Dispatch(ctx, NotifyLoginFailed, &e)

	if status.Limited {
		g.dispatchRateLimited(ctx, base, status)
	}

	g.delay.WaitFrom(ctx, start, false)
	return nil, result
}

func (g *GateService) succeed(ctx context.Context, attempt LoginAttempt, base models.SecurityEvent) (*LoginResult, error) {
	g.limiter.RecordSuccess(ctx, attempt.IP)

	// Never reuse an ID that existed before authentication
	if err := g.sessions.Destroy(ctx, attempt.PreviousSessionID); err != nil {
		g.logger.Warn("failed to destroy previous session", slog.String("error", err.Error()))
	}

	device := ParseUserAgent(attempt.UserAgent)
	session, err := g.sessions.Create(ctx, attempt.IP, device)
	if err != nil {
		g.logger.Error("failed to create session", slog.String("error", err.Error()))
		return nil, models.ErrInternalServer
	}

	e := base
	e.Type = models.EventLoginSuccess
	e.Browser, e.OS, e.Device = device.Browser, device.OS, device.Device
	e.SessionID = session.ID
	g.events.Dispatch(ctx, NotifyLoginSuccess, &e)

	g.delay.WaitFrom(ctx, time.Now(), true)
	return &LoginResult{Session: session}, nil
}

func (g *GateService) dispatchRateLimited(ctx context.Context, base models.SecurityEvent, status models.RateLimitStatus) {
	e := base
	e.Type = models.EventRateLimited
	e.Reason = "rate_limited"
	e.RemainingMinutes = status.RemainingMinutes
	e.TotalAttempts = g.limiter.Config().MaxAttempts
	e.Details = models.EventDetails{"violations": status.Violations}
	g.events.Dispatch(ctx, NotifyRateLimited, &e)
}

// rateLimitedError reports a lockout. The count resets when a lockout is
// imposed, so the attempts that caused it are always MaxAttempts.
func (g *GateService) rateLimitedError(status models.RateLimitStatus) *models.RateLimitedError {
	err := &models.RateLimitedError{
		RemainingMinutes: status.RemainingMinutes,
		Attempts:         g.limiter.Config().MaxAttempts,
	}
	if status.LockedUntil != nil {
		err.LockedUntil = *status.LockedUntil
	}
	return err
}

// Wait blocks until queued security events are handled
func (g *GateService) Wait() {
	g.events.Wait()
}
