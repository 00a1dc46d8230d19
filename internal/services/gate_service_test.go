package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BradenHooton/totpgate/internal/auth"
	"github.com/BradenHooton/totpgate/internal/models"
	"github.com/BradenHooton/totpgate/internal/repositories"
	"github.com/BradenHooton/totpgate/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIP = "203.0.113.7"

type gateFixture struct {
	gate     *services.GateService
	limiter  *services.RateLimitService
	sessions *services.SessionService
	store    *repositories.MemorySessionRepository
	verifier *services.MockCodeVerifier
	secrets  *services.MockSecretSource
	recorder *services.MockEventRecorder
	notifier *services.MockNotifier
	clock    *fakeClock
}

func newGateFixture(verifier services.CodeVerifier) *gateFixture {
	f := &gateFixture{
		store:    repositories.NewMemorySessionRepository(),
		secrets:  &services.MockSecretSource{},
		recorder: &services.MockEventRecorder{},
		notifier: &services.MockNotifier{},
		clock:    newClock(),
	}
	if v, ok := verifier.(*services.MockCodeVerifier); ok {
		f.verifier = v
	}

	events := services.NewEventPipeline(f.recorder, f.notifier, discardLogger())
	f.limiter = services.NewRateLimitService(repositories.NewMemoryRateLimitRepository(), services.DefaultRateLimitConfig(), discardLogger(), services.WithClock(f.clock.Now))
	f.sessions = services.NewSessionService(f.store, defaultMonitor(), events, discardLogger(), services.WithSessionClock(f.clock.Now))
	f.gate = services.NewGateService(verifier, f.secrets, f.limiter, f.sessions, events, nil, discardLogger())
	return f
}

func acceptCode(valid string) *services.MockCodeVerifier {
	return &services.MockCodeVerifier{
		ValidateFunc: func(secret, code string, at time.Time) (bool, error) {
			return code == valid, nil
		},
	}
}

func attempt(code string) services.LoginAttempt {
	return services.LoginAttempt{Code: code, IP: testIP, UserAgent: "Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0"}
}

func TestAttemptLogin_Success(t *testing.T) {
	f := newGateFixture(acceptCode("123456"))
	ctx := context.Background()

	result, err := f.gate.AttemptLogin(ctx, attempt("123456"))
	require.NoError(t, err)
	require.NotNil(t, result.Session)
	assert.True(t, result.Session.Authenticated)
	assert.Equal(t, "Firefox", result.Session.Device.Browser)

	f.gate.Wait()
	assert.Equal(t, []string{models.EventLoginSuccess}, f.recorder.Types())
	assert.Equal(t, []services.NotificationType{services.NotifyLoginSuccess}, f.notifier.Sent())
	assert.Equal(t, result.Session.ID, f.recorder.Events[0].SessionID)
}

func TestAttemptLogin_InvalidFormatIsNotCounted(t *testing.T) {
	f := newGateFixture(acceptCode("123456"))
	ctx := context.Background()

	for _, code := range []string{"", "12345", "1234567", "12a456", " 12345", "１２３４５６"} {
		_, err := f.gate.AttemptLogin(ctx, attempt(code))
		assert.ErrorIs(t, err, models.ErrInvalidCodeFormat, "code %q", code)
	}

	assert.Equal(t, 0, f.verifier.CallCount())
	status := f.limiter.CheckLimited(ctx, testIP)
	assert.Equal(t, 0, status.Attempts)

	f.gate.Wait()
	e := f.recorder.Find(models.EventInvalidFormat)
	require.NotNil(t, e)
	assert.Empty(t, f.notifier.Sent())
}

func TestAttemptLogin_WrongCodeReportsRemainingAttempts(t *testing.T) {
	f := newGateFixture(acceptCode("123456"))
	ctx := context.Background()

	_, err := f.gate.AttemptLogin(ctx, attempt("654321"))

	var invalid *models.InvalidCodeError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, 4, invalid.RemainingAttempts)

	f.gate.Wait()
	e := f.recorder.Find(models.EventLoginFailed)
	require.NotNil(t, e)
	assert.Equal(t, "65****", e.MaskedCode)
	require.NotNil(t, e.RemainingAttempts)
	assert.Equal(t, 4, *e.RemainingAttempts)
	assert.Equal(t, []services.NotificationType{services.NotifyLoginFailed}, f.notifier.Sent())
}

func TestAttemptLogin_FifthFailureLocksOut(t *testing.T) {
	f := newGateFixture(acceptCode("123456"))
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		_, err := f.gate.AttemptLogin(ctx, attempt("000000"))
		var invalid *models.InvalidCodeError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, 5-i, invalid.RemainingAttempts)
	}

	_, err := f.gate.AttemptLogin(ctx, attempt("000000"))
	var limited *models.RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, 15, limited.RemainingMinutes)
	assert.Equal(t, 5, limited.Attempts)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), limited.LockedUntil)

	f.gate.Wait()
	assert.Contains(t, f.recorder.Types(), models.EventRateLimited)
	assert.Contains(t, f.notifier.Sent(), services.NotifyRateLimited)
}

func TestAttemptLogin_LockedOutSkipsVerifier(t *testing.T) {
	f := newGateFixture(acceptCode("123456"))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = f.gate.AttemptLogin(ctx, attempt("000000"))
	}
	calls := f.verifier.CallCount()

	// Even the correct code is refused during a lockout
	f.clock.Advance(5 * time.Minute)
	_, err := f.gate.AttemptLogin(ctx, attempt("123456"))
	var limited *models.RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, 10, limited.RemainingMinutes)
	assert.Equal(t, calls, f.verifier.CallCount())

	f.clock.Advance(10 * time.Minute)
	result, err := f.gate.AttemptLogin(ctx, attempt("123456"))
	require.NoError(t, err)
	assert.NotNil(t, result.Session)

	f.gate.Wait()
}

func TestAttemptLogin_SuccessResetsCounter(t *testing.T) {
	f := newGateFixture(acceptCode("123456"))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = f.gate.AttemptLogin(ctx, attempt("000000"))
	}
	_, err := f.gate.AttemptLogin(ctx, attempt("123456"))
	require.NoError(t, err)

	_, err = f.gate.AttemptLogin(ctx, attempt("000000"))
	var invalid *models.InvalidCodeError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, 4, invalid.RemainingAttempts)

	f.gate.Wait()
}

func TestAttemptLogin_RotatesSessionID(t *testing.T) {
	f := newGateFixture(acceptCode("123456"))
	ctx := context.Background()

	first, err := f.gate.AttemptLogin(ctx, attempt("123456"))
	require.NoError(t, err)

	again := attempt("123456")
	again.PreviousSessionID = first.Session.ID
	second, err := f.gate.AttemptLogin(ctx, again)
	require.NoError(t, err)

	assert.NotEqual(t, first.Session.ID, second.Session.ID)
	_, err = f.store.Get(ctx, first.Session.ID)
	assert.ErrorIs(t, err, models.ErrSessionNotFound)

	f.gate.Wait()
}

func TestAttemptLogin_VerifierErrorFailsClosed(t *testing.T) {
	f := newGateFixture(&services.MockCodeVerifier{
		ValidateFunc: func(secret, code string, at time.Time) (bool, error) {
			return false, errors.New("illegal base32 data")
		},
	})
	ctx := context.Background()

	result, err := f.gate.AttemptLogin(ctx, attempt("123456"))
	assert.Nil(t, result)
	assert.ErrorIs(t, err, models.ErrInternalServer)

	status := f.limiter.CheckLimited(ctx, testIP)
	assert.Equal(t, 0, status.Attempts)

	f.gate.Wait()
}

func TestAttemptLogin_SecretUnavailable(t *testing.T) {
	f := newGateFixture(acceptCode("123456"))
	f.secrets.CurrentFunc = func() (string, error) { return "", models.ErrSecretUnavailable }

	_, err := f.gate.AttemptLogin(context.Background(), attempt("123456"))
	assert.ErrorIs(t, err, models.ErrInternalServer)
	assert.Equal(t, 0, f.verifier.CallCount())
}

func TestAttemptLogin_RealTOTP(t *testing.T) {
	tm := auth.NewTOTPManager("Secure Web App", models.DefaultUser, 2)
	secret, err := tm.GenerateSecret()
	require.NoError(t, err)

	f := newGateFixture(tm)
	f.secrets.CurrentFunc = func() (string, error) { return secret, nil }

	// A code from the previous 30s step is still inside the window
	code, err := tm.GenerateCode(secret, time.Now().Add(-30*time.Second))
	require.NoError(t, err)

	result, err := f.gate.AttemptLogin(context.Background(), attempt(code))
	require.NoError(t, err)
	assert.NotNil(t, result.Session)

	f.gate.Wait()
}

func TestAttemptLogin_FailureDelay(t *testing.T) {
	f := newGateFixture(acceptCode("123456"))
	events := services.NewEventPipeline(f.recorder, nil, discardLogger())
	delay := auth.NewTimingDelay(auth.TimingConfig{BaseDelayMs: 50})
	gate := services.NewGateService(f.verifier, f.secrets, f.limiter, f.sessions, events, delay, discardLogger())

	start := time.Now()
	_, err := gate.AttemptLogin(context.Background(), attempt("000000"))
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	gate.Wait()
}
