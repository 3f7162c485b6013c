// Package otp implements the six-digit code entry challenge shown after
// signup: slot entry with auto-submit, failure reset and a resend cooldown.
package otp

import (
	"context"
	"strings"
	"sync"
	"time"

	"authsync-service/internal/metrics"
	"authsync-service/internal/pkg/broadcast"
	xerrors "authsync-service/internal/pkg/errors"

	"go.uber.org/zap"
)

const (
	CodeLength          = 6
	DefaultResendWindow = 180 * time.Second
)

type Status string

const (
	StatusEntering  Status = "entering"
	StatusVerifying Status = "verifying"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
)

// Reason explains a failed verification
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonInvalid     Reason = "invalid"
	ReasonRateLimited Reason = "rate_limited"
	ReasonDefault     Reason = "default"
)

// Verifier performs the remote side of the challenge
type Verifier interface {
	VerifyCode(ctx context.Context, email, code string) error
	ResendCode(ctx context.Context, email string) error
}

// State is a point-in-time copy of the challenge
type State struct {
	Email            string   `json:"email"`
	Slots            []string `json:"slots"`
	Focus            int      `json:"focus"`
	Status           Status   `json:"status"`
	Reason           Reason   `json:"reason,omitempty"`
	RemainingSeconds int      `json:"remaining_seconds"`
	CanResend        bool     `json:"can_resend"`
	Resending        bool     `json:"resending"`
	Closed           bool     `json:"closed"`
}

type Machine struct {
	mu        sync.Mutex
	email     string
	slots     [CodeLength]string
	focus     int
	status    Status
	reason    Reason
	issuedAt  time.Time
	resending bool
	closed    bool

	window   time.Duration
	verifier Verifier
	now      func() time.Time
	updates  *broadcast.Latest[State]
	metrics  metrics.Recorder
	logger   *zap.Logger
}

type Option func(*Machine)

// WithClock injects a custom clock (useful for tests)
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

func WithResendWindow(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithIssuedAt anchors the resend cooldown to when the code actually went
// out. A zero or future time means now.
func WithIssuedAt(t time.Time) Option {
	return func(m *Machine) {
		m.issuedAt = t
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(m *Machine) {
		if r != nil {
			m.metrics = r
		}
	}
}

// New starts a challenge for email. Unless WithIssuedAt says otherwise the
// code is considered issued now.
func New(email string, verifier Verifier, opts ...Option) *Machine {
	m := &Machine{
		email:    email,
		status:   StatusEntering,
		window:   DefaultResendWindow,
		verifier: verifier,
		now:      time.Now,
		updates:  broadcast.NewLatest[State](),
		metrics:  metrics.Nop{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if now := m.now(); m.issuedAt.IsZero() || m.issuedAt.After(now) {
		m.issuedAt = now
	}
	m.updates.Publish(m.snapshotLocked())
	return m
}

func (m *Machine) Email() string {
	return m.email
}

// Snapshot returns the current state with the countdown evaluated now
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe delivers every state change. Countdown ticks are not pushed;
// read Snapshot for a fresh remaining time.
func (m *Machine) Subscribe() (<-chan State, func()) {
	return m.updates.Subscribe()
}

// EnterDigit fills slot i. Filling the last empty slot submits the code.
func (m *Machine) EnterDigit(ctx context.Context, i int, digit string) (State, error) {
	if i < 0 || i >= CodeLength || !isDigit(digit) {
		return m.Snapshot(), xerrors.ErrInvalidInput
	}

	m.mu.Lock()
	if err := m.editableLocked(); err != nil {
		m.mu.Unlock()
		return m.Snapshot(), err
	}
	m.resetFailureLocked()
	m.slots[i] = digit
	if i < CodeLength-1 {
		m.focus = i + 1
	} else {
		m.focus = i
	}
	return m.submitIfCompleteLocked(ctx)
}

// Backspace clears slot i, or moves focus back when it is already empty.
func (m *Machine) Backspace(i int) (State, error) {
	if i < 0 || i >= CodeLength {
		return m.Snapshot(), xerrors.ErrInvalidInput
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.editableLocked(); err != nil {
		return m.snapshotLocked(), err
	}
	m.resetFailureLocked()
	if m.slots[i] != "" {
		m.slots[i] = ""
		m.focus = i
	} else if i > 0 {
		m.focus = i - 1
	}
	return m.publishLocked(), nil
}

// Paste fills slots from the start with the digits of code. A full code is
// submitted straight away.
func (m *Machine) Paste(ctx context.Context, code string) (State, error) {
	code = strings.TrimSpace(code)
	if code == "" || len(code) > CodeLength {
		return m.Snapshot(), xerrors.ErrInvalidInput
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return m.Snapshot(), xerrors.ErrInvalidInput
		}
	}

	m.mu.Lock()
	if err := m.editableLocked(); err != nil {
		m.mu.Unlock()
		return m.Snapshot(), err
	}
	m.resetFailureLocked()
	m.slots = [CodeLength]string{}
	for i, r := range code {
		m.slots[i] = string(r)
	}
	m.focus = min(len(code), CodeLength-1)
	return m.submitIfCompleteLocked(ctx)
}

// Resend requests a new code once the cooldown has elapsed.
func (m *Machine) Resend(ctx context.Context) (State, error) {
	m.mu.Lock()
	if m.closed || m.status == StatusSuccess {
		m.mu.Unlock()
		return m.Snapshot(), xerrors.ErrChallengeClosed
	}
	if m.status == StatusVerifying || m.resending {
		m.mu.Unlock()
		return m.Snapshot(), xerrors.ErrChallengeBusy
	}
	if !m.canResendLocked() {
		m.mu.Unlock()
		return m.Snapshot(), xerrors.ErrResendUnavailable
	}
	m.resending = true
	m.publishLocked()
	m.mu.Unlock()

	err := m.verifier.ResendCode(ctx, m.email)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.resending = false
	if err != nil {
		m.logger.Warn("otp resend failed", zap.String("email", m.email), zap.Error(err))
		return m.publishLocked(), err
	}
	m.issuedAt = m.now()
	m.slots = [CodeLength]string{}
	m.focus = 0
	m.status = StatusEntering
	m.reason = ReasonNone
	return m.publishLocked(), nil
}

// Close dismisses the challenge. It is refused once verification succeeded
// so the post-signup redirect can finish.
func (m *Machine) Close() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == StatusSuccess {
		return m.snapshotLocked(), xerrors.ErrCloseDisabled
	}
	if !m.closed {
		m.closed = true
		m.publishLocked()
	}
	return m.snapshotLocked(), nil
}

// submitIfCompleteLocked must be called with mu held and releases it.
func (m *Machine) submitIfCompleteLocked(ctx context.Context) (State, error) {
	for _, s := range m.slots {
		if s == "" {
			st := m.publishLocked()
			m.mu.Unlock()
			return st, nil
		}
	}

	code := strings.Join(m.slots[:], "")
	m.status = StatusVerifying
	m.publishLocked()
	m.mu.Unlock()

	err := m.verifier.VerifyCode(ctx, m.email, code)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.status = StatusSuccess
		m.reason = ReasonNone
		m.metrics.RecordOTPVerify("success")
		return m.publishLocked(), nil
	}

	m.status = StatusFailed
	m.reason = reasonFor(err)
	m.slots = [CodeLength]string{}
	m.focus = 0
	m.metrics.RecordOTPVerify(string(m.reason))
	m.logger.Info("otp verification failed",
		zap.String("email", m.email),
		zap.String("reason", string(m.reason)),
		zap.Error(err))
	return m.publishLocked(), err
}

func (m *Machine) editableLocked() error {
	switch {
	case m.closed, m.status == StatusSuccess:
		return xerrors.ErrChallengeClosed
	case m.status == StatusVerifying:
		return xerrors.ErrChallengeBusy
	}
	return nil
}

// resetFailureLocked moves a failed challenge back to entering on the next edit
func (m *Machine) resetFailureLocked() {
	if m.status == StatusFailed {
		m.status = StatusEntering
		m.reason = ReasonNone
	}
}

func (m *Machine) canResendLocked() bool {
	return m.now().Sub(m.issuedAt) >= m.window
}

func (m *Machine) publishLocked() State {
	st := m.snapshotLocked()
	m.updates.Publish(st)
	return st
}

func (m *Machine) snapshotLocked() State {
	remaining := m.window - m.now().Sub(m.issuedAt)
	if remaining < 0 {
		remaining = 0
	}
	slots := make([]string, CodeLength)
	copy(slots, m.slots[:])
	return State{
		Email:            m.email,
		Slots:            slots,
		Focus:            m.focus,
		Status:           m.status,
		Reason:           m.reason,
		RemainingSeconds: int((remaining + time.Second - 1) / time.Second),
		CanResend:        remaining == 0,
		Resending:        m.resending,
		Closed:           m.closed,
	}
}

func reasonFor(err error) Reason {
	switch xerrors.KindOf(err) {
	case xerrors.KindInvalidOTP:
		return ReasonInvalid
	case xerrors.KindRateLimited:
		return ReasonRateLimited
	default:
		return ReasonDefault
	}
}

func isDigit(s string) bool {
	return len(s) == 1 && s[0] >= '0' && s[0] <= '9'
}
