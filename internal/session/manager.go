package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/logger"
	"chatsync/internal/model"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrSessionExpired is the only auth failure feature code ever sees.
	ErrSessionExpired = errors.New("session expired")
	ErrNoRenewalToken = errors.New("no renewal token available")
)

const renewKey = "renew"

// Renewer exchanges the renewal token held in cred for a fresh credential.
type Renewer interface {
	Renew(ctx context.Context, cred model.Credential) (model.Credential, error)
}

type Mirror interface {
	Save(cred model.Credential) error
	Clear() error
}

type Options struct {
	Renewer      Renewer
	Mirrors      []Mirror
	Leeway       time.Duration
	RenewTimeout time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// Manager owns the current credential. All renewals go through a single
// flight so concurrent callers racing on expiry share one refresh request.
type Manager struct {
	mu   sync.RWMutex
	cred *model.Credential

	renewer      Renewer
	mirrors      []Mirror
	leeway       time.Duration
	renewTimeout time.Duration
	now          func() time.Time
	log          *slog.Logger

	flight singleflight.Group

	listenersMu sync.Mutex
	onExpired   []func(error)
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		renewer:      opts.Renewer,
		mirrors:      opts.Mirrors,
		leeway:       opts.Leeway,
		renewTimeout: opts.RenewTimeout,
		now:          opts.Now,
		log:          logger.OrDefault(opts.Logger),
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.renewTimeout <= 0 {
		m.renewTimeout = 15 * time.Second
	}
	return m
}

func (m *Manager) SignIn(cred model.Credential) error {
	if cred.AccessToken == "" {
		return errors.New("missing access token")
	}
	if cred.ExpiresAt.IsZero() {
		exp, err := auth.ExpiryFromToken(cred.AccessToken)
		if err != nil {
			return fmt.Errorf("credential has no expiry: %w", err)
		}
		cred.ExpiresAt = exp
	}
	m.install(cred)
	m.log.Info("session started", "user", cred.Principal.ID, "role", cred.Principal.Role, "expiresAt", cred.ExpiresAt)
	return nil
}

func (m *Manager) Current() (model.Credential, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cred == nil {
		return model.Credential{}, false
	}
	return *m.cred, true
}

func (m *Manager) Principal() (model.Principal, bool) {
	cred, ok := m.Current()
	return cred.Principal, ok
}

// OnSessionExpired registers fn to run after a forced sign-out. The
// surrounding application is expected to route the user back to sign-in.
func (m *Manager) OnSessionExpired(fn func(reason error)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.onExpired = append(m.onExpired, fn)
}

// EnsureValidToken returns the current credential if it has not expired and
// renews it otherwise.
func (m *Manager) EnsureValidToken(ctx context.Context) (model.Credential, error) {
	cred, ok := m.Current()
	if !ok {
		return model.Credential{}, ErrSessionExpired
	}
	if !auth.Expired(cred, m.now(), m.leeway) {
		return cred, nil
	}
	return m.renew(ctx, "")
}

// ForceRenew renews even though the local clock considers the credential
// valid, because the server rejected staleToken. If another caller already
// replaced staleToken, the newer credential is returned without a request.
func (m *Manager) ForceRenew(ctx context.Context, staleToken string) (model.Credential, error) {
	return m.renew(ctx, staleToken)
}

// SignOut clears the credential and its mirrors and notifies listeners.
// Calling it without a session is a no-op.
func (m *Manager) SignOut(reason error) {
	m.mu.Lock()
	had := m.cred != nil
	m.cred = nil
	for _, mirror := range m.mirrors {
		if err := mirror.Clear(); err != nil {
			m.log.Warn("credential mirror clear failed", "err", err)
		}
	}
	m.mu.Unlock()

	if !had {
		return
	}
	m.log.Info("session ended", "reason", reason)

	m.listenersMu.Lock()
	listeners := append([]func(error){}, m.onExpired...)
	m.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(reason)
	}
}

func (m *Manager) renew(ctx context.Context, staleToken string) (model.Credential, error) {
	ch := m.flight.DoChan(renewKey, func() (interface{}, error) {
		return m.doRenew(staleToken)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return model.Credential{}, res.Err
		}
		return res.Val.(model.Credential), nil
	case <-ctx.Done():
		return model.Credential{}, ctx.Err()
	}
}

func (m *Manager) doRenew(staleToken string) (model.Credential, error) {
	cred, ok := m.Current()
	if !ok {
		return model.Credential{}, ErrSessionExpired
	}

	// A flight that finished between the caller's check and this one
	// already produced a usable credential.
	fresh := !auth.Expired(cred, m.now(), m.leeway)
	if fresh && (staleToken == "" || staleToken != cred.AccessToken) {
		return cred, nil
	}

	if m.renewer == nil || cred.RefreshToken == "" {
		m.SignOut(ErrNoRenewalToken)
		return model.Credential{}, fmt.Errorf("%w: %w", ErrSessionExpired, ErrNoRenewalToken)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.renewTimeout)
	defer cancel()

	m.log.Debug("renewing session", "user", cred.Principal.ID, "forced", staleToken != "")
	next, err := m.renewer.Renew(ctx, cred)
	if err != nil {
		m.log.Warn("session renewal failed", "user", cred.Principal.ID, "err", err)
		m.SignOut(err)
		return model.Credential{}, fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}

	if next.Principal.ID == "" {
		next.Principal = cred.Principal
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	if next.ExpiresAt.IsZero() {
		exp, err := auth.ExpiryFromToken(next.AccessToken)
		if err != nil {
			m.SignOut(err)
			return model.Credential{}, fmt.Errorf("%w: %w", ErrSessionExpired, err)
		}
		next.ExpiresAt = exp
	}

	m.install(next)
	m.log.Info("session renewed", "user", next.Principal.ID, "expiresAt", next.ExpiresAt)
	return next, nil
}

// install swaps the in-memory credential and its mirrors under one lock so
// readers never observe a mirror ahead of memory.
func (m *Manager) install(cred model.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cred
	m.cred = &c
	for _, mirror := range m.mirrors {
		if err := mirror.Save(cred); err != nil {
			m.log.Warn("credential mirror save failed", "err", err)
		}
	}
}
