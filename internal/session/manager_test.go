package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatsync/internal/logger"
	"chatsync/internal/model"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeRenewer struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (f *fakeRenewer) Renew(ctx context.Context, cred model.Credential) (model.Credential, error) {
	n := f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return model.Credential{}, f.err
	}
	return model.Credential{
		AccessToken: "access-" + string(rune('0'+n)),
		ExpiresAt:   base.Add(time.Hour),
	}, nil
}

func expiredCredential() model.Credential {
	return model.Credential{
		AccessToken:  "access-0",
		RefreshToken: "refresh-0",
		ExpiresAt:    base.Add(-time.Second),
		Principal:    model.Principal{ID: "student-1", Role: model.RoleStudent},
	}
}

func newTestManager(t *testing.T, r Renewer, mirrors ...Mirror) *Manager {
	t.Helper()
	m := NewManager(Options{
		Renewer: r,
		Mirrors: mirrors,
		Now:     func() time.Time { return base },
		Logger:  logger.Discard(),
	})
	if err := m.SignIn(expiredCredential()); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	return m
}

func TestEnsureValidToken_ValidCredentialUnchanged(t *testing.T) {
	r := &fakeRenewer{}
	m := NewManager(Options{Renewer: r, Now: func() time.Time { return base }, Logger: logger.Discard()})
	cred := expiredCredential()
	cred.ExpiresAt = base.Add(time.Minute)
	if err := m.SignIn(cred); err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	got, err := m.EnsureValidToken(context.Background())
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if got.AccessToken != "access-0" {
		t.Fatalf("expected unchanged token, got %q", got.AccessToken)
	}
	if r.calls.Load() != 0 {
		t.Fatalf("expected no renewal, got %d", r.calls.Load())
	}
}

func TestEnsureValidToken_SingleFlight(t *testing.T) {
	r := &fakeRenewer{release: make(chan struct{})}
	m := newTestManager(t, r)

	const callers = 16
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := m.EnsureValidToken(context.Background())
			tokens[i], errs[i] = cred.AccessToken, err
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(r.release)
	wg.Wait()

	if got := r.calls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 renewal, got %d", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != "access-1" {
			t.Fatalf("caller %d got %q", i, tokens[i])
		}
	}

	cur, _ := m.Current()
	if cur.RefreshToken != "refresh-0" {
		t.Fatalf("expected refresh token to carry over, got %q", cur.RefreshToken)
	}
	if cur.Principal.ID != "student-1" {
		t.Fatalf("expected principal to carry over, got %q", cur.Principal.ID)
	}
}

func TestEnsureValidToken_RenewalFailureSignsOutEveryWaiter(t *testing.T) {
	r := &fakeRenewer{release: make(chan struct{}), err: ErrRenewalRejected}
	path := filepath.Join(t.TempDir(), "cred.json")
	m := newTestManager(t, r, FileMirror{Path: path})

	var expired atomic.Int32
	m.OnSessionExpired(func(error) { expired.Add(1) })

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.EnsureValidToken(context.Background())
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(r.release)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, ErrSessionExpired) {
			t.Fatalf("caller %d: expected ErrSessionExpired, got %v", i, err)
		}
	}
	if expired.Load() != 1 {
		t.Fatalf("expected one sign-out notification, got %d", expired.Load())
	}
	if _, ok := m.Current(); ok {
		t.Fatalf("expected credential cleared")
	}
	if _, ok, _ := LoadFileMirror(path); ok {
		t.Fatalf("expected durable mirror cleared")
	}
}

func TestEnsureValidToken_NoRenewalToken(t *testing.T) {
	r := &fakeRenewer{}
	m := NewManager(Options{Renewer: r, Now: func() time.Time { return base }, Logger: logger.Discard()})
	cred := expiredCredential()
	cred.RefreshToken = ""
	if err := m.SignIn(cred); err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	_, err := m.EnsureValidToken(context.Background())
	if !errors.Is(err, ErrSessionExpired) || !errors.Is(err, ErrNoRenewalToken) {
		t.Fatalf("expected ErrSessionExpired+ErrNoRenewalToken, got %v", err)
	}
	if r.calls.Load() != 0 {
		t.Fatalf("expected no renewal request")
	}
}

func TestEnsureValidToken_NotSignedIn(t *testing.T) {
	m := NewManager(Options{Logger: logger.Discard()})
	if _, err := m.EnsureValidToken(context.Background()); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestForceRenew_SkipsWhenAlreadyReplaced(t *testing.T) {
	r := &fakeRenewer{}
	m := newTestManager(t, r)

	first, err := m.ForceRenew(context.Background(), "access-0")
	if err != nil {
		t.Fatalf("ForceRenew: %v", err)
	}
	if first.AccessToken != "access-1" {
		t.Fatalf("expected access-1, got %q", first.AccessToken)
	}

	// A second caller that was rejected with the old token must not renew again.
	second, err := m.ForceRenew(context.Background(), "access-0")
	if err != nil {
		t.Fatalf("ForceRenew: %v", err)
	}
	if second.AccessToken != "access-1" || r.calls.Load() != 1 {
		t.Fatalf("expected reuse of access-1 with 1 call, got %q with %d", second.AccessToken, r.calls.Load())
	}

	// The server rejecting the current, unexpired token forces a renewal.
	third, err := m.ForceRenew(context.Background(), "access-1")
	if err != nil {
		t.Fatalf("ForceRenew: %v", err)
	}
	if third.AccessToken != "access-2" {
		t.Fatalf("expected access-2, got %q", third.AccessToken)
	}
}

func TestEnsureValidToken_CallerCancellationDoesNotAbortRenewal(t *testing.T) {
	r := &fakeRenewer{release: make(chan struct{})}
	m := newTestManager(t, r)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.EnsureValidToken(ctx)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(r.release)
	cred, err := m.EnsureValidToken(context.Background())
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if cred.AccessToken != "access-1" || r.calls.Load() != 1 {
		t.Fatalf("expected renewal to finish once, got %q with %d calls", cred.AccessToken, r.calls.Load())
	}
}

func TestSignOut_NotifiesOnce(t *testing.T) {
	m := newTestManager(t, &fakeRenewer{})
	var n atomic.Int32
	m.OnSessionExpired(func(error) { n.Add(1) })

	m.SignOut(errors.New("bye"))
	m.SignOut(errors.New("bye again"))
	if n.Load() != 1 {
		t.Fatalf("expected 1 notification, got %d", n.Load())
	}
}
