package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"chatsync/internal/logger"
	"chatsync/internal/model"
	"chatsync/internal/session"
)

var (
	// ErrAuthFailed is returned when a call is rejected with 401 after its
	// credential was already renewed once.
	ErrAuthFailed = errors.New("authentication failed after renewal")
	// ErrAuthorizationRevoked is returned on 403; it is never retried.
	ErrAuthorizationRevoked = errors.New("authorization revoked")
)

// DefaultRetryBudget is the number of renew-and-retry rounds a call gets
// after a 401.
const DefaultRetryBudget = 1

const maxResponseBytes = 4 << 20

type Session interface {
	EnsureValidToken(ctx context.Context) (model.Credential, error)
	ForceRenew(ctx context.Context, staleToken string) (model.Credential, error)
	SignOut(reason error)
}

type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// StatusError carries a non-2xx response that is not an auth failure.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(string(e.Body))
	if msg == "" {
		return fmt.Sprintf("server responded %d", e.StatusCode)
	}
	return fmt.Sprintf("server responded %d: %s", e.StatusCode, msg)
}

func (e *StatusError) Temporary() bool { return e.StatusCode >= 500 }

type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "network error: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

type Options struct {
	BaseURL string
	HTTP    *http.Client
	Session Session
	Logger  *slog.Logger
}

// Transport attaches the session's bearer token to every call and owns the
// 401/403 policy so feature code only ever sees ErrSessionExpired.
type Transport struct {
	baseURL string
	http    *http.Client
	session Session
	log     *slog.Logger
}

func New(opts Options) *Transport {
	client := opts.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	return &Transport{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    client,
		session: opts.Session,
		log:     logger.OrDefault(opts.Logger),
	}
}

func (t *Transport) Do(ctx context.Context, req Request) (*Response, error) {
	var body []byte
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = data
	}
	return t.Call(ctx, req, body, DefaultRetryBudget)
}

// DoJSON performs req and decodes a 2xx body into out (which may be nil).
// Non-2xx responses come back as *StatusError.
func (t *Transport) DoJSON(ctx context.Context, req Request, out any) error {
	res, err := t.Do(ctx, req)
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &StatusError{StatusCode: res.StatusCode, Body: res.Body}
	}
	if out == nil || len(res.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Body, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", req.Method, req.Path, err)
	}
	return nil
}

// Call sends one logical request. attemptsRemaining is how many more times
// a 401 may be answered with a forced renewal and a retry.
func (t *Transport) Call(ctx context.Context, req Request, body []byte, attemptsRemaining int) (*Response, error) {
	cred, err := t.session.EnsureValidToken(ctx)
	if err != nil {
		return nil, err
	}

	res, err := t.send(ctx, req, body, cred.AccessToken)
	if err != nil {
		return nil, err
	}

	switch res.StatusCode {
	case http.StatusUnauthorized:
		if attemptsRemaining <= 0 {
			t.log.Warn("request rejected after renewal; signing out", "method", req.Method, "path", req.Path)
			t.session.SignOut(ErrAuthFailed)
			return nil, fmt.Errorf("%w: %w", session.ErrSessionExpired, ErrAuthFailed)
		}
		t.log.Debug("request rejected with 401; renewing", "method", req.Method, "path", req.Path)
		if _, err := t.session.ForceRenew(ctx, cred.AccessToken); err != nil {
			return nil, err
		}
		return t.Call(ctx, req, body, attemptsRemaining-1)

	case http.StatusForbidden:
		t.log.Warn("authorization revoked; signing out", "method", req.Method, "path", req.Path)
		t.session.SignOut(ErrAuthorizationRevoked)
		return nil, fmt.Errorf("%w: %w", session.ErrSessionExpired, ErrAuthorizationRevoked)
	}

	return res, nil
}

func (t *Transport) send(ctx context.Context, req Request, body []byte, token string) (*Response, error) {
	target := t.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, reader)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpRes, err := t.http.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer httpRes.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpRes.Body, maxResponseBytes))
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	return &Response{StatusCode: httpRes.StatusCode, Header: httpRes.Header, Body: data}, nil
}
