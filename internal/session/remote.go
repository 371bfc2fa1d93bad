package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatsync/internal/model"
)

// ErrRenewalRejected means the backend refused the renewal token.
var ErrRenewalRejected = errors.New("renewal rejected")

// Remote talks to the unauthenticated auth endpoints. It deliberately uses
// its own http.Client: renewal must never go through the authenticated
// transport, which would recurse into the session manager.
type Remote struct {
	BaseURL string
	HTTP    *http.Client
}

type tokenResponse struct {
	AccessToken  string           `json:"accessToken"`
	RefreshToken string           `json:"refreshToken"`
	ExpiresAt    time.Time        `json:"expiresAt"`
	User         *model.Principal `json:"user"`
}

func (r *Remote) Renew(ctx context.Context, cred model.Credential) (model.Credential, error) {
	var resp tokenResponse
	status, err := r.post(ctx, "/auth/refresh", map[string]string{"refreshToken": cred.RefreshToken}, &resp)
	if err != nil {
		return model.Credential{}, err
	}
	switch {
	case status == http.StatusOK:
	case status >= 400 && status < 500:
		return model.Credential{}, fmt.Errorf("%w: status %d", ErrRenewalRejected, status)
	default:
		return model.Credential{}, fmt.Errorf("refresh failed: status %d", status)
	}
	return resp.credential(cred.Principal)
}

func (r *Remote) Login(ctx context.Context, p model.Principal) (model.Credential, error) {
	var resp tokenResponse
	status, err := r.post(ctx, "/auth/login", map[string]string{"userId": p.ID, "role": string(p.Role)}, &resp)
	if err != nil {
		return model.Credential{}, err
	}
	if status != http.StatusOK {
		return model.Credential{}, fmt.Errorf("login failed: status %d", status)
	}
	return resp.credential(p)
}

func (t tokenResponse) credential(fallback model.Principal) (model.Credential, error) {
	if t.AccessToken == "" {
		return model.Credential{}, errors.New("response has no access token")
	}
	cred := model.Credential{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    t.ExpiresAt,
		Principal:    fallback,
	}
	if t.User != nil && t.User.ID != "" {
		cred.Principal = *t.User
	}
	return cred, nil
}

func (r *Remote) post(ctx context.Context, path string, body any, out any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(r.BaseURL, "/")+path, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := r.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, res.Body)
		return res.StatusCode, nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return res.StatusCode, fmt.Errorf("decode %s: %w", path, err)
	}
	return res.StatusCode, nil
}
