package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"chatsync/internal/model"
)

const credentialFileVersion = 1

type persistedCredential struct {
	Version    int              `json:"version"`
	Credential model.Credential `json:"credential"`
}

// FileMirror keeps the credential in a JSON file so a restarted client can
// resume its session.
type FileMirror struct {
	Path string
}

func (f FileMirror) Save(cred model.Credential) error {
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(persistedCredential{Version: credentialFileVersion, Credential: cred}, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, f.Path)
}

func (f FileMirror) Clear() error {
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// LoadFileMirror reads a credential written by FileMirror. A missing or
// empty file reports ok=false.
func LoadFileMirror(path string) (cred model.Credential, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.Credential{}, false, nil
		}
		return model.Credential{}, false, err
	}
	if len(data) == 0 {
		return model.Credential{}, false, nil
	}

	var file persistedCredential
	if err := json.Unmarshal(data, &file); err != nil {
		return model.Credential{}, false, err
	}
	if file.Version != credentialFileVersion {
		return model.Credential{}, false, errors.New("unsupported credential file version")
	}
	if file.Credential.AccessToken == "" {
		return model.Credential{}, false, nil
	}
	return file.Credential, true, nil
}

// CookieMirror writes the access token into the cookie jar used by the
// transport's http.Client so it rides along on every outbound request.
type CookieMirror struct {
	Jar  http.CookieJar
	URL  *url.URL
	Name string
}

func (c CookieMirror) Save(cred model.Credential) error {
	c.Jar.SetCookies(c.URL, []*http.Cookie{{
		Name:     c.name(),
		Value:    cred.AccessToken,
		Path:     "/",
		Expires:  cred.ExpiresAt,
		Secure:   c.URL.Scheme == "https",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}})
	return nil
}

func (c CookieMirror) Clear() error {
	c.Jar.SetCookies(c.URL, []*http.Cookie{{
		Name:   c.name(),
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	}})
	return nil
}

func (c CookieMirror) name() string {
	if c.Name == "" {
		return "accessToken"
	}
	return c.Name
}
