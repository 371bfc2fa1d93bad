// Package client assembles the synchronization core: session, transport,
// conversation store, presence, live channel and message service.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"chatsync/internal/config"
	"chatsync/internal/conversation"
	"chatsync/internal/live"
	"chatsync/internal/logger"
	"chatsync/internal/messaging"
	"chatsync/internal/model"
	"chatsync/internal/presence"
	"chatsync/internal/session"
	"chatsync/internal/transport"
	"github.com/gorilla/websocket"
)

// ErrSignedOut is the reason reported when the user signs out on purpose.
var ErrSignedOut = errors.New("signed out")

type Options struct {
	Config config.ClientConfig
	Logger *slog.Logger
	// HTTP replaces the default client. Its Jar, if any, receives the
	// access-token cookie.
	HTTP   *http.Client
	Dialer *websocket.Dialer
	Now    func() time.Time
}

type Client struct {
	cfg    config.ClientConfig
	log    *slog.Logger
	remote *session.Remote

	session   *session.Manager
	transport *transport.Transport
	store     *conversation.Store
	presence  *presence.Tracker
	live      *live.Channel
	messages  *messaging.Service
}

func New(opts Options) (*Client, error) {
	cfg := opts.Config
	log := logger.OrDefault(opts.Logger)

	apiURL, err := url.Parse(cfg.APIURL)
	if err != nil || apiURL.Host == "" {
		return nil, fmt.Errorf("invalid api url %q", cfg.APIURL)
	}
	if cfg.WSURL == "" {
		cfg.WSURL = config.DeriveWSURL(cfg.APIURL)
	}

	httpClient := opts.HTTP
	if httpClient == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		httpClient = &http.Client{Timeout: cfg.RequestTimeout, Jar: jar}
	}

	var mirrors []session.Mirror
	if cfg.CredentialFile != "" {
		mirrors = append(mirrors, session.FileMirror{Path: cfg.CredentialFile})
	}
	if httpClient.Jar != nil {
		mirrors = append(mirrors, session.CookieMirror{Jar: httpClient.Jar, URL: apiURL})
	}

	c := &Client{
		cfg:      cfg,
		log:      log,
		remote:   &session.Remote{BaseURL: cfg.APIURL, HTTP: httpClient},
		presence: presence.New(),
	}
	c.session = session.NewManager(session.Options{
		Renewer:      c.remote,
		Mirrors:      mirrors,
		Leeway:       cfg.TokenLeeway,
		RenewTimeout: cfg.RequestTimeout,
		Now:          opts.Now,
		Logger:       log.With("component", "session"),
	})
	c.transport = transport.New(transport.Options{
		BaseURL: cfg.APIURL,
		HTTP:    httpClient,
		Session: c.session,
		Logger:  log.With("component", "transport"),
	})
	c.store = conversation.New(conversation.Options{Now: opts.Now, Logger: log.With("component", "store")})
	c.messages = messaging.New(messaging.Options{
		Transport:         c.transport,
		Store:             c.store,
		Session:           c.session,
		WriteTimeout:      cfg.RequestTimeout,
		RefetchAfterWrite: cfg.RefetchAfterWrite,
		Logger:            log.With("component", "messaging"),
	})
	c.live = live.New(live.Options{
		URL:           cfg.WSURL,
		Session:       c.session,
		Store:         c.store,
		Presence:      c.presence,
		Resyncer:      c.messages,
		Dialer:        opts.Dialer,
		ReconnectBase: cfg.ReconnectBase,
		ReconnectMax:  cfg.ReconnectMax,
		Logger:        log.With("component", "live"),
	})
	c.session.OnSessionExpired(c.expired)
	return c, nil
}

// expired tears down per-user state. It may run on the live channel's own
// goroutine, so the channel is only cancelled here.
func (c *Client) expired(reason error) {
	c.log.Info("session expired", "reason", reason)
	c.live.Cancel()
	c.messages.CloseAll()
	c.store.Reset("")
	c.presence.Reset()
}

// OnSessionExpired registers fn to run whenever the session ends, whether
// forced by the server or by SignOut.
func (c *Client) OnSessionExpired(fn func(reason error)) {
	c.session.OnSessionExpired(fn)
}

func (c *Client) SignIn(cred model.Credential) error {
	if err := c.session.SignIn(cred); err != nil {
		return err
	}
	c.store.Reset(cred.Principal.ID)
	c.presence.Reset()
	return nil
}

func (c *Client) Login(ctx context.Context, p model.Principal) error {
	cred, err := c.remote.Login(ctx, p)
	if err != nil {
		return err
	}
	return c.SignIn(cred)
}

// Restore signs in from the credential file, if one is configured and
// present. An expired credential is still restored; the first call renews
// it.
func (c *Client) Restore() (bool, error) {
	if c.cfg.CredentialFile == "" {
		return false, nil
	}
	cred, ok, err := session.LoadFileMirror(c.cfg.CredentialFile)
	if err != nil || !ok {
		return false, err
	}
	if err := c.SignIn(cred); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) SignOut() {
	c.live.Stop()
	c.session.SignOut(ErrSignedOut)
}

func (c *Client) Principal() (model.Principal, bool) {
	return c.session.Principal()
}

// Start opens the live channel. It returns ErrSessionExpired when nobody
// is signed in.
func (c *Client) Start(ctx context.Context) error {
	if _, ok := c.session.Current(); !ok {
		return session.ErrSessionExpired
	}
	c.live.Start(ctx)
	return nil
}

func (c *Client) Stop() {
	c.live.Stop()
}

func (c *Client) LiveState() live.State {
	return c.live.State()
}

// Subscribe calls fn for every live event of conversationID, or of every
// conversation and presence when conversationID is empty.
func (c *Client) Subscribe(conversationID string, fn func(model.Event)) (unsubscribe func()) {
	return c.live.Subscribe("", func(ev model.Event) {
		if conversationID == "" || ev.ConversationID() == conversationID {
			fn(ev)
		}
	})
}

func (c *Client) Send(ctx context.Context, conversationID, body, attachmentURL string) (model.Message, error) {
	return c.messages.Send(ctx, conversationID, body, attachmentURL)
}

func (c *Client) Retry(ctx context.Context, conversationID, correlationID string) (model.Message, error) {
	return c.messages.Retry(ctx, conversationID, correlationID)
}

// Do makes an authenticated call for features outside the core. It renews
// the credential like every other call and reports auth failures only as
// session.ErrSessionExpired.
func (c *Client) Do(ctx context.Context, req transport.Request) (*transport.Response, error) {
	return c.transport.Do(ctx, req)
}

func (c *Client) DoJSON(ctx context.Context, req transport.Request, out any) error {
	return c.transport.DoJSON(ctx, req, out)
}

func (c *Client) History(ctx context.Context, conversationID string) ([]model.Message, error) {
	return c.messages.FetchHistory(ctx, conversationID)
}

func (c *Client) Open(ctx context.Context, conversationID string) ([]model.Message, error) {
	return c.messages.Open(ctx, conversationID)
}

func (c *Client) Close(conversationID string) {
	c.messages.Close(conversationID)
}

func (c *Client) Delete(ctx context.Context, conversationID string, messageIDs ...string) error {
	return c.messages.DeleteMany(ctx, conversationID, messageIDs)
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.messages.MarkRead(ctx, conversationID)
}

func (c *Client) Conversations(ctx context.Context) ([]model.Conversation, error) {
	return c.messages.FetchConversations(ctx)
}

func (c *Client) StartConversation(ctx context.Context, counterpartID string) (model.Conversation, error) {
	return c.messages.StartConversation(ctx, counterpartID)
}

func (c *Client) Store() *conversation.Store { return c.store }

func (c *Client) Presence() *presence.Tracker { return c.presence }
