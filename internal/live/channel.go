package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"chatsync/internal/conversation"
	"chatsync/internal/logger"
	"chatsync/internal/model"
	"chatsync/internal/presence"
	"chatsync/internal/session"
	"chatsync/internal/transport"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

type Session interface {
	EnsureValidToken(ctx context.Context) (model.Credential, error)
	ForceRenew(ctx context.Context, staleToken string) (model.Credential, error)
	SignOut(reason error)
}

// Resyncer refetches whatever may have been missed while the channel was
// down.
type Resyncer interface {
	Resync(ctx context.Context) error
}

type Handler func(model.Event)

type Options struct {
	URL      string
	Session  Session
	Store    *conversation.Store
	Presence *presence.Tracker
	Resyncer Resyncer
	Dialer   *websocket.Dialer

	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// ReadTimeout is how long the connection may stay silent. The server
	// pings well inside it.
	ReadTimeout time.Duration
	Logger      *slog.Logger
}

const writeWait = 10 * time.Second

// Channel holds one persistent push connection and feeds its events into
// the conversation store and presence tracker before handing them to
// subscribers.
type Channel struct {
	url      string
	session  Session
	store    *conversation.Store
	presence *presence.Tracker
	resyncer Resyncer
	dialer   *websocket.Dialer

	base        time.Duration
	maxWait     time.Duration
	readTimeout time.Duration
	log         *slog.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	subsMu  sync.RWMutex
	subs    map[int]subscription
	nextSub int
}

type subscription struct {
	kind model.EventKind
	fn   Handler
}

func New(opts Options) *Channel {
	c := &Channel{
		url:         opts.URL,
		session:     opts.Session,
		store:       opts.Store,
		presence:    opts.Presence,
		resyncer:    opts.Resyncer,
		dialer:      opts.Dialer,
		base:        opts.ReconnectBase,
		maxWait:     opts.ReconnectMax,
		readTimeout: opts.ReadTimeout,
		log:         logger.OrDefault(opts.Logger),
		subs:        make(map[int]subscription),
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	if c.base <= 0 {
		c.base = time.Second
	}
	if c.maxWait <= 0 {
		c.maxWait = 30 * time.Second
	}
	if c.maxWait < c.base {
		c.maxWait = c.base
	}
	if c.readTimeout <= 0 {
		c.readTimeout = 90 * time.Second
	}
	return c
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.log.Debug("live channel state", "from", prev, "to", s)
	}
}

// Subscribe registers fn for events of kind, or for every event when kind
// is empty. Handlers run on the read goroutine after the store has been
// updated; they must not call Stop.
func (c *Channel) Subscribe(kind model.EventKind, fn Handler) (unsubscribe func()) {
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = subscription{kind: kind, fn: fn}
	c.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, id)
			c.subsMu.Unlock()
		})
	}
}

// Start connects in the background and keeps reconnecting until Stop, ctx
// ends, or the session expires. A second Start replaces the first run.
func (c *Channel) Start(ctx context.Context) {
	c.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.run(runCtx, done)
}

// Cancel ends the current run without waiting for it. Unlike Stop it is
// safe to call from a handler or a session callback.
func (c *Channel) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Channel) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Channel) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.maxWait
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.setState(Disconnected)

	b := c.newBackOff()
	connectedBefore := false
	for {
		if connectedBefore {
			c.setState(Reconnecting)
		} else {
			c.setState(Connecting)
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, session.ErrSessionExpired) {
				c.log.Info("live channel stopped: session expired")
				return
			}
			wait := b.NextBackOff()
			c.log.Warn("live channel dial failed", "err", err, "retryIn", wait)
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		b.Reset()
		c.setState(Connected)
		c.log.Info("live channel connected", "reconnect", connectedBefore)
		if connectedBefore && c.resyncer != nil {
			if err := c.resyncer.Resync(ctx); err != nil {
				c.log.Warn("resync after reconnect failed", "err", err)
			}
		}

		err = c.readLoop(ctx, conn)
		connectedBefore = true
		// Presence we hold is stale once our own link is gone; the server
		// sends a fresh snapshot after the next handshake.
		if c.presence != nil {
			c.presence.Reset()
		}
		if ctx.Err() != nil {
			return
		}
		c.setState(Reconnecting)
		wait := b.NextBackOff()
		c.log.Warn("live channel dropped", "err", err, "retryIn", wait)
		if !sleep(ctx, wait) {
			return
		}
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	cred, err := c.session.EnsureValidToken(ctx)
	if err != nil {
		return nil, err
	}
	conn, res, err := c.dialer.DialContext(ctx, c.endpoint(cred.AccessToken), nil)
	if err == nil {
		return conn, nil
	}

	switch status(res) {
	case http.StatusUnauthorized:
		cred, err = c.session.ForceRenew(ctx, cred.AccessToken)
		if err != nil {
			return nil, err
		}
		conn, res, err = c.dialer.DialContext(ctx, c.endpoint(cred.AccessToken), nil)
		if err == nil {
			return conn, nil
		}
		if status(res) == http.StatusUnauthorized {
			c.session.SignOut(transport.ErrAuthFailed)
			return nil, fmt.Errorf("%w: %w", session.ErrSessionExpired, transport.ErrAuthFailed)
		}
		return nil, err
	case http.StatusForbidden:
		c.session.SignOut(transport.ErrAuthorizationRevoked)
		return nil, fmt.Errorf("%w: %w", session.ErrSessionExpired, transport.ErrAuthorizationRevoked)
	}
	return nil, err
}

func status(res *http.Response) int {
	if res == nil {
		return 0
	}
	return res.StatusCode
}

func (c *Channel) endpoint(token string) string {
	u, err := url.Parse(c.url)
	if err != nil {
		return c.url
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			_ = conn.Close()
		case <-stop:
		}
	}()
	defer conn.Close()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))

		var ev model.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warn("live event decode failed", "err", err)
			continue
		}
		c.dispatch(ev)
	}
}

// dispatch applies ev to local state and then notifies subscribers.
func (c *Channel) dispatch(ev model.Event) {
	if err := c.apply(ev); err != nil {
		c.log.Warn("live event dropped", "kind", ev.Kind, "err", err)
		return
	}

	c.subsMu.RLock()
	handlers := make([]Handler, 0, len(c.subs))
	for _, s := range c.subs {
		if s.kind == "" || s.kind == ev.Kind {
			handlers = append(handlers, s.fn)
		}
	}
	c.subsMu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

func (c *Channel) apply(ev model.Event) error {
	switch ev.Kind {
	case model.EventMessageNew:
		var m model.Message
		if err := json.Unmarshal(ev.Payload, &m); err != nil {
			return err
		}
		if m.ConversationID == "" || m.ID == "" {
			return errors.New("message without id or conversation")
		}
		if c.store != nil {
			outcome := c.store.Reconcile(m.ConversationID, m)
			c.log.Debug("live message", "conversation", m.ConversationID, "id", m.ID, "outcome", outcome)
		}
	case model.EventMessageDeleted:
		var d model.MessageDeleted
		if err := json.Unmarshal(ev.Payload, &d); err != nil {
			return err
		}
		if c.store != nil {
			c.store.MarkDeleted(d.ConversationID, d.MessageIDs)
		}
	case model.EventMessageRead:
		var r model.MessageRead
		if err := json.Unmarshal(ev.Payload, &r); err != nil {
			return err
		}
		if c.store != nil {
			c.store.MarkRead(r.ConversationID, r.ReaderID, r.UpToMessageID)
		}
	case model.EventPresenceOnline, model.EventPresenceOffline:
		var p model.Presence
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		if c.presence == nil {
			break
		}
		if ev.Kind == model.EventPresenceOnline {
			c.presence.SetOnline(p.UserID)
		} else {
			c.presence.SetOffline(p.UserID)
		}
	default:
		c.log.Debug("live event of unknown kind", "kind", ev.Kind)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
