package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"chatsync/internal/conversation"
	"chatsync/internal/logger"
	"chatsync/internal/model"
	"chatsync/internal/session"
	"chatsync/internal/transport"
)

var (
	ErrEmptyMessage = errors.New("message has no text or attachment")
	// ErrUnknownConversation is returned for an empty conversation id and
	// wrapped around a 404 from the server.
	ErrUnknownConversation = errors.New("unknown conversation")
	// ErrTransientFailure marks a write that may succeed if retried: no
	// response at all, or a server-side error.
	ErrTransientFailure = errors.New("transient failure")
	ErrNotRetryable     = errors.New("no failed message with that correlation id")
)

type Doer interface {
	DoJSON(ctx context.Context, req transport.Request, out any) error
}

type Principals interface {
	Principal() (model.Principal, bool)
}

type Options struct {
	Transport Doer
	Store     *conversation.Store
	Session   Principals
	// WriteTimeout bounds a write once it has started. Writes are detached
	// from the caller's context so a pending message is always settled.
	WriteTimeout time.Duration
	// RefetchAfterWrite reloads a conversation's history after each write,
	// for deployments without the live channel.
	RefetchAfterWrite bool
	Logger            *slog.Logger
}

type Service struct {
	transport    Doer
	store        *conversation.Store
	session      Principals
	writeTimeout time.Duration
	refetch      bool
	log          *slog.Logger

	mu   sync.Mutex
	open map[string]struct{}
}

func New(opts Options) *Service {
	s := &Service{
		transport:    opts.Transport,
		store:        opts.Store,
		session:      opts.Session,
		writeTimeout: opts.WriteTimeout,
		refetch:      opts.RefetchAfterWrite,
		log:          logger.OrDefault(opts.Logger),
		open:         make(map[string]struct{}),
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = 15 * time.Second
	}
	return s
}

type sendBody struct {
	Text     string     `json:"text"`
	Role     model.Role `json:"role"`
	ImageURL string     `json:"imageUrl,omitempty"`
	ClientID string     `json:"clientId"`
}

type roleBody struct {
	Role model.Role `json:"role"`
}

type deleteBody struct {
	MessageIDs []string   `json:"messageIds"`
	Role       model.Role `json:"role"`
}

type successResponse struct {
	Success bool `json:"success"`
}

func conversationPath(id string, rest ...string) string {
	return "/conversations/" + url.PathEscape(id) + strings.Join(rest, "")
}

func (s *Service) principal() (model.Principal, error) {
	p, ok := s.session.Principal()
	if !ok {
		return model.Principal{}, session.ErrSessionExpired
	}
	return p, nil
}

func roleQuery(p model.Principal) url.Values {
	return url.Values{"role": []string{string(p.Role)}}
}

// Send shows the message immediately as pending and then posts it. On
// success the pending entry is replaced by the server's copy in place; on
// failure it stays, marked failed, for Retry.
func (s *Service) Send(ctx context.Context, conversationID, body, attachmentURL string) (model.Message, error) {
	if conversationID == "" {
		return model.Message{}, ErrUnknownConversation
	}
	if strings.TrimSpace(body) == "" && attachmentURL == "" {
		return model.Message{}, ErrEmptyMessage
	}
	p, err := s.principal()
	if err != nil {
		return model.Message{}, err
	}

	correlationID, _ := s.store.AppendOptimistic(conversationID, conversation.Draft{Body: body, AttachmentURL: attachmentURL})
	return s.deliver(ctx, p, conversationID, correlationID, body, attachmentURL)
}

// Retry resends a message left failed by Send under the same correlation
// id, so a late echo of the first attempt still reconciles.
func (s *Service) Retry(ctx context.Context, conversationID, correlationID string) (model.Message, error) {
	p, err := s.principal()
	if err != nil {
		return model.Message{}, err
	}

	var failed *model.Message
	for _, m := range s.store.Messages(conversationID) {
		if m.CorrelationID == correlationID && m.State == model.Failed {
			m := m
			failed = &m
			break
		}
	}
	if failed == nil {
		return model.Message{}, ErrNotRetryable
	}
	s.store.SetState(conversationID, correlationID, model.Pending)
	return s.deliver(ctx, p, conversationID, correlationID, failed.Body, failed.AttachmentURL)
}

func (s *Service) deliver(ctx context.Context, p model.Principal, conversationID, correlationID, body, attachmentURL string) (model.Message, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()

	var res struct {
		Message model.Message `json:"message"`
	}
	err := s.transport.DoJSON(wctx, transport.Request{
		Method: http.MethodPost,
		Path:   conversationPath(conversationID, "/messages"),
		Body:   sendBody{Text: body, Role: p.Role, ImageURL: attachmentURL, ClientID: correlationID},
	}, &res)
	if err != nil {
		s.store.SetState(conversationID, correlationID, model.Failed)
		s.log.Warn("send failed", "conversation", conversationID, "correlation", correlationID, "err", err)
		return model.Message{}, classify(err)
	}

	msg := res.Message
	if msg.CorrelationID == "" {
		msg.CorrelationID = correlationID
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	s.store.Reconcile(conversationID, msg)
	s.refetchAfterWrite(ctx, conversationID)
	return msg, nil
}

// classify tags failures a retry might fix.
func classify(err error) error {
	if errors.Is(err, session.ErrSessionExpired) {
		return err
	}
	var ne *transport.NetworkError
	var se *transport.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", ErrUnknownConversation, err)
	}
	if errors.As(err, &ne) || (errors.As(err, &se) && se.Temporary()) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTransientFailure, err)
	}
	return err
}

// FetchHistory loads the full history and makes it authoritative, keeping
// messages still in flight.
func (s *Service) FetchHistory(ctx context.Context, conversationID string) ([]model.Message, error) {
	if conversationID == "" {
		return nil, ErrUnknownConversation
	}
	p, err := s.principal()
	if err != nil {
		return nil, err
	}
	since := s.store.Since()
	var res struct {
		Messages []model.Message `json:"messages"`
	}
	err = s.transport.DoJSON(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   conversationPath(conversationID, "/messages"),
		Query:  roleQuery(p),
	}, &res)
	if err != nil {
		return nil, classify(err)
	}
	s.store.ReplaceSince(conversationID, res.Messages, since)
	return s.store.Messages(conversationID), nil
}

// DeleteMany removes messages for both parties. Local state changes only
// once the server has acknowledged.
func (s *Service) DeleteMany(ctx context.Context, conversationID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	p, err := s.principal()
	if err != nil {
		return err
	}
	var res struct {
		successResponse
		Deleted []string `json:"deleted"`
	}
	err = s.transport.DoJSON(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   conversationPath(conversationID, "/messages/delete"),
		Body:   deleteBody{MessageIDs: messageIDs, Role: p.Role},
	}, &res)
	if err != nil {
		return classify(err)
	}
	if !res.Success {
		return errors.New("delete not acknowledged")
	}
	ids := res.Deleted
	if ids == nil {
		ids = messageIDs
	}
	s.store.MarkDeleted(conversationID, ids)
	s.refetchAfterWrite(ctx, conversationID)
	return nil
}

// MarkRead tells the server the principal has seen the conversation and
// clears the local unread count.
func (s *Service) MarkRead(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrUnknownConversation
	}
	p, err := s.principal()
	if err != nil {
		return err
	}
	var res successResponse
	err = s.transport.DoJSON(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   conversationPath(conversationID, "/read"),
		Body:   roleBody{Role: p.Role},
	}, &res)
	if err != nil {
		return classify(err)
	}
	if !res.Success {
		return errors.New("read not acknowledged")
	}
	s.store.ResetUnread(conversationID)
	return nil
}

func (s *Service) FetchConversations(ctx context.Context) ([]model.Conversation, error) {
	p, err := s.principal()
	if err != nil {
		return nil, err
	}
	var res struct {
		Conversations []model.Conversation `json:"conversations"`
	}
	err = s.transport.DoJSON(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   "/conversations",
		Query:  roleQuery(p),
	}, &res)
	if err != nil {
		return nil, classify(err)
	}
	for _, c := range res.Conversations {
		s.store.UpsertConversation(c)
	}
	return s.store.Conversations(), nil
}

// StartConversation returns the thread with counterpartID, creating it on
// the server if needed.
func (s *Service) StartConversation(ctx context.Context, counterpartID string) (model.Conversation, error) {
	p, err := s.principal()
	if err != nil {
		return model.Conversation{}, err
	}
	var res struct {
		Conversation model.Conversation `json:"conversation"`
	}
	err = s.transport.DoJSON(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/conversations",
		Body: struct {
			CounterpartID string     `json:"counterpartId"`
			Role          model.Role `json:"role"`
		}{counterpartID, p.Role},
	}, &res)
	if err != nil {
		return model.Conversation{}, classify(err)
	}
	s.store.UpsertConversation(res.Conversation)
	return res.Conversation, nil
}

// Open marks a conversation as being viewed and loads its history. Open
// conversations are the ones refetched after a reconnect.
func (s *Service) Open(ctx context.Context, conversationID string) ([]model.Message, error) {
	s.mu.Lock()
	s.open[conversationID] = struct{}{}
	s.mu.Unlock()
	return s.FetchHistory(ctx, conversationID)
}

func (s *Service) Close(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, conversationID)
}

func (s *Service) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = make(map[string]struct{})
}

func (s *Service) OpenConversations() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.open))
	for id := range s.open {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Resync refreshes the conversation list and every open conversation. It
// keeps going past individual failures and reports them together.
func (s *Service) Resync(ctx context.Context) error {
	var errs []error
	if _, err := s.FetchConversations(ctx); err != nil {
		errs = append(errs, fmt.Errorf("conversations: %w", err))
	}
	for _, id := range s.OpenConversations() {
		if _, err := s.FetchHistory(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("conversation %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) refetchAfterWrite(ctx context.Context, conversationID string) {
	if !s.refetch {
		return
	}
	if _, err := s.FetchHistory(ctx, conversationID); err != nil {
		s.log.Warn("refetch after write failed", "conversation", conversationID, "err", err)
	}
}
