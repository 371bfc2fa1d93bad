package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/logger"
	"chatsync/internal/model"
	"chatsync/internal/store"
	"github.com/gin-gonic/gin"
)

var tokenCfg = auth.TokenConfig{Secret: "secret", Expiry: time.Hour, RefreshExpiry: 2 * time.Hour, Issuer: "test"}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(Deps{Store: store.New(), TokenConfig: tokenCfg, Logger: logger.Discard()})
}

func doJSON(t *testing.T, r http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type loginResult struct {
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	User         model.Principal `json:"user"`
}

func login(t *testing.T, r http.Handler, userID string, role model.Role) loginResult {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/auth/login", "", map[string]string{"userId": userID, "role": string(role)})
	if w.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res loginResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return res
}

func TestAuthLoginAndRefresh(t *testing.T) {
	r := newTestRouter(t)

	res := login(t, r, "s1", model.RoleStudent)
	if res.AccessToken == "" || res.RefreshToken == "" || res.User.ID != "s1" {
		t.Fatalf("unexpected login response %+v", res)
	}
	if !res.ExpiresAt.After(time.Now()) {
		t.Fatalf("expected future expiry")
	}

	w := doJSON(t, r, http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": res.RefreshToken})
	if w.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d", w.Code)
	}

	// An access token is not a refresh token.
	w = doJSON(t, r, http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": res.AccessToken})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for access token on refresh, got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/auth/login", "", map[string]string{"userId": "x", "role": "janitor"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown role, got %d", w.Code)
	}
}

func TestConversationFlow(t *testing.T) {
	r := newTestRouter(t)
	student := login(t, r, "s1", model.RoleStudent)
	tutor := login(t, r, "t1", model.RoleTutor)

	w := doJSON(t, r, http.MethodPost, "/conversations", student.AccessToken, map[string]string{"counterpartId": "t1", "role": "student"})
	if w.Code != http.StatusOK {
		t.Fatalf("create: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Conversation model.Conversation `json:"conversation"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &created)
	convID := created.Conversation.ID
	if convID == "" || created.Conversation.CounterpartID != "t1" {
		t.Fatalf("unexpected conversation %+v", created.Conversation)
	}

	w = doJSON(t, r, http.MethodPost, "/conversations/"+convID+"/messages", student.AccessToken,
		map[string]string{"text": "hello", "role": "student", "clientId": "c-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("send: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var sent struct {
		Message model.Message `json:"message"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &sent)
	if sent.Message.CorrelationID != "c-1" || sent.Message.ReceiverID != "t1" {
		t.Fatalf("unexpected sent message %+v", sent.Message)
	}

	w = doJSON(t, r, http.MethodGet, "/conversations?role=tutor", tutor.AccessToken, nil)
	var list struct {
		Conversations []model.Conversation `json:"conversations"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Conversations) != 1 || list.Conversations[0].UnreadCount != 1 {
		t.Fatalf("unexpected tutor list %+v", list.Conversations)
	}

	w = doJSON(t, r, http.MethodPost, "/conversations/"+convID+"/read", tutor.AccessToken, map[string]string{"role": "tutor"})
	if w.Code != http.StatusOK {
		t.Fatalf("read: expected 200, got %d", w.Code)
	}

	// Only the sender may delete.
	w = doJSON(t, r, http.MethodPost, "/conversations/"+convID+"/messages/delete", tutor.AccessToken,
		map[string]any{"messageIds": []string{sent.Message.ID}, "role": "tutor"})
	var del struct {
		Success bool     `json:"success"`
		Deleted []string `json:"deleted"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &del)
	if !del.Success || len(del.Deleted) != 0 {
		t.Fatalf("expected nothing deleted by tutor, got %+v", del)
	}
	w = doJSON(t, r, http.MethodPost, "/conversations/"+convID+"/messages/delete", student.AccessToken,
		map[string]any{"messageIds": []string{sent.Message.ID}, "role": "student"})
	_ = json.Unmarshal(w.Body.Bytes(), &del)
	if len(del.Deleted) != 1 {
		t.Fatalf("expected sender delete to succeed, got %+v", del)
	}

	w = doJSON(t, r, http.MethodGet, "/conversations/"+convID+"/messages?role=student", student.AccessToken, nil)
	var hist struct {
		Messages []model.Message `json:"messages"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &hist)
	if len(hist.Messages) != 1 || !hist.Messages[0].IsDeleted || !hist.Messages[0].IsRead {
		t.Fatalf("unexpected history %+v", hist.Messages)
	}
}

func TestAuthorizationFailures(t *testing.T) {
	r := newTestRouter(t)
	student := login(t, r, "s1", model.RoleStudent)
	other := login(t, r, "s2", model.RoleStudent)

	if w := doJSON(t, r, http.MethodGet, "/conversations", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodGet, "/conversations?role=tutor", student.AccessToken, nil); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for role mismatch, got %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodPost, "/conversations", student.AccessToken, map[string]string{"counterpartId": "t1", "role": "tutor"}); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for body role mismatch, got %d", w.Code)
	}

	w := doJSON(t, r, http.MethodPost, "/conversations", student.AccessToken, map[string]string{"counterpartId": "t1"})
	var created struct {
		Conversation model.Conversation `json:"conversation"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &created)
	if w := doJSON(t, r, http.MethodGet, "/conversations/"+created.Conversation.ID+"/messages", other.AccessToken, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for outsider, got %d", w.Code)
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}
