//go:build !integration

package api_test

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"groupchat/internal/domain/model"
	"groupchat/internal/infra/api"
	"groupchat/internal/usecase"
)

func newTestLogger() *zerolog.Logger {
	l := zerolog.New(io.Discard)
	return &l
}

const testSecret = "test-secret"

func newAuth() *api.AuthManager { return api.NewAuthManager(testSecret, time.Hour) }

func bearer(t *testing.T, auth *api.AuthManager, userID string) string {
	t.Helper()
	tok, err := auth.Mint(userID)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return "Bearer " + tok
}

func authed(t *testing.T, auth *api.AuthManager, userID, method, target, body string) *http.Request {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, target, r)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", bearer(t, auth, userID))
	return req
}

// MockChatUseCase implements usecase.ChatUseCase with overridable funcs.
type MockChatUseCase struct {
	OpenFunc    func(ctx context.Context, groupID, userID string) (*usecase.ChatSession, error)
	RecentFunc  func(ctx context.Context, groupID string, limit int) ([]model.Message, error)
	PostFunc    func(ctx context.Context, groupID, userID, text string) (model.Message, error)
	ProfileFunc func(ctx context.Context, userID string) (model.Profile, model.AvatarDirective)

	PostCalls int
}

var _ usecase.ChatUseCase = (*MockChatUseCase)(nil)

func (m *MockChatUseCase) Open(ctx context.Context, groupID, userID string) (*usecase.ChatSession, error) {
	return m.OpenFunc(ctx, groupID, userID)
}

func (m *MockChatUseCase) Recent(ctx context.Context, groupID string, limit int) ([]model.Message, error) {
	return m.RecentFunc(ctx, groupID, limit)
}

func (m *MockChatUseCase) Post(ctx context.Context, groupID, userID, text string) (model.Message, error) {
	m.PostCalls++
	return m.PostFunc(ctx, groupID, userID, text)
}

func (m *MockChatUseCase) Profile(ctx context.Context, userID string) (model.Profile, model.AvatarDirective) {
	return m.ProfileFunc(ctx, userID)
}

type MockLimiter struct {
	AllowSendFunc func(ctx context.Context, userID string) (bool, error)
	Users         []string
}

func (m *MockLimiter) AllowSend(ctx context.Context, userID string) (bool, error) {
	m.Users = append(m.Users, userID)
	return m.AllowSendFunc(ctx, userID)
}
