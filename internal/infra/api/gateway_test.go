//go:build !integration

package api_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"groupchat/internal/domain/model"
	"groupchat/internal/domain/ports/repository"
	"groupchat/internal/infra/api"
	"groupchat/internal/infra/memory"
	"groupchat/internal/infra/worker"
	"groupchat/internal/usecase"
)

type wsItem struct {
	MessageID string `json:"message_id"`
	LocalID   string `json:"local_id"`
	SenderID  string `json:"sender_id"`
	Text      string `json:"text"`
	Status    string `json:"status"`
	Error     string `json:"error"`
	Mine      bool   `json:"mine"`
	Author    struct {
		DisplayName string `json:"display_name"`
		Avatar      struct {
			Kind string `json:"kind"`
		} `json:"avatar"`
	} `json:"author"`
}

type wsFrame struct {
	Type         string   `json:"type"`
	Items        []wsItem `json:"items"`
	HistoryError string   `json:"history_error"`
	Request      string   `json:"request"`
	LocalID      string   `json:"local_id"`
	Error        string   `json:"error"`
}

type failingStore struct {
	repository.MessageStore
	fail atomic.Bool
}

func (s *failingStore) GetRecent(ctx context.Context, groupID string, limit int) ([]model.Message, error) {
	if s.fail.Load() {
		return nil, errors.New("db down")
	}
	return s.MessageStore.GetRecent(ctx, groupID, limit)
}

type gatewayEnv struct {
	srv   *api.Server
	http  *httptest.Server
	auth  *api.AuthManager
	store *failingStore
}

func newGatewayEnv(t *testing.T, limiter api.SendLimiter) *gatewayEnv {
	t.Helper()
	logger := newTestLogger()
	ctx, cancel := context.WithCancel(context.Background())
	pool := worker.NewPool(2, logger)
	pool.Start(ctx)

	broker := memory.NewBroker(logger)
	log := memory.NewMessageLog()
	store := &failingStore{MessageStore: usecase.NewPublishingStore(log, broker, logger)}
	profiles := memory.NewProfileDirectory(
		model.Profile{UserID: "u1", DisplayName: "Alice", AvatarKey: "avatar:3"},
		model.Profile{UserID: "u2", DisplayName: "bob"},
	)
	cache := usecase.NewProfileCache(profiles, pool, usecase.ProfileCacheOptions{}, logger)
	uc := usecase.NewChatUseCase(store, broker, cache, model.NewAvatarResolver(10), pool,
		usecase.SessionConfig{}, logger)

	auth := newAuth()
	srv := api.NewServer(api.Deps{Chat: uc, Auth: auth, Limiter: limiter, Logger: logger, RequestTimeout: time.Second})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown()
		hs.Close()
		pool.Stop()
		cancel()
	})
	return &gatewayEnv{srv: srv, http: hs, auth: auth, store: store}
}

func (e *gatewayEnv) dial(t *testing.T, userID, groupID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/api/v1/groups/" + groupID + "/ws"
	hdr := http.Header{}
	hdr.Set("Authorization", bearer(t, e.auth, userID))
	conn, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	if err != nil {
		t.Fatalf("dial: %v (resp %v)", err, resp)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(wsFrame) bool) wsFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var f wsFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(f) {
			return f
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func hasSent(text string) func(wsFrame) bool {
	return func(f wsFrame) bool {
		if f.Type != "snapshot" {
			return false
		}
		for _, it := range f.Items {
			if it.Text == text && it.Status == "sent" {
				return true
			}
		}
		return false
	}
}

func TestGateway_SendReachesEveryMember(t *testing.T) {
	env := newGatewayEnv(t, nil)
	alice := env.dial(t, "u1", "g1")
	bob := env.dial(t, "u2", "g1")

	first := readUntil(t, alice, func(f wsFrame) bool { return f.Type == "snapshot" })
	if len(first.Items) != 0 || first.HistoryError != "" {
		t.Fatalf("first snapshot %+v", first)
	}

	send(t, alice, map[string]string{"type": "send", "text": "hello"})

	mine := readUntil(t, alice, hasSent("hello"))
	var confirmed, echoes int
	for _, it := range mine.Items {
		if it.Text != "hello" {
			continue
		}
		if it.Status == "sent" {
			confirmed++
			if !it.Mine || it.MessageID == "" {
				t.Errorf("own message %+v", it)
			}
		} else {
			echoes++
		}
	}
	if confirmed != 1 || echoes != 0 {
		t.Fatalf("confirmed=%d echoes=%d in %+v", confirmed, echoes, mine.Items)
	}

	theirs := readUntil(t, bob, hasSent("hello"))
	for _, it := range theirs.Items {
		if it.Text == "hello" && it.Mine {
			t.Fatalf("bob sees alice's message as his own: %+v", it)
		}
	}

	// Alice's profile arrives asynchronously; once resolved the avatar is bundled.
	aliceResolved := func(f wsFrame) bool {
		for _, it := range f.Items {
			if it.SenderID == "u1" && it.Author.DisplayName == "Alice" {
				return it.Author.Avatar.Kind == "bundled_vector"
			}
		}
		return false
	}
	if !aliceResolved(theirs) {
		readUntil(t, bob, aliceResolved)
	}
}

func TestGateway_RejectedFrames(t *testing.T) {
	t.Run("blank text, unknown type and bad retry", func(t *testing.T) {
		env := newGatewayEnv(t, nil)
		conn := env.dial(t, "u1", "g1")

		send(t, conn, map[string]string{"type": "send", "text": "   "})
		f := readUntil(t, conn, func(f wsFrame) bool { return f.Type == "error" })
		if f.Request != "send" || f.Error == "" {
			t.Fatalf("got %+v", f)
		}

		send(t, conn, map[string]string{"type": "typing"})
		f = readUntil(t, conn, func(f wsFrame) bool { return f.Type == "error" })
		if f.Request != "typing" {
			t.Fatalf("got %+v", f)
		}

		send(t, conn, map[string]string{"type": "retry", "local_id": "L404"})
		f = readUntil(t, conn, func(f wsFrame) bool { return f.Type == "error" })
		if f.Request != "retry" || f.LocalID != "L404" {
			t.Fatalf("got %+v", f)
		}

		if err := conn.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
			t.Fatal(err)
		}
		readUntil(t, conn, func(f wsFrame) bool { return f.Type == "error" })
	})

	t.Run("rate limited send never appends", func(t *testing.T) {
		lim := &MockLimiter{AllowSendFunc: func(context.Context, string) (bool, error) { return false, nil }}
		env := newGatewayEnv(t, lim)
		conn := env.dial(t, "u1", "g1")

		send(t, conn, map[string]string{"type": "send", "text": "spam"})
		f := readUntil(t, conn, func(f wsFrame) bool { return f.Type == "error" })
		if f.Request != "send" || !strings.Contains(f.Error, "rate limit") {
			t.Fatalf("got %+v", f)
		}
		msgs, err := env.store.GetRecent(context.Background(), "g1", 10)
		if err != nil || len(msgs) != 0 {
			t.Fatalf("store has %v %v", msgs, err)
		}
	})
}

func TestGateway_HistoryErrorAndReload(t *testing.T) {
	env := newGatewayEnv(t, nil)
	env.store.fail.Store(true)
	conn := env.dial(t, "u1", "g1")

	f := readUntil(t, conn, func(f wsFrame) bool { return f.Type == "snapshot" })
	if f.HistoryError == "" {
		t.Fatalf("history error not reported: %+v", f)
	}

	env.store.fail.Store(false)
	if _, err := env.store.Append(context.Background(), "g1", "u2", "while away"); err != nil {
		t.Fatal(err)
	}
	send(t, conn, map[string]string{"type": "reload"})
	f = readUntil(t, conn, func(f wsFrame) bool { return f.Type == "snapshot" && f.HistoryError == "" })
	if !hasSent("while away")(f) {
		t.Fatalf("reload did not bring history: %+v", f)
	}
}

func TestGateway_ShutdownClosesConnections(t *testing.T) {
	env := newGatewayEnv(t, nil)
	conn := env.dial(t, "u1", "g1")
	readUntil(t, conn, func(f wsFrame) bool { return f.Type == "snapshot" })

	env.srv.Shutdown()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.CloseGoingAway {
				t.Fatalf("close code %d", ce.Code)
			}
			return
		}
	}
}
