package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"groupchat/internal/domain"
	"groupchat/internal/infra/logging"
	"groupchat/internal/infra/metrics"
	"groupchat/internal/usecase"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 8 << 10
	outBuffer    = 16
)

// Gateway serves one ChatSession per websocket connection. The session
// lives exactly as long as the connection.
type Gateway struct {
	srv      *Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

func newGateway(s *Server) *Gateway {
	return &Gateway{
		srv: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Tokens travel in the header or query string, never in cookies.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*wsConn]struct{}),
	}
}

type wsConn struct {
	conn   *websocket.Conn
	sess   *usecase.ChatSession
	srv    *Server
	userID string
	out    chan errorMsg
	log    *zerolog.Logger
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserFrom(ctx)
	groupID := chi.URLParam(r, "groupID")

	// Open before upgrading so setup errors are plain HTTP responses. A
	// history failure still yields a session; the snapshot reports it.
	sess, err := g.srv.chat.Open(ctx, groupID, userID)
	if sess == nil {
		g.srv.fail(w, r, err)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = sess.Close()
		l := logging.With(ctx, g.srv.log)
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx = logging.WithSessID(logging.WithGroupID(ctx, groupID), sess.ID())
	c := &wsConn{
		conn:   conn,
		sess:   sess,
		srv:    g.srv,
		userID: userID,
		out:    make(chan errorMsg, outBuffer),
		log:    logging.With(ctx, g.srv.log),
	}

	g.track(c)
	defer g.untrack(c)
	metrics.WSConnected()
	defer metrics.WSDisconnected()

	c.log.Debug().Msg("websocket connected")
	if err := c.serve(); err != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		c.log.Warn().Err(err).Msg("websocket closed unexpectedly")
		return
	}
	c.log.Debug().Msg("websocket disconnected")
}

func (g *Gateway) track(c *wsConn) {
	g.mu.Lock()
	g.conns[c] = struct{}{}
	g.mu.Unlock()
}

func (g *Gateway) untrack(c *wsConn) {
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
}

// closeAll ends every session; their connections close from the write pump.
func (g *Gateway) closeAll() {
	g.mu.Lock()
	conns := make([]*wsConn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		_ = c.sess.Close()
	}
}

func (c *wsConn) serve() error {
	defer c.sess.Close()

	eg, ctx := errgroup.WithContext(context.Background())
	eg.Go(func() error {
		defer c.conn.Close()
		return c.writePump(ctx)
	})
	eg.Go(func() error { return c.readPump(ctx) })
	return eg.Wait()
}

// readPump always returns a non-nil error so the write pump stops with it.
func (c *wsConn) readPump(ctx context.Context) error {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			metrics.IncWSFrame("in", "invalid")
			c.reject("", "", domain.ErrInvalidArgument)
			continue
		}
		c.handle(ctx, f)
	}
}

func (c *wsConn) handle(ctx context.Context, f clientFrame) {
	switch f.Type {
	case frameSend:
		metrics.IncWSFrame("in", f.Type)
		if err := c.srv.allowSend(ctx, c.userID); err != nil {
			c.reject(f.Type, "", err)
			return
		}
		if _, err := c.sess.Send(f.Text); err != nil {
			c.log.Debug().Err(err).Str("text", logging.Redact(f.Text, c.srv.dev)).Msg("send rejected")
			c.reject(f.Type, "", err)
		}
	case frameRetry:
		metrics.IncWSFrame("in", f.Type)
		if err := c.srv.allowSend(ctx, c.userID); err != nil {
			c.reject(f.Type, f.LocalID, err)
			return
		}
		if err := c.sess.Retry(f.LocalID); err != nil {
			c.reject(f.Type, f.LocalID, err)
		}
	case frameDiscard:
		metrics.IncWSFrame("in", f.Type)
		if err := c.sess.Discard(f.LocalID); err != nil {
			c.reject(f.Type, f.LocalID, err)
		}
	case frameReload:
		metrics.IncWSFrame("in", f.Type)
		rctx, cancel := context.WithTimeout(ctx, c.srv.timeout)
		defer cancel()
		// The outcome reaches the client as the snapshot's history_error.
		_ = c.sess.ReloadHistory(rctx)
	default:
		metrics.IncWSFrame("in", "unknown")
		c.reject(f.Type, "", domain.ErrInvalidArgument)
	}
}

func (c *wsConn) reject(request, localID string, err error) {
	msg := errorMsg{Type: frameError, Request: request, LocalID: localID, Error: err.Error()}
	select {
	case c.out <- msg:
	default:
		c.log.Warn().Str("request", request).Msg("websocket error frame dropped, client not reading")
	}
}

func (c *wsConn) writePump(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	if err := c.writeSnapshot(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			c.writeClose(websocket.CloseNormalClosure, "")
			return nil
		case <-c.sess.Done():
			c.writeClose(websocket.CloseGoingAway, "session closed")
			return nil
		case <-c.sess.Updates():
			if err := c.writeSnapshot(); err != nil {
				return err
			}
		case msg := <-c.out:
			if err := c.writeJSON(msg.Type, msg); err != nil {
				return err
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func (c *wsConn) writeSnapshot() error {
	return c.writeJSON(frameSnapshot, snapshotFrame(c.sess.Rendered(), c.sess.HistoryErr()))
}

func (c *wsConn) writeJSON(frameType string, v any) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(v); err != nil {
		return err
	}
	metrics.IncWSFrame("out", frameType)
	return nil
}

func (c *wsConn) writeClose(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.log.Debug().Err(err).Msg("websocket close frame not sent")
	}
}
