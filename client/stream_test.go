package client

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
	"github.com/tinode/fanout/server/store/types"
)

// channelServer imitates the gateway: it answers the join with code and, if the join
// succeeded, pushes one event and drops the connection.
func channelServer(t *testing.T, code int) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var connects atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(wrt http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("token") != "tok" {
			wrt.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(wrt, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		connects.Add(1)

		var join clientFrame
		if err := conn.ReadJSON(&join); err != nil || join.Join == nil {
			return
		}
		conn.WriteJSON(&serverFrame{Ctrl: &ctrlFrame{Id: join.Id, Topic: join.Join.Topic, Code: code}})
		if code >= 300 {
			return
		}

		msg := msgAt("m1", 1, "pushed")
		conn.WriteJSON(&serverFrame{Data: &dataFrame{Topic: join.Join.Topic, Operation: types.OpCreated, Message: &msg}})
		// Close once the client has read everything.
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		conn.ReadMessage()
	}))
	t.Cleanup(srv.Close)
	return srv, &connects
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/channels"
}

func nextNotice(t *testing.T, out <-chan Notice) Notice {
	t.Helper()

	select {
	case n := <-out:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for a notice")
	}
	return Notice{}
}

func TestStreamReconnects(t *testing.T) {
	srv, connects := channelServer(t, http.StatusOK)

	s := NewWSStream(wsURL(srv), "tok")
	s.Backoff = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Notice)
	done := make(chan error, 1)
	go func() {
		done <- s.Listen(ctx, "chat:1", out)
	}()

	for round := 0; round < 2; round++ {
		if n := nextNotice(t, out); n.State != StateConnecting || n.Event != nil {
			t.Fatalf("Round %d: expected connecting, got %+v", round, n)
		}
		if n := nextNotice(t, out); n.State != StateOpen {
			t.Fatalf("Round %d: expected open, got %+v", round, n)
		}
		n := nextNotice(t, out)
		if n.Event == nil || n.Event.Topic != "chat:1" || n.Event.Op != types.OpCreated || n.Event.Message.Id != "m1" {
			t.Fatalf("Round %d: expected an event, got %+v", round, n)
		}
		if n := nextNotice(t, out); n.State != StateClosed {
			t.Fatalf("Round %d: expected closed, got %+v", round, n)
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if n := connects.Load(); n < 2 {
		t.Errorf("Expected a reconnect, got %d connections", n)
	}
}

func TestStreamRejected(t *testing.T) {
	cases := []struct {
		name  string
		token string
		code  int
		want  int
	}{
		{"bad token", "nope", http.StatusOK, http.StatusUnauthorized},
		{"not member", "tok", http.StatusNotFound, http.StatusNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := channelServer(t, tc.code)
			s := NewWSStream(wsURL(srv), tc.token)

			out := make(chan Notice, 8)
			err := s.Listen(context.Background(), "chat:1", out)

			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.Status != tc.want {
				t.Fatalf("Expected status %d, got %v", tc.want, err)
			}
			close(out)
			var states []ConnState
			for n := range out {
				states = append(states, n.State)
			}
			if len(states) != 2 || states[0] != StateConnecting || states[1] != StateClosed {
				t.Errorf("Unexpected states %v", states)
			}
		})
	}
}

// quietServer accepts the join and then sends nothing but pings, if ping is positive.
// It counts the pongs received.
func quietServer(t *testing.T, ping time.Duration) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var pongs atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(wrt http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(wrt, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var join clientFrame
		if err := conn.ReadJSON(&join); err != nil || join.Join == nil {
			return
		}
		conn.WriteJSON(&serverFrame{Ctrl: &ctrlFrame{Id: join.Id, Topic: join.Join.Topic, Code: http.StatusOK}})

		conn.SetPongHandler(func(string) error {
			pongs.Add(1)
			return nil
		})
		done := make(chan struct{})
		defer close(done)
		if ping > 0 {
			go func() {
				ticker := time.NewTicker(ping)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						if conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)) != nil {
							return
						}
					case <-done:
						return
					}
				}
			}()
		}
		// Returns when the client drops the connection.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &pongs
}

func listenQuiet(t *testing.T, srv *httptest.Server) (<-chan Notice, func()) {
	t.Helper()

	s := NewWSStream(wsURL(srv), "tok")
	s.IdleTimeout = 100 * time.Millisecond
	s.Backoff = time.Minute
	s.MaxBackoff = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Notice)
	done := make(chan struct{})
	go func() {
		s.Listen(ctx, "chat:1", out)
		close(done)
	}()
	if n := nextNotice(t, out); n.State != StateConnecting {
		t.Fatalf("Expected connecting, got %+v", n)
	}
	if n := nextNotice(t, out); n.State != StateOpen {
		t.Fatalf("Expected open, got %+v", n)
	}
	return out, func() {
		cancel()
		<-done
	}
}

func TestStreamSilentServer(t *testing.T) {
	srv, _ := quietServer(t, 0)
	out, stop := listenQuiet(t, srv)
	defer stop()

	if n := nextNotice(t, out); n.State != StateClosed || n.Event != nil {
		t.Fatalf("Silent connection must be dropped, got %+v", n)
	}
}

func TestStreamKeptAliveByPings(t *testing.T) {
	srv, pongs := quietServer(t, 20*time.Millisecond)
	out, stop := listenQuiet(t, srv)
	defer stop()

	select {
	case n := <-out:
		t.Fatalf("Pinged connection must stay open, got %+v", n)
	case <-time.After(300 * time.Millisecond):
	}
	if pongs.Load() == 0 {
		t.Error("Pings must be answered")
	}
}
