package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tinode/fanout/server/logs"
	"github.com/tinode/fanout/server/store/types"
)

const (
	defaultBackoff    = 200 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second
	// How long to wait for the response to join.
	joinTimeout = 5 * time.Second
	// ID of the join request.
	joinId = "join"
	// The server pings idle connections more often than its idle timeout of 55 seconds.
	defaultIdleTimeout = 60 * time.Second
	// Time allowed to write a pong.
	pongWait = 10 * time.Second
)

// Frames of the realtime channel.

type topicFrame struct {
	Topic string `json:"topic"`
}

type clientFrame struct {
	Id   string      `json:"id,omitempty"`
	Join *topicFrame `json:"join,omitempty"`
}

type ctrlFrame struct {
	Id    string `json:"id,omitempty"`
	Topic string `json:"topic,omitempty"`
	Code  int    `json:"code"`
	Text  string `json:"text,omitempty"`
}

type dataFrame struct {
	Topic     string          `json:"topic"`
	Operation types.Operation `json:"operation"`
	Message   *types.Message  `json:"message"`
}

type serverFrame struct {
	Ctrl *ctrlFrame `json:"ctrl,omitempty"`
	Data *dataFrame `json:"data,omitempty"`
}

// WSStream is a Stream over the websocket channel. Lost connections are re-established
// with exponential backoff and the topic is joined again.
type WSStream struct {
	// URL of the channel endpoint, like ws://localhost:6060/v0/channels
	URL string
	// Token of the viewer.
	Token  string
	Dialer *websocket.Dialer

	// Delay before the first reconnection attempt. It doubles up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// The connection is considered lost if nothing, not even a ping, is received
	// for this long.
	IdleTimeout time.Duration
}

// NewWSStream creates a stream with default dialer and backoff.
func NewWSStream(channelURL, token string) *WSStream {
	return &WSStream{
		URL:         channelURL,
		Token:       token,
		Dialer:      websocket.DefaultDialer,
		Backoff:     defaultBackoff,
		MaxBackoff:  defaultMaxBackoff,
		IdleTimeout: defaultIdleTimeout,
	}
}

// permanent reports whether the server refused the request and retrying is pointless.
func permanent(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500
}

func notify(ctx context.Context, out chan<- Notice, n Notice) bool {
	select {
	case out <- n:
		return true
	case <-ctx.Done():
		return false
	}
}

// Listen implements Stream.
func (s *WSStream) Listen(ctx context.Context, topic string, out chan<- Notice) error {
	backoff := s.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := s.MaxBackoff
	if maxBackoff < backoff {
		maxBackoff = max(backoff, defaultMaxBackoff)
	}

	delay := backoff
	for {
		if !notify(ctx, out, Notice{State: StateConnecting}) {
			return ctx.Err()
		}

		opened, err := s.session(ctx, topic, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		notify(ctx, out, Notice{State: StateClosed})
		if permanent(err) {
			return err
		}
		logs.Warn.Println("client: channel lost", topic, err)

		if opened {
			delay = backoff
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		delay = min(delay*2, maxBackoff)
	}
}

// session runs one connection. Reports whether the topic was joined.
func (s *WSStream) session(ctx context.Context, topic string, out chan<- Notice) (bool, error) {
	target, err := url.Parse(s.URL)
	if err != nil {
		return false, err
	}
	if s.Token != "" {
		q := target.Query()
		q.Set("token", s.Token)
		target.RawQuery = q.Encode()
	}

	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return false, &APIError{Status: resp.StatusCode, Text: http.StatusText(resp.StatusCode)}
		}
		return false, err
	}
	defer conn.Close()

	// Unblock reads when the context is cancelled.
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	if err := conn.WriteJSON(&clientFrame{Id: joinId, Join: &topicFrame{Topic: topic}}); err != nil {
		return false, err
	}

	conn.SetReadDeadline(time.Now().Add(joinTimeout))
	for {
		var frame serverFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return false, err
		}
		if frame.Ctrl == nil || frame.Ctrl.Id != joinId {
			continue
		}
		if frame.Ctrl.Code >= 400 {
			return false, &APIError{Status: frame.Ctrl.Code, Text: frame.Ctrl.Text}
		}
		break
	}
	idle := s.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(idle))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(pongWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	if !notify(ctx, out, Notice{State: StateOpen}) {
		return true, ctx.Err()
	}

	for {
		var frame serverFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return true, err
		}
		conn.SetReadDeadline(time.Now().Add(idle))
		if frame.Data == nil || frame.Data.Message == nil {
			continue
		}
		ev := &types.Event{Topic: frame.Data.Topic, Op: frame.Data.Operation, Message: frame.Data.Message}
		if !notify(ctx, out, Notice{Event: ev}) {
			return true, ctx.Err()
		}
	}
}
