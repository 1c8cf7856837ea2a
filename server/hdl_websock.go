/******************************************************************************
 *
 *  Description :
 *
 *    Handler of websocket connections.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tinode/fanout/server/logs"
	"github.com/tinode/fanout/server/store/types"
)

const (
	// Terminate session after this timeout unless configured otherwise.
	idleSessionTimeout = time.Second * 55

	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time to wait for space in the send queue for a {ctrl} response.
	sendQueueWait = time.Second
)

func (sess *Session) readLoop() {
	defer func() {
		sess.ws.Close()
		sess.close(nil)
	}()

	pongWait := sess.idleTimeout

	sess.ws.SetReadLimit(globals.maxMessageSize)
	sess.ws.SetReadDeadline(time.Now().Add(pongWait))
	sess.ws.SetPongHandler(func(string) error {
		sess.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// Read a ClientComMessage
		_, raw, err := sess.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				logs.Err.Println("ws: readLoop", sess.sid, err)
			}
			return
		}
		statsIncomingFrames.Inc()
		sess.dispatchRaw(raw)
	}
}

func (sess *Session) sendMessage(msg []byte) bool {
	if err := wsWrite(sess.ws, websocket.TextMessage, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			logs.Err.Println("ws: writeLoop", sess.sid, err)
		}
		return false
	}
	return true
}

func (sess *Session) writeLoop() {
	// Send pings to peer with this period. Must be less than the idle timeout.
	ticker := time.NewTicker((sess.idleTimeout * 9) / 10)

	defer func() {
		ticker.Stop()
		// Break readLoop.
		sess.ws.Close()
		sess.close(nil)
	}()

	for {
		select {
		case msg := <-sess.send:
			if !sess.sendMessage(msg) {
				return
			}

		case <-sess.done:
			// Shutdown requested, don't care if the message is delivered
			select {
			case msg := <-sess.stop:
				wsWrite(sess.ws, websocket.TextMessage, msg)
			default:
			}
			wsWrite(sess.ws, websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			if err := wsWrite(sess.ws, websocket.PingMessage, nil); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
					websocket.CloseNormalClosure) {
					logs.Err.Println("ws: writeLoop ping", sess.sid, err)
				}
				return
			}
		}
	}
}

// Writes a message with the given message type (mt) and payload.
func wsWrite(ws *websocket.Conn, mt int, msg []byte) error {
	if msg == nil {
		msg = []byte{}
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(mt, msg)
}

// Handles websocket requests from peers.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow connections from any Origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

func serveWebSocket(wrt http.ResponseWriter, req *http.Request) {
	now := types.TimeNow()

	if req.Method != http.MethodGet {
		wrt.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(wrt).Encode(ErrOperationNotAllowed("", "", now))
		logs.Err.Println("ws: Invalid HTTP method", req.Method)
		return
	}

	uid, err := globals.auth.Resolve(req)
	if err != nil {
		wrt.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(wrt).Encode(ErrAuthRequired("", "", now))
		logs.Warn.Println("ws: authentication failed", err)
		return
	}

	ws, err := upgrader.Upgrade(wrt, req, nil)
	if _, ok := err.(websocket.HandshakeError); ok {
		logs.Err.Println("ws: Not a websocket handshake")
		return
	} else if err != nil {
		logs.Err.Println("ws: failed to Upgrade ", err)
		return
	}

	sess, count := globals.sessionStore.NewSession(ws, uid, "")
	if globals.useXForwardedFor {
		sess.remoteAddr = req.Header.Get("X-Forwarded-For")
	}
	if sess.remoteAddr == "" {
		sess.remoteAddr = req.RemoteAddr
	}

	logs.Info.Println("ws: session started", sess.sid, sess.remoteAddr, uid, count)

	sess.open()

	// Do work in goroutines to return from serveWebSocket() to release file pointers.
	// Otherwise "too many open files" will happen.
	go sess.writeLoop()
	go sess.readLoop()
}
