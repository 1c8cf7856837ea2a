package main

/******************************************************************************
 *
 *  Description :
 *
 *    Wire protocol structures
 *
 *****************************************************************************/

import (
	"net/http"
	"time"

	"github.com/tinode/fanout/server/store/types"
)

// MsgClientJoin is a request to receive push events of a topic {join}.
type MsgClientJoin struct {
	Topic string `json:"topic"`
}

// MsgClientLeave is a request to stop receiving push events of a topic {leave}.
type MsgClientLeave struct {
	Topic string `json:"topic"`
}

// ClientComMessage is a wrapper for client messages.
type ClientComMessage struct {
	Id    string          `json:"id,omitempty"`
	Join  *MsgClientJoin  `json:"join"`
	Leave *MsgClientLeave `json:"leave"`

	// Timestamp when this message was received by the server.
	Timestamp time.Time `json:"-"`
}

/////////////////////////////////////////////////////////////
// Server to client messages

// MsgServerCtrl is a server response to a client request {ctrl}.
type MsgServerCtrl struct {
	Id    string `json:"id,omitempty"`
	Topic string `json:"topic,omitempty"`

	Code      int       `json:"code"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"ts"`
}

func (src *MsgServerCtrl) describe() string {
	return src.Topic + " id=" + src.Id + " code=" + http.StatusText(src.Code)
}

// MsgServerData is a push frame with a message event {data}.
type MsgServerData struct {
	Topic     string          `json:"topic"`
	Operation types.Operation `json:"operation"`
	Message   *types.Message  `json:"message"`
}

func (src *MsgServerData) describe() string {
	s := src.Topic + " op=" + string(src.Operation)
	if src.Message != nil {
		s += " id=" + src.Message.Id
	}
	return s
}

// ServerComMessage is a wrapper for server-side messages.
type ServerComMessage struct {
	Ctrl *MsgServerCtrl `json:"ctrl,omitempty"`
	Data *MsgServerData `json:"data,omitempty"`
}

func (src *ServerComMessage) describe() string {
	if src == nil {
		return "-"
	}

	switch {
	case src.Ctrl != nil:
		return "{ctrl " + src.Ctrl.describe() + "}"
	case src.Data != nil:
		return "{data " + src.Data.describe() + "}"
	default:
		return "{nil}"
	}
}

// dataFrame converts a delivery event to a push frame.
func dataFrame(ev *types.Event) *ServerComMessage {
	return &ServerComMessage{Data: &MsgServerData{
		Topic:     ev.Topic,
		Operation: ev.Op,
		Message:   ev.Message,
	}}
}

func ctrl(id, topic string, code int, text string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Code:      code,
		Text:      text,
		Topic:     topic,
		Timestamp: ts}}
}

// Generators of server-side error messages {ctrl}.

// NoErr indicates successful completion (200)
func NoErr(id, topic string, ts time.Time) *ServerComMessage {
	return ctrl(id, topic, http.StatusOK, "ok", ts)
}

// NoErrShutdown means the session is terminated because system shutdown is in progress (205).
func NoErrShutdown(ts time.Time) *ServerComMessage {
	return ctrl("", "", http.StatusResetContent, "server shutdown", ts)
}

// 3xx

// InfoAlreadyJoined response means the session has already joined the topic (304).
func InfoAlreadyJoined(id, topic string, ts time.Time) *ServerComMessage {
	return ctrl(id, topic, http.StatusNotModified, "already joined", ts)
}

// InfoNotJoined response means the session has not joined the topic (304).
func InfoNotJoined(id, topic string, ts time.Time) *ServerComMessage {
	return ctrl(id, topic, http.StatusNotModified, "not joined", ts)
}

// 4xx Errors

// ErrMalformed request malformed (400).
func ErrMalformed(id, topic string, ts time.Time) *ServerComMessage {
	return ctrl(id, topic, http.StatusBadRequest, "malformed", ts)
}

// ErrAuthRequired authentication required  - user must authenticate first (401).
func ErrAuthRequired(id, topic string, ts time.Time) *ServerComMessage {
	return ctrl(id, topic, http.StatusUnauthorized, "authentication required", ts)
}

// ErrPermissionDenied user is authenticated but operation is not permitted (403).
func ErrPermissionDenied(id, topic string, ts time.Time) *ServerComMessage {
	return ctrl(id, topic, http.StatusForbidden, "permission denied", ts)
}

// ErrTopicNotFound topic does not exist or the user is not a member (404).
func ErrTopicNotFound(id, topic string, ts time.Time) *ServerComMessage {
	return ctrl(id, topic, http.StatusNotFound, "topic not found", ts)
}

// ErrOperationNotAllowed a valid operation is not permitted in this context (405).
func ErrOperationNotAllowed(id, topic string, ts time.Time) *ServerComMessage {
	return ctrl(id, topic, http.StatusMethodNotAllowed, "operation or method not allowed", ts)
}

// 5xx

// ErrUnknown database or other server error (500).
func ErrUnknown(id, topic string, ts time.Time) *ServerComMessage {
	return ctrl(id, topic, http.StatusInternalServerError, "internal error", ts)
}

// ErrServiceUnavailable means the server is shutting down (503).
func ErrServiceUnavailable(id, topic string, ts time.Time) *ServerComMessage {
	return ctrl(id, topic, http.StatusServiceUnavailable, "service unavailable", ts)
}

// decodeStoreError converts a store error into a {ctrl} message.
func decodeStoreError(err error, id, topic string, ts time.Time) *ServerComMessage {
	code, text := storeErrorStatus(err)
	return ctrl(id, topic, code, text, ts)
}
