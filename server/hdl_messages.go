/******************************************************************************
 *
 *  Description :
 *
 *    HTTP API for posting, editing, deleting and paging messages.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/tinode/fanout/server/auth"
	"github.com/tinode/fanout/server/ingest"
	"github.com/tinode/fanout/server/logs"
	"github.com/tinode/fanout/server/store"
	"github.com/tinode/fanout/server/store/types"
)

// Body of POST and PATCH requests.
type messageBody struct {
	Content *string `json:"content,omitempty"`
	FileUrl *string `json:"fileUrl,omitempty"`
}

// Response to a page request.
type pageResponse struct {
	Items      []types.Message `json:"items"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// storeErrorStatus maps an error to the HTTP status and the text shown to the caller.
func storeErrorStatus(err error) (int, string) {
	var authErr auth.AuthErr
	switch {
	case err == nil:
		return http.StatusOK, "ok"
	case errors.As(err, &authErr), errors.Is(err, types.ErrUnauthorized):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, types.ErrInvalid), errors.Is(err, types.ErrMalformed):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, types.ErrForbidden):
		return http.StatusForbidden, "Forbidden"
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, types.ErrDuplicate):
		return http.StatusConflict, "Duplicate"
	case errors.Is(err, types.ErrUnavailable):
		return http.StatusServiceUnavailable, "Service unavailable"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}

func writeJSON(wrt http.ResponseWriter, code int, v any) {
	wrt.Header().Set("Content-Type", "application/json; charset=utf-8")
	wrt.WriteHeader(code)
	if err := json.NewEncoder(wrt).Encode(v); err != nil {
		logs.Warn.Println("http: failed to write response", err)
	}
}

// writeError reports an error to the caller. Internal errors are logged, the caller
// gets a generic text.
func writeError(wrt http.ResponseWriter, req *http.Request, err error) {
	code, text := storeErrorStatus(err)
	if code >= http.StatusInternalServerError {
		logs.Err.Println("http:", req.Method, req.URL.Path, err)
	}
	writeJSON(wrt, code, &errorResponse{Error: text})
}

func writeMethodNotAllowed(wrt http.ResponseWriter, allow ...string) {
	wrt.Header().Set("Allow", strings.Join(allow, ", "))
	writeJSON(wrt, http.StatusMethodNotAllowed, &errorResponse{Error: "Method not allowed"})
}

// authenticate resolves the member making the request.
func authenticate(req *http.Request) (types.Uid, error) {
	uid, err := globals.auth.Resolve(req)
	if err != nil {
		return types.ZeroUid, err
	}
	if uid.IsZero() {
		return types.ZeroUid, types.ErrUnauthorized
	}
	return uid, nil
}

func readBody(wrt http.ResponseWriter, req *http.Request) (*messageBody, error) {
	var body messageBody
	dec := json.NewDecoder(http.MaxBytesReader(wrt, req.Body, globals.maxMessageSize))
	if err := dec.Decode(&body); err != nil {
		return nil, types.ErrMalformed
	}
	return &body, nil
}

// serveMessages handles POST (create) and GET (page) on the messages collection.
func serveMessages(wrt http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		createMessage(wrt, req)
	case http.MethodGet:
		pageMessages(wrt, req)
	default:
		writeMethodNotAllowed(wrt, http.MethodGet, http.MethodPost)
	}
}

// serveMessage handles PATCH (edit) and DELETE (soft delete) on a single message.
func serveMessage(wrt http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPatch, http.MethodDelete:
	default:
		writeMethodNotAllowed(wrt, http.MethodPatch, http.MethodDelete)
		return
	}

	member, err := authenticate(req)
	if err != nil {
		writeError(wrt, req, err)
		return
	}

	id := types.ParseUid(strings.TrimPrefix(req.URL.Path, globals.apiPath+"messages/"))
	if id.IsZero() {
		writeError(wrt, req, types.ErrMalformed)
		return
	}

	ir := &ingest.Request{
		Op:        ingest.OpDelete,
		Topic:     req.URL.Query().Get("topic"),
		MessageId: id,
		Member:    member,
	}
	if req.Method == http.MethodPatch {
		body, err := readBody(wrt, req)
		if err != nil {
			writeError(wrt, req, err)
			return
		}
		ir.Op = ingest.OpEdit
		ir.Content = body.Content
	}

	msg, err := globals.ingest.Submit(req.Context(), ir)
	if err != nil {
		writeError(wrt, req, err)
		return
	}
	writeJSON(wrt, http.StatusOK, msg)
}

func createMessage(wrt http.ResponseWriter, req *http.Request) {
	member, err := authenticate(req)
	if err != nil {
		writeError(wrt, req, err)
		return
	}

	body, err := readBody(wrt, req)
	if err != nil {
		writeError(wrt, req, err)
		return
	}

	msg, err := globals.ingest.Submit(req.Context(), &ingest.Request{
		Op:      ingest.OpCreate,
		Topic:   req.URL.Query().Get("topic"),
		Member:  member,
		Content: body.Content,
		FileUrl: body.FileUrl,
	})
	if err != nil {
		writeError(wrt, req, err)
		return
	}
	writeJSON(wrt, http.StatusOK, msg)
}

func pageMessages(wrt http.ResponseWriter, req *http.Request) {
	member, err := authenticate(req)
	if err != nil {
		writeError(wrt, req, err)
		return
	}

	query := req.URL.Query()
	topic := query.Get("topic")
	if !ingest.ValidTopic(topic) {
		writeError(wrt, req, types.ErrInvalid)
		return
	}

	var cursor *types.Cursor
	if c := query.Get("cursor"); c != "" {
		if cursor, err = types.ParseCursor(c); err != nil {
			writeError(wrt, req, types.ErrMalformed)
			return
		}
	}

	limit := globals.pageLimit
	if l := query.Get("limit"); l != "" {
		if limit, err = strconv.Atoi(l); err != nil || limit <= 0 {
			writeError(wrt, req, types.ErrMalformed)
			return
		}
	}

	if _, err = store.Members.Get(topic, member); err != nil {
		writeError(wrt, req, err)
		return
	}

	msgs, next, err := store.Messages.Page(topic, cursor, limit)
	if err != nil {
		writeError(wrt, req, err)
		return
	}

	resp := &pageResponse{Items: msgs}
	if resp.Items == nil {
		resp.Items = []types.Message{}
	}
	if next != nil {
		resp.NextCursor = next.Encode()
	}
	writeJSON(wrt, http.StatusOK, resp)
}

// Reports whether the store is open and the relay is connected.
func serveHealth(wrt http.ResponseWriter, req *http.Request) {
	status := struct {
		Store          bool   `json:"store"`
		Relay          string `json:"relay,omitempty"`
		RelayConnected bool   `json:"relay_connected"`
		Sessions       int    `json:"sessions"`
	}{
		Store:    store.Store.IsOpen(),
		Sessions: globals.sessionStore.Count(),
	}
	if globals.relay != nil {
		status.Relay = globals.relay.GetName()
		status.RelayConnected = globals.relay.IsConnected()
	}

	code := http.StatusOK
	if !status.Store {
		code = http.StatusServiceUnavailable
	}
	writeJSON(wrt, code, &status)
}
