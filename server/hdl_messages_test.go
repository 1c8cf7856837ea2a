package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/tinode/fanout/server/auth/token"
	"github.com/tinode/fanout/server/store"
	"github.com/tinode/fanout/server/store/types"
)

func authToken(t *testing.T, uid types.Uid) string {
	t.Helper()

	secret, _, err := testAuth.GenSecret(uid, 0)
	if err != nil {
		t.Fatal(err)
	}
	return token.Encode(secret)
}

// apiRequest performs a request against the API mux. Zero uid means no credentials.
func apiRequest(t *testing.T, method, target string, uid types.Uid, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if !uid.IsZero() {
		req.Header.Set("Authorization", "Token "+authToken(t, uid))
	}

	rec := httptest.NewRecorder()
	newServeMux(defaultAPIPath).ServeHTTP(rec, req)
	return rec
}

func messagesURL(topic string, params ...string) string {
	q := url.Values{}
	q.Set("topic", topic)
	for i := 0; i+1 < len(params); i += 2 {
		q.Set(params[i], params[i+1])
	}
	return defaultAPIPath + "messages?" + q.Encode()
}

func messageURL(id, topic string) string {
	return defaultAPIPath + "messages/" + id + "?topic=" + url.QueryEscape(topic)
}

func decodeMessage(t *testing.T, rec *httptest.ResponseRecorder) *types.Message {
	t.Helper()

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var msg types.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
		t.Fatal(err)
	}
	return &msg
}

func decodePage(t *testing.T, rec *httptest.ResponseRecorder) *pageResponse {
	t.Helper()

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var page pageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	return &page
}

func TestCreateAndPage(t *testing.T) {
	hub := setupGlobals(t)
	topic := newTopic(t, alice, bob)

	viewer := newTestSession(t, bob)
	hub.join(viewer, topic)

	msg := decodeMessage(t, apiRequest(t, http.MethodPost, messagesURL(topic), alice, `{"content":"  hello  "}`))
	if msg.Id == "" || msg.Topic != topic || msg.From != alice.String() || msg.CreatedAt.IsZero() {
		t.Errorf("Created message is incomplete: %+v", msg)
	}
	if msg.Content == nil || *msg.Content != "hello" {
		t.Errorf("Content must be trimmed, got %v", msg.Content)
	}

	frame := readFrame(t, viewer)
	if frame.Data == nil || frame.Data.Operation != types.OpCreated {
		t.Fatalf("Expected a created event, got %s", frame.describe())
	}
	if diff := cmp.Diff(msg, frame.Data.Message, cmpopts.IgnoreUnexported(types.ObjHeader{})); diff != "" {
		t.Errorf("Pushed message differs from the response (-want +got):\n%s", diff)
	}

	page := decodePage(t, apiRequest(t, http.MethodGet, messagesURL(topic), bob, ""))
	if len(page.Items) != 1 || page.Items[0].Id != msg.Id {
		t.Errorf("Page must contain the new message, got %+v", page.Items)
	}
	if page.NextCursor != "" {
		t.Errorf("Single page must not have a cursor, got %q", page.NextCursor)
	}
}

func TestFileOnlyMessage(t *testing.T) {
	setupGlobals(t)
	topic := newTopic(t, alice)

	msg := decodeMessage(t, apiRequest(t, http.MethodPost, messagesURL(topic), alice,
		`{"fileUrl":"https://files.example.com/a.png"}`))
	if msg.Content != nil || msg.FileUrl == nil || *msg.FileUrl != "https://files.example.com/a.png" {
		t.Errorf("File message mismatch: %+v", msg)
	}
}

func TestEmptyPage(t *testing.T) {
	setupGlobals(t)
	topic := newTopic(t, alice)

	rec := apiRequest(t, http.MethodGet, messagesURL(topic), alice, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != `{"items":[]}` {
		t.Errorf("Empty page must have an empty item list, got %s", body)
	}
}

func TestMessageErrors(t *testing.T) {
	setupGlobals(t)
	topic := newTopic(t, alice)

	cases := []struct {
		name   string
		method string
		target string
		uid    types.Uid
		body   string
		code   int
	}{
		{"no content", http.MethodPost, messagesURL(topic), alice, `{}`, http.StatusBadRequest},
		{"blank content", http.MethodPost, messagesURL(topic), alice, `{"content":"   "}`, http.StatusBadRequest},
		{"no token", http.MethodPost, messagesURL(topic), types.ZeroUid, `{"content":"hi"}`, http.StatusUnauthorized},
		{"not member", http.MethodPost, messagesURL(topic), bob, `{"content":"hi"}`, http.StatusNotFound},
		{"missing topic", http.MethodPost, defaultAPIPath + "messages", alice, `{"content":"hi"}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, messagesURL(topic), alice, `{"content":`, http.StatusBadRequest},
		{"page no token", http.MethodGet, messagesURL(topic), types.ZeroUid, "", http.StatusUnauthorized},
		{"page not member", http.MethodGet, messagesURL(topic), carol, "", http.StatusNotFound},
		{"page missing topic", http.MethodGet, defaultAPIPath + "messages", alice, "", http.StatusBadRequest},
		{"page bad cursor", http.MethodGet, messagesURL(topic, "cursor", "!!!"), alice, "", http.StatusBadRequest},
		{"page bad limit", http.MethodGet, messagesURL(topic, "limit", "0"), alice, "", http.StatusBadRequest},
		{"put collection", http.MethodPut, messagesURL(topic), alice, `{"content":"hi"}`, http.StatusMethodNotAllowed},
		{"get single", http.MethodGet, messageURL(alice.String(), topic), alice, "", http.StatusMethodNotAllowed},
		{"bad id", http.MethodDelete, messageURL("nope", topic), alice, "", http.StatusBadRequest},
		{"unknown id", http.MethodDelete, messageURL(carol.String(), topic), alice, "", http.StatusNotFound},
		{"unknown path", http.MethodGet, "/v0/nothing", alice, "", http.StatusNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := apiRequest(t, tc.method, tc.target, tc.uid, tc.body)
			if rec.Code != tc.code {
				t.Fatalf("Expected %d, got %d: %s", tc.code, rec.Code, rec.Body.String())
			}
			var resp errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Error == "" {
				t.Errorf("Error response must carry a message: %q, %v", rec.Body.String(), err)
			}
		})
	}

	rec := apiRequest(t, http.MethodPut, messagesURL(topic), alice, `{"content":"hi"}`)
	if diff := cmp.Diff(`{"error":"Method not allowed"}`, strings.TrimSpace(rec.Body.String())); diff != "" {
		t.Errorf("405 body mismatch (-want +got):\n%s", diff)
	}
	if allow := rec.Header().Get("Allow"); allow != "GET, POST" {
		t.Errorf("Allow header: %q", allow)
	}
}

func TestEditMessage(t *testing.T) {
	hub := setupGlobals(t)
	topic := newTopic(t, alice, bob)

	viewer := newTestSession(t, carol)
	store.Members.Create(&types.Member{Topic: topic, User: carol.String(), Role: types.RoleGuest})
	hub.join(viewer, topic)

	created := decodeMessage(t, apiRequest(t, http.MethodPost, messagesURL(topic), bob, `{"content":"draft"}`))
	readFrame(t, viewer)

	rec := apiRequest(t, http.MethodPatch, messageURL(created.Id, topic), alice, `{"content":"hijack"}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("Only the author may edit, got %d", rec.Code)
	}
	expectNoFrame(t, viewer)

	edited := decodeMessage(t, apiRequest(t, http.MethodPatch, messageURL(created.Id, topic), bob, `{"content":"final"}`))
	if edited.Id != created.Id || *edited.Content != "final" || !edited.UpdatedAt.After(created.UpdatedAt) {
		t.Errorf("Edit result mismatch: %+v", edited)
	}
	if !edited.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("Edit must keep the creation time")
	}

	frame := readFrame(t, viewer)
	if frame.Data == nil || frame.Data.Operation != types.OpUpdated || *frame.Data.Message.Content != "final" {
		t.Errorf("Expected an updated event, got %s", frame.describe())
	}
}

func TestDeleteMessage(t *testing.T) {
	setupGlobals(t)
	topic := newTopic(t, alice, bob, carol)
	store.Members.UpdateRole(topic, carol, types.RoleModerator)

	own := decodeMessage(t, apiRequest(t, http.MethodPost, messagesURL(topic), bob, `{"content":"one"}`))
	other := decodeMessage(t, apiRequest(t, http.MethodPost, messagesURL(topic), alice, `{"content":"two"}`))
	third := decodeMessage(t, apiRequest(t, http.MethodPost, messagesURL(topic), alice, `{"content":"three"}`))

	if rec := apiRequest(t, http.MethodDelete, messageURL(other.Id, topic), bob, ""); rec.Code != http.StatusForbidden {
		t.Errorf("Guest must not delete others' messages, got %d", rec.Code)
	}

	for _, tc := range []struct {
		who types.Uid
		msg *types.Message
	}{{bob, own}, {carol, other}, {alice, third}} {
		deleted := decodeMessage(t, apiRequest(t, http.MethodDelete, messageURL(tc.msg.Id, tc.msg.Topic), tc.who, ""))
		if !deleted.Deleted || deleted.Content == nil || *deleted.Content != types.TombstoneText || deleted.FileUrl != nil {
			t.Errorf("Deleted message must be a tombstone: %+v", deleted)
		}
	}

	page := decodePage(t, apiRequest(t, http.MethodGet, messagesURL(topic), bob, ""))
	if len(page.Items) != 3 {
		t.Fatalf("Deleted messages stay in history, got %d", len(page.Items))
	}
	for _, msg := range page.Items {
		if !msg.Deleted {
			t.Errorf("Message %s must be deleted", msg.Id)
		}
	}

	if rec := apiRequest(t, http.MethodDelete, messageURL(own.Id, topic), bob, ""); rec.Code != http.StatusForbidden {
		t.Errorf("A tombstone cannot be deleted again, got %d", rec.Code)
	}
}

func TestPageCursor(t *testing.T) {
	setupGlobals(t)
	topic := newTopic(t, alice)

	var created []string
	for i := 0; i < 25; i++ {
		msg := decodeMessage(t, apiRequest(t, http.MethodPost, messagesURL(topic), alice, `{"content":"m"}`))
		created = append(created, msg.Id)
	}

	var seen []string
	cursor := ""
	pages := 0
	for {
		params := []string{"limit", "10"}
		if cursor != "" {
			params = append(params, "cursor", cursor)
		}
		page := decodePage(t, apiRequest(t, http.MethodGet, messagesURL(topic, params...), alice, ""))
		pages++
		for _, msg := range page.Items {
			seen = append(seen, msg.Id)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
		if pages > 5 {
			t.Fatal("Paging does not terminate")
		}
	}

	if pages != 3 {
		t.Errorf("Expected 3 pages, got %d", pages)
	}
	// Newest first.
	want := make([]string, len(created))
	for i, id := range created {
		want[len(created)-1-i] = id
	}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Errorf("Pages mismatch (-want +got):\n%s", diff)
	}
}

func TestPageExactFit(t *testing.T) {
	setupGlobals(t)
	topic := newTopic(t, alice)

	for i := 0; i < 20; i++ {
		decodeMessage(t, apiRequest(t, http.MethodPost, messagesURL(topic), alice, `{"content":"m"}`))
	}

	page := decodePage(t, apiRequest(t, http.MethodGet, messagesURL(topic, "limit", "20"), alice, ""))
	if len(page.Items) != 20 {
		t.Errorf("Expected 20 items, got %d", len(page.Items))
	}
	if page.NextCursor != "" {
		t.Errorf("A page which ends the history must not have a cursor")
	}

	page = decodePage(t, apiRequest(t, http.MethodGet, messagesURL(topic), alice, ""))
	if len(page.Items) != store.DefaultPageSize || page.NextCursor == "" {
		t.Errorf("Default page: %d items, cursor %q", len(page.Items), page.NextCursor)
	}
}

func TestHealth(t *testing.T) {
	setupGlobals(t)
	newTestSession(t, alice)

	rec := apiRequest(t, http.MethodGet, "/healthz", types.ZeroUid, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var status map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status["store"] != true || status["sessions"] != float64(1) {
		t.Errorf("Health status mismatch: %v", status)
	}
}
