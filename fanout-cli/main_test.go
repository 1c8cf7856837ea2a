package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/tinode/fanout/server/store/types"
)

func TestChannelURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:6060/v0/":   "ws://localhost:6060/v0/channels",
		"http://localhost:6060/v0":    "ws://localhost:6060/v0/channels",
		"https://chat.example.com/x/": "wss://chat.example.com/x/channels",
	}
	for in, want := range cases {
		got, err := channelURL(in)
		if err != nil || got != want {
			t.Errorf("channelURL(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
}

func TestRender(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	text, file, edited := "hello", "https://files.example.com/a.png", "fixed"

	older := types.Message{From: "alice", Content: &text}
	older.CreatedAt, older.UpdatedAt = created, created
	newer := types.Message{From: "bob", Content: &edited, FileUrl: &file}
	newer.CreatedAt, newer.UpdatedAt = created.Add(time.Minute), created.Add(2*time.Minute)

	var buf bytes.Buffer
	render(&buf, []types.Message{newer, older}, "Live: real-time updates", false)

	want := "----\nalice: hello\nbob: fixed <https://files.example.com/a.png> (edited)\nLive: real-time updates\n"
	if got := buf.String(); got != want {
		t.Errorf("render mismatch:\n%s\nwant:\n%s", got, want)
	}
}
