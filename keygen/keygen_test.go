package main

import (
	"testing"
	"time"

	"github.com/tinode/fanout/server/auth/token"
	"github.com/tinode/fanout/server/store/types"
)

const testKey = "wfaY2RgF2S1OQI/ZlK+LSrp1KB2jwAdGAIHQ7JZn+Kc="

func TestGenerate(t *testing.T) {
	cases := []struct {
		name string
		uid  string
		key  string
		code int
	}{
		{"valid", "3ysxkod5hNM", testKey, 0},
		{"bad uid", "short", testKey, 1},
		{"key not base64", "3ysxkod5hNM", "invalid_base64!", 1},
		{"key too short", "3ysxkod5hNM", "c2hvcnQ=", 1},
	}
	for _, tc := range cases {
		if code := generate(tc.uid, 1, time.Hour, tc.key); code != tc.code {
			t.Errorf("%s: expected exit code %d, got %d", tc.name, tc.code, code)
		}
	}
}

func TestValidate(t *testing.T) {
	ta, err := authenticator(1, testKey)
	if err != nil {
		t.Fatal(err)
	}
	secret, _, err := ta.GenSecret(types.ParseUid("3ysxkod5hNM"), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	tok := token.Encode(secret)

	if code := validate(tok, 1, testKey); code != 0 {
		t.Errorf("Valid token: expected exit code 0, got %d", code)
	}
	if code := validate(tok, 2, testKey); code != 1 {
		t.Errorf("Revoked serial: expected exit code 1, got %d", code)
	}
	if code := validate("invalid_api_key", 1, testKey); code != 1 {
		t.Errorf("Garbage: expected exit code 1, got %d", code)
	}
}
