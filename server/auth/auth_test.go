package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tinode/fanout/server/store/types"
)

func TestSecretFromRequest(t *testing.T) {
	cases := []struct {
		name   string
		url    string
		header string
		want   string
	}{
		{"header", "/v0/messages", "Token abc.def", "abc.def"},
		{"header case", "/v0/messages", "token   abc", "abc"},
		{"wrong scheme", "/v0/messages?token=q", "Basic abc", ""},
		{"query", "/v0/channels?token=xyz", "", "xyz"},
		{"none", "/v0/channels", "", ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest("GET", tc.url, nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		if got := SecretFromRequest(req); got != tc.want {
			t.Errorf("%s: got '%s', want '%s'", tc.name, got, tc.want)
		}
	}
}

func TestResolverFunc(t *testing.T) {
	var r Resolver = ResolverFunc(func(req *http.Request) (types.Uid, error) {
		if SecretFromRequest(req) == "" {
			return types.ZeroUid, ErrMissing
		}
		return types.Uid(42), nil
	})

	if _, err := r.Resolve(httptest.NewRequest("GET", "/", nil)); err != ErrMissing {
		t.Errorf("Expected ErrMissing, got %v", err)
	}
	uid, err := r.Resolve(httptest.NewRequest("GET", "/?token=x", nil))
	if err != nil || uid != types.Uid(42) {
		t.Errorf("Unexpected result %v, %v", uid, err)
	}
}
