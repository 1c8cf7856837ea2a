// Package token implements authentication by HMAC-signed security token.
package token

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/tinode/fanout/server/auth"
	"github.com/tinode/fanout/server/store/types"
)

// Authenticator issues and verifies tokens.
type Authenticator struct {
	hmacSalt     []byte
	lifetime     time.Duration
	serialNumber int
}

// tokenLayout defines positioning of various bytes in token.
// [8:UID][4:expires][2:serial-number][32:signature] = 46 bytes
type tokenLayout struct {
	// Member ID.
	Uid uint64
	// Token expiration time.
	Expires uint32
	// Serial number - to invalidate all tokens if needed.
	SerialNumber uint16
}

// Config is the token configuration.
type Config struct {
	// Key for signing tokens
	Key []byte `json:"key"`
	// Datatabase or other serial number, to invalidate all issued tokens at once.
	SerialNum int `json:"serial_num"`
	// Token expiration time in seconds.
	ExpireIn int `json:"expire_in"`
}

// New parses the config and creates an authenticator.
func New(jsonconf json.RawMessage) (*Authenticator, error) {
	var config Config
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return nil, errors.New("auth_token: failed to parse config: " + err.Error() + "(" + string(jsonconf) + ")")
	}

	if len(config.Key) < sha256.Size {
		return nil, errors.New("auth_token: the key is missing or too short")
	}
	if config.ExpireIn <= 0 {
		return nil, errors.New("auth_token: invalid expiration value")
	}
	if config.SerialNum < 0 || config.SerialNum > 0xFFFF {
		return nil, errors.New("auth_token: invalid serial number")
	}

	return &Authenticator{
		hmacSalt:     config.Key,
		lifetime:     time.Duration(config.ExpireIn) * time.Second,
		serialNumber: config.SerialNum,
	}, nil
}

// Authenticate checks validity of provided token. Returns member ID and token expiration time.
func (ta *Authenticator) Authenticate(token []byte) (types.Uid, time.Time, error) {
	var tl tokenLayout
	dataSize := binary.Size(&tl)
	if len(token) < dataSize+sha256.Size {
		// Token is too short
		return types.ZeroUid, time.Time{}, auth.ErrMalformed
	}

	buf := bytes.NewBuffer(token)
	if err := binary.Read(buf, binary.LittleEndian, &tl); err != nil {
		return types.ZeroUid, time.Time{}, auth.ErrMalformed
	}

	// Check signature.
	hasher := hmac.New(sha256.New, ta.hmacSalt)
	hasher.Write(token[:dataSize])
	if !hmac.Equal(token[dataSize:dataSize+sha256.Size], hasher.Sum(nil)) {
		return types.ZeroUid, time.Time{}, auth.ErrFailed
	}

	// Check serial number.
	if int(tl.SerialNumber) != ta.serialNumber {
		return types.ZeroUid, time.Time{}, auth.ErrFailed
	}

	uid := types.Uid(tl.Uid)
	if uid.IsZero() {
		return types.ZeroUid, time.Time{}, auth.ErrMalformed
	}

	// Check token expiration time.
	expires := time.Unix(int64(tl.Expires), 0).UTC()
	if expires.Before(time.Now().Add(1 * time.Second)) {
		return types.ZeroUid, time.Time{}, auth.ErrExpired
	}

	return uid, expires, nil
}

// GenSecret generates a new token. Zero lifetime means the default configured lifetime.
func (ta *Authenticator) GenSecret(uid types.Uid, lifetime time.Duration) ([]byte, time.Time, error) {
	if uid.IsZero() {
		return nil, time.Time{}, auth.ErrMalformed
	}
	if lifetime == 0 {
		lifetime = ta.lifetime
	} else if lifetime < 0 {
		return nil, time.Time{}, auth.ErrExpired
	}
	expires := time.Now().Add(lifetime).UTC().Round(time.Second)

	tl := tokenLayout{
		Uid:          uint64(uid),
		Expires:      uint32(expires.Unix()),
		SerialNumber: uint16(ta.serialNumber),
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, &tl)
	hasher := hmac.New(sha256.New, ta.hmacSalt)
	hasher.Write(buf.Bytes())
	buf.Write(hasher.Sum(nil))

	return buf.Bytes(), expires, nil
}

// Encode converts the token to a URL-safe string.
func Encode(token []byte) string {
	return base64.RawURLEncoding.EncodeToString(token)
}

// Resolve authenticates the request by the token it carries.
func (ta *Authenticator) Resolve(req *http.Request) (types.Uid, error) {
	secret := auth.SecretFromRequest(req)
	if secret == "" {
		return types.ZeroUid, auth.ErrMissing
	}
	token, err := base64.RawURLEncoding.DecodeString(secret)
	if err != nil {
		return types.ZeroUid, auth.ErrMalformed
	}
	uid, _, err := ta.Authenticate(token)
	return uid, err
}
