// Issues and validates access tokens accepted by the fanout server.
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tinode/fanout/server/auth/token"
	"github.com/tinode/fanout/server/store/types"
)

// Lifetime of a token when the config does not specify one.
const defaultExpireIn = 14 * 24 * time.Hour

func main() {
	var uid = flag.String("uid", "", "ID of the member to issue a token for")
	var key = flag.String("key", "", "base64-encoded token key, 'auth_config.key' in fanout.conf")
	var serial = flag.Int("serial", 1, "serial number of tokens, 'auth_config.serial_num' in fanout.conf")
	var lifetime = flag.Duration("lifetime", defaultExpireIn, "how long the token stays valid")
	var tok = flag.String("validate", "", "token to validate")

	flag.Parse()

	if *uid != "" {
		os.Exit(generate(*uid, *serial, *lifetime, *key))
	} else if *tok != "" {
		os.Exit(validate(*tok, *serial, *key))
	} else {
		flag.Usage()
	}
}

func authenticator(serial int, key string) (*token.Authenticator, error) {
	salt, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	conf, _ := json.Marshal(&token.Config{
		Key:       salt,
		SerialNum: serial,
		ExpireIn:  int(defaultExpireIn / time.Second),
	})
	return token.New(conf)
}

func generate(uid string, serial int, lifetime time.Duration, key string) int {
	ta, err := authenticator(serial, key)
	if err != nil {
		fmt.Println(err)
		return 1
	}

	secret, expires, err := ta.GenSecret(types.ParseUid(uid), lifetime)
	if err != nil {
		fmt.Println("failed to generate token:", err)
		return 1
	}

	fmt.Printf("Token for %s, valid until %s: %s\n", uid, expires.Format(time.RFC3339), token.Encode(secret))
	return 0
}

func validate(tok string, serial int, key string) int {
	ta, err := authenticator(serial, key)
	if err != nil {
		fmt.Println(err)
		return 1
	}

	secret, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		fmt.Println("INVALID: failed to decode token", err)
		return 1
	}
	uid, expires, err := ta.Authenticate(secret)
	if err != nil {
		fmt.Println("INVALID:", err)
		return 1
	}

	fmt.Printf("Valid for %s until %s\n", uid, expires.Format(time.RFC3339))
	return 0
}
