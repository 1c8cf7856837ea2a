//go:build mysql
// +build mysql

package main

// This file is needed for conditional compilation. It's used when
// the build tag 'mysql' is defined. Otherwise the adapter is not compiled.

import (
	_ "github.com/tinode/fanout/server/db/mysql"
)
