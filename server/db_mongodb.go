//go:build mongodb
// +build mongodb

package main

// This file is needed for conditional compilation. It's used when
// the build tag 'mongodb' is defined. Otherwise the adapter is not compiled in.

import (
	_ "github.com/tinode/fanout/server/db/mongodb"
)
