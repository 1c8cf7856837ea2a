package main

import (
	"testing"
)

func TestToAbsolutePath(t *testing.T) {
	cases := []struct {
		base, path, want string
	}{
		{"/etc/fanout", "fanout.conf", "/etc/fanout/fanout.conf"},
		{"/etc/fanout", "../fanout.conf", "/etc/fanout.conf"},
		{"/etc/fanout", "/opt/fanout.conf", "/opt/fanout.conf"},
		{"/etc/fanout", "./conf//fanout.conf", "/etc/fanout/conf/fanout.conf"},
	}
	for _, tc := range cases {
		if got := toAbsolutePath(tc.base, tc.path); got != tc.want {
			t.Errorf("toAbsolutePath(%q, %q): expected %q, got %q", tc.base, tc.path, tc.want, got)
		}
	}
}
