// Debug tooling. Dumps named profile in response to HTTP request at
// 		http(s)://<host-name>/<configured-path>/<profile-name>
// The configured path itself lists available profiles.

package main

import (
	"fmt"
	"net/http"
	"path"
	"runtime/pprof"
	"strconv"
	"strings"

	"github.com/tinode/fanout/server/logs"
)

// Expose debug profiling at the given URL path.
func servePprof(mux *http.ServeMux, serveAt string) {
	if serveAt == "" || serveAt == "-" {
		return
	}

	root := path.Clean("/"+serveAt) + "/"
	mux.Handle(root, profileHandler(root))

	logs.Info.Printf("pprof: profiling info exposed at '%s'", root)
}

func profileHandler(root string) http.HandlerFunc {
	return func(wrt http.ResponseWriter, req *http.Request) {
		wrt.Header().Set("X-Content-Type-Options", "nosniff")
		wrt.Header().Set("Content-Type", "text/plain; charset=utf-8")

		name := strings.TrimPrefix(req.URL.Path, root)
		if name == "" {
			for _, p := range pprof.Profiles() {
				fmt.Fprintf(wrt, "%s\t%d\n", p.Name(), p.Count())
			}
			return
		}

		profile := pprof.Lookup(name)
		if profile == nil {
			servePprofError(wrt, http.StatusNotFound, "Unknown profile '"+name+"'")
			return
		}

		debug := 2
		if d := req.URL.Query().Get("debug"); d != "" {
			var err error
			if debug, err = strconv.Atoi(d); err != nil {
				servePprofError(wrt, http.StatusBadRequest, "Invalid debug level '"+d+"'")
				return
			}
		}
		if debug == 0 {
			wrt.Header().Set("Content-Type", "application/octet-stream")
			wrt.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
		}
		profile.WriteTo(wrt, debug)
	}
}

func servePprofError(wrt http.ResponseWriter, status int, txt string) {
	wrt.Header().Set("Content-Type", "text/plain; charset=utf-8")
	wrt.Header().Set("X-Go-Pprof", "1")
	wrt.Header().Del("Content-Disposition")
	wrt.WriteHeader(status)
	fmt.Fprintln(wrt, txt)
}
