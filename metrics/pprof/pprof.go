// Package pprof is separated out from metrics so the pprof mux is only
// built when a binary asks for it, rather than as an import side effect
// every consumer of package metrics pays for.
package pprof

import (
	"net/http"

	pprof "net/http/pprof" // adds default pprof endpoint at /debug/pprof
)

// WithProfile provides an http mux setup to serve pprof endpoints. it should be mounted at /debug/pprof
func WithProfile() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)

	return mux
}
