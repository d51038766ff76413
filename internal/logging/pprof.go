package logging

import (
	"log/slog"
	"net/http"
	"net/http/pprof"
	"time"
)

// DefaultPprofAddr is used when PprofEnabled is set without an address.
const DefaultPprofAddr = "localhost:6060"

// pprofMux registers the profiling handlers on a private mux so they never
// leak onto http.DefaultServeMux or the operability server.
func pprofMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

func startPprof(addr string) {
	if addr == "" {
		addr = DefaultPprofAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           pprofMux(),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          NewStdLogger(CompWeb),
	}
	go func() {
		Logger().Info("pprof_server_start", slog.String("component", CompWeb), slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			Logger().Error("pprof_server_error", slog.String("component", CompWeb), slog.String("error", err.Error()))
		}
	}()
}
