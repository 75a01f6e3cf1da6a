package main

import (
	"context"
	"net/http"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"goa.design/relay/config"
	"goa.design/relay/features/ingress/groupme"
)

func newServer(ctx context.Context, cfg *config.Config, ingress *groupme.Handler, pingers []health.Pinger) *http.Server {
	mux := goahttp.NewMuxer()
	if cfg.Debug {
		// Mount /debug endpoint to enable or disable debug logs at runtime.
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}

	ingress.Mount(mux)
	check := health.Handler(health.NewChecker(pingers...))
	mux.Handle(http.MethodGet, "/healthz", check)
	mux.Handle(http.MethodGet, "/livez", check)
	log.Printf(ctx, "HTTP POST mounted on %s", groupme.CallbackPath)

	var handler http.Handler = mux
	if cfg.Debug {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)
	return &http.Server{Addr: cfg.HTTPAddr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}
}
