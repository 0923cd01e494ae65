// Package httpapi wires the per-component handlers into the single /api
// surface described in spec §4.G and §6.
package httpapi

import (
	"github.com/go-chi/chi/v5"

	"github.com/zeroclaw/zeroclaw/internal/httpserver"
	"github.com/zeroclaw/zeroclaw/pkg/configsvc"
	"github.com/zeroclaw/zeroclaw/pkg/flow"
	"github.com/zeroclaw/zeroclaw/pkg/lifecycle"
	"github.com/zeroclaw/zeroclaw/pkg/messaging"
)

// Deps bundles every component handler the router mounts.
type Deps struct {
	Lifecycle *lifecycle.Handler
	Messaging *messaging.Handler
	ConfigSvc *configsvc.Handler
	Flow      *flow.Handler
}

// Mount wires every component's routes onto srv.APIRouter, matching the
// route table in spec §6: instance CRUD and observability, per-instance
// config/flows/messages nested under /instances/{name}, and the top-level
// messages/routing-rules/health collections.
func Mount(srv *httpserver.Server, deps Deps) {
	r := srv.APIRouter

	r.Get("/health", deps.Lifecycle.HandleHealth)

	r.Mount("/instances", deps.Lifecycle.Routes())
	r.Route("/instances/{name}", func(r chi.Router) {
		r.Mount("/config", deps.ConfigSvc.Routes())
		r.Mount("/", deps.Flow.Routes())
		r.Get("/messages/pending", deps.Messaging.PendingHandler)
	})

	r.Mount("/messages", deps.Messaging.Routes())
	r.Mount("/routing-rules", deps.Messaging.RoutingRoutes())
}
