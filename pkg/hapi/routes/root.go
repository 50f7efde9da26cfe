package routes

import (
	"github.com/hivemesh/hive/pkg/core"
	"github.com/hivemesh/hive/pkg/hapi"
)

// RegisterAPI wires every route group. A nil engine still registers
// the full surface so the OpenAPI spec can be generated offline;
// handlers then answer 503.
func RegisterAPI(a *hapi.Api, engine *core.Core, auth *hapi.Auth) {
	RegisterHealth(a.Api)
	RegisterJobs(a.Api, engine)
	RegisterWorkers(a.Api, engine)
	RegisterStatus(a.Api, engine)
	RegisterLogs(a.Api, engine)

	// Websocket endpoints bypass the OpenAPI layer and mount on the
	// router itself.
	a.Router.Get("/api/logs/stream", LogStream(engine, auth))
}
