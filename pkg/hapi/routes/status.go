package routes

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hivemesh/hive/pkg/core"
	"github.com/hivemesh/hive/pkg/hapi/schemas"
)

// CoreStatusOutput is the response for the engine status snapshot
type CoreStatusOutput struct {
	Body schemas.CoreStatusResponse
}

// RegisterStatus registers the engine inspection route
func RegisterStatus(api huma.API, engine *core.Core) {
	huma.Register(api, huma.Operation{
		OperationID: "get-core-status",
		Method:      http.MethodGet,
		Path:        "/api/core/status",
		Summary:     "Get engine status",
		Description: "Snapshot of queue depth, parked jobs, outstanding assignments and the worker table",
		Tags:        []string{TagCore.String()},
	}, func(ctx context.Context, input *struct{}) (*CoreStatusOutput, error) {
		if engine == nil {
			return nil, huma.Error503ServiceUnavailable("engine not running")
		}

		snap := engine.Status(ctx)
		body := schemas.CoreStatusResponse{
			Scheduler: schemas.SchedulerStatus{
				Depth: snap.Scheduler.Depth,
			},
			Hibernator: schemas.HibernatorStatus{
				Pending: snap.Hibernator.Pending,
				NextDue: fmtTimePtr(snap.Hibernator.NextDue),
			},
			DroppedBeats: snap.DroppedBeats,
			DroppedLogs:  snap.DroppedLogs,
		}
		for _, id := range snap.Scheduler.Heads {
			body.Scheduler.Heads = append(body.Scheduler.Heads, id.String())
		}
		for _, a := range snap.Outstanding {
			body.Outstanding = append(body.Outstanding, schemas.OutstandingAssignment{
				JobID:        a.JobID.String(),
				WorkerID:     a.WorkerID.String(),
				AssignmentID: a.AssignmentID.String(),
				DispatchedAt: fmtTime(a.DispatchedAt),
				Deadline:     fmtTime(a.Deadline),
			})
		}
		for _, w := range snap.Workers {
			body.Workers = append(body.Workers, toWorkerResponse(w))
		}
		return &CoreStatusOutput{Body: body}, nil
	})
}
