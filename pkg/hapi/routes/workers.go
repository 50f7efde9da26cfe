package routes

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hivemesh/hive/pkg/core"
	"github.com/hivemesh/hive/pkg/db/models"
	"github.com/hivemesh/hive/pkg/hapi"
	"github.com/hivemesh/hive/pkg/hapi/schemas"
)

// RegisterWorkerInput defines the input for pre-registering a worker
type RegisterWorkerInput struct {
	Body schemas.RegisterWorkerRequest
}

// RegisterWorkerOutput is the response for pre-registering a worker
type RegisterWorkerOutput struct {
	Body schemas.RegisterWorkerResponse
}

// ListWorkersOutput is the response for listing workers
type ListWorkersOutput struct {
	Body struct {
		Workers []schemas.WorkerResponse `json:"workers" doc:"List of workers"`
	}
}

// RegisterWorkers registers worker-related routes
func RegisterWorkers(api huma.API, engine *core.Core) {
	// Register worker
	huma.Register(api, huma.Operation{
		OperationID: "register-worker",
		Method:      http.MethodPost,
		Path:        "/api/workers",
		Summary:     "Register a worker",
		Description: "Pre-provision a worker node; it comes alive once its first heartbeat is heard",
		Tags:        []string{TagWorkers.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *RegisterWorkerInput) (*RegisterWorkerOutput, error) {
		if engine == nil {
			return nil, huma.Error503ServiceUnavailable("engine not running")
		}

		w := models.Worker{
			Label:         input.Body.Label,
			Owner:         input.Body.Owner,
			Address:       input.Body.Address,
			Hostname:      input.Body.Hostname,
			Arch:          input.Body.Arch,
			OS:            input.Body.OS,
			DockerVersion: input.Body.DockerVersion,
			Tags:          input.Body.Tags,
		}
		if p, ok := hapi.PrincipalFrom(ctx); ok {
			w.Owner = p.Owner()
		}

		id, err := engine.RegisterWorker(ctx, w)
		if err != nil {
			switch {
			case core.IsCode(err, core.CodeValidation):
				return nil, huma.Error400BadRequest(err.Error())
			case core.IsCode(err, core.CodePersistence):
				return nil, huma.Error503ServiceUnavailable(err.Error())
			default:
				return nil, huma.Error500InternalServerError(fmt.Sprintf("failed to register worker: %v", err))
			}
		}
		return &RegisterWorkerOutput{Body: schemas.RegisterWorkerResponse{ID: id.String()}}, nil
	})

	// List workers
	huma.Register(api, huma.Operation{
		OperationID: "list-workers",
		Method:      http.MethodGet,
		Path:        "/api/workers",
		Summary:     "List workers",
		Description: "Get every known worker with its live status merged in",
		Tags:        []string{TagWorkers.String()},
	}, func(ctx context.Context, input *struct{}) (*ListWorkersOutput, error) {
		if engine == nil {
			return nil, huma.Error503ServiceUnavailable("engine not running")
		}

		snap := engine.Status(ctx)
		resp := &ListWorkersOutput{}
		resp.Body.Workers = make([]schemas.WorkerResponse, len(snap.Workers))
		for i, w := range snap.Workers {
			resp.Body.Workers[i] = toWorkerResponse(w)
		}
		return resp, nil
	})
}

func toWorkerResponse(w core.WorkerSnapshot) schemas.WorkerResponse {
	resp := schemas.WorkerResponse{
		ID:            w.Worker.ID.String(),
		Label:         w.Worker.Label,
		Owner:         w.Worker.Owner,
		Address:       w.Addr,
		Hostname:      w.Worker.Hostname,
		Arch:          w.Worker.Arch,
		OS:            w.Worker.OS,
		DockerVersion: w.Worker.DockerVersion,
		Tags:          w.Worker.Tags,
		Status:        string(w.State),
		Load:          w.Load[:],
		UptimeSec:     w.UptimeSec,
		LastError:     w.LastError,
		FirstSeenAt:   fmtTime(w.Worker.FirstSeenAt),
	}
	if resp.Address == "" {
		resp.Address = w.Worker.Address
	}
	if w.ActiveJob != nil {
		id := w.ActiveJob.String()
		resp.ActiveJobID = &id
	}
	if !w.LastBeat.IsZero() {
		resp.LastHeartbeat = fmtTimePtr(&w.LastBeat)
	}
	return resp
}
