package routes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/hivemesh/hive/pkg/core"
	"github.com/hivemesh/hive/pkg/db/models"
	"github.com/hivemesh/hive/pkg/hapi"
	"github.com/hivemesh/hive/pkg/hapi/schemas"
	"github.com/hivemesh/hive/pkg/store"
)

// SubmitJobInput defines the input for job submission
type SubmitJobInput struct {
	Body schemas.SubmitJobRequest
}

// SubmitJobOutput is the response for submitting a job
type SubmitJobOutput struct {
	Body schemas.JobResponse
}

// GetJobInput defines the input for getting a job
type GetJobInput struct {
	JobID string `path:"jobId" doc:"Job ID"`
}

// GetJobOutput is the response for getting a job
type GetJobOutput struct {
	Body schemas.JobResponse
}

// CancelJobInput defines the input for cancelling a job
type CancelJobInput struct {
	JobID string `path:"jobId" doc:"Job ID"`
}

// ListJobsInput defines the input for listing jobs
type ListJobsInput struct {
	State string `query:"state" doc:"Filter by lifecycle state" required:"false"`
	Owner string `query:"owner" doc:"Filter by owner" required:"false"`
	Limit int    `query:"limit" doc:"Maximum rows returned" required:"false"`
}

// ListJobsOutput is the response for listing jobs
type ListJobsOutput struct {
	Body struct {
		Jobs []schemas.JobResponse `json:"jobs" doc:"List of jobs"`
	}
}

// GetJobResultInput defines the input for fetching a job's result
type GetJobResultInput struct {
	JobID string `path:"jobId" doc:"Job ID"`
}

// GetJobResultOutput is the response for fetching a job's result
type GetJobResultOutput struct {
	Body schemas.ResultResponse
}

// RegisterJobs registers job-related routes
func RegisterJobs(api huma.API, engine *core.Core) {
	// Submit job
	huma.Register(api, huma.Operation{
		OperationID: "submit-job",
		Method:      http.MethodPost,
		Path:        "/api/jobs",
		Summary:     "Submit a new job",
		Description: "Validate and accept a job; acceptance does not imply completion",
		Tags:        []string{TagJobs.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *SubmitJobInput) (*SubmitJobOutput, error) {
		if engine == nil {
			return nil, huma.Error503ServiceUnavailable("engine not running")
		}

		spec := core.SubmitSpec{
			Owner:       input.Body.Owner,
			ImageRef:    input.Body.ImageRef,
			ImageKind:   models.ImageKind(input.Body.ImageKind),
			DockerFlags: input.Body.DockerFlags,
			OutputKind:  models.OutputKind(input.Body.OutputKind),
			OutputPaths: input.Body.OutputPaths,
			Schedule:    models.ScheduleKind(input.Body.Schedule),
			CronExpr:    input.Body.CronExpr,
			Arch:        input.Body.Arch,
			Tags:        input.Body.Tags,
			Notes:       input.Body.Notes,
		}
		if input.Body.RunAt != nil {
			runAt, err := time.Parse(time.RFC3339, *input.Body.RunAt)
			if err != nil {
				return nil, huma.Error400BadRequest(fmt.Sprintf("run_at is not RFC3339: %v", err))
			}
			spec.RunAt = &runAt
		}
		if p, ok := hapi.PrincipalFrom(ctx); ok {
			spec.Owner = p.Owner()
		}

		jobID, err := engine.SubmitJob(ctx, spec)
		if err != nil {
			switch {
			case core.IsCode(err, core.CodeValidation):
				return nil, huma.Error400BadRequest(err.Error())
			case core.IsCode(err, core.CodePersistence):
				return nil, huma.Error503ServiceUnavailable(err.Error())
			default:
				return nil, huma.Error500InternalServerError(fmt.Sprintf("failed to submit job: %v", err))
			}
		}

		job, err := engine.Store().GetJob(ctx, jobID)
		if err != nil {
			return nil, huma.Error500InternalServerError(fmt.Sprintf("job accepted as %s but not readable: %v", jobID, err))
		}
		return &SubmitJobOutput{Body: toJobResponse(job)}, nil
	})

	// List jobs
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/api/jobs",
		Summary:     "List jobs",
		Description: "Get a list of all jobs",
		Tags:        []string{TagJobs.String()},
	}, func(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
		if engine == nil {
			return nil, huma.Error503ServiceUnavailable("engine not running")
		}

		jobs, err := engine.Store().ListJobs(ctx, store.JobFilter{
			State: models.JobState(input.State),
			Owner: input.Owner,
			Limit: input.Limit,
		})
		if err != nil {
			return nil, huma.Error500InternalServerError(fmt.Sprintf("failed to list jobs: %v", err))
		}

		resp := &ListJobsOutput{}
		resp.Body.Jobs = make([]schemas.JobResponse, len(jobs))
		for i := range jobs {
			resp.Body.Jobs[i] = toJobResponse(&jobs[i])
		}
		return resp, nil
	})

	// Get job
	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/api/jobs/{jobId}",
		Summary:     "Get job details",
		Description: "Get details of a specific job",
		Tags:        []string{TagJobs.String()},
	}, func(ctx context.Context, input *GetJobInput) (*GetJobOutput, error) {
		if engine == nil {
			return nil, huma.Error503ServiceUnavailable("engine not running")
		}

		jobID, err := uuid.Parse(input.JobID)
		if err != nil {
			return nil, huma.Error400BadRequest("job ID is not a UUID")
		}
		job, err := engine.Store().GetJob(ctx, jobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, huma.Error404NotFound("job not found")
			}
			return nil, huma.Error500InternalServerError(fmt.Sprintf("failed to get job: %v", err))
		}
		return &GetJobOutput{Body: toJobResponse(job)}, nil
	})

	// Cancel job
	huma.Register(api, huma.Operation{
		OperationID: "cancel-job",
		Method:      http.MethodDelete,
		Path:        "/api/jobs/{jobId}",
		Summary:     "Cancel a job",
		Description: "Stop future scheduling of a job; a run already dispatched finishes or times out normally",
		Tags:        []string{TagJobs.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *CancelJobInput) (*struct{}, error) {
		if engine == nil {
			return nil, huma.Error503ServiceUnavailable("engine not running")
		}

		jobID, err := uuid.Parse(input.JobID)
		if err != nil {
			return nil, huma.Error400BadRequest("job ID is not a UUID")
		}
		if err := engine.CancelJob(ctx, jobID); err != nil {
			switch {
			case core.IsCode(err, core.CodeNotFound):
				return nil, huma.Error404NotFound("job not found")
			case core.IsCode(err, core.CodePersistence):
				return nil, huma.Error503ServiceUnavailable(err.Error())
			default:
				return nil, huma.Error500InternalServerError(fmt.Sprintf("failed to cancel job: %v", err))
			}
		}
		return &struct{}{}, nil
	})

	// Get job result
	huma.Register(api, huma.Operation{
		OperationID: "get-job-result",
		Method:      http.MethodGet,
		Path:        "/api/jobs/{jobId}/result",
		Summary:     "Get job result",
		Description: "Get the harvested result of a job's latest run, with presigned URLs for archived output",
		Tags:        []string{TagJobs.String()},
	}, func(ctx context.Context, input *GetJobResultInput) (*GetJobResultOutput, error) {
		if engine == nil {
			return nil, huma.Error503ServiceUnavailable("engine not running")
		}

		jobID, err := uuid.Parse(input.JobID)
		if err != nil {
			return nil, huma.Error400BadRequest("job ID is not a UUID")
		}
		view, err := engine.Archive().Result(ctx, jobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, huma.Error404NotFound("no result for this job")
			}
			return nil, huma.Error500InternalServerError(fmt.Sprintf("failed to read result: %v", err))
		}
		return &GetJobResultOutput{Body: toResultResponse(view)}, nil
	})
}

// Helper to convert a Job row to its response form
func toJobResponse(job *models.Job) schemas.JobResponse {
	return schemas.JobResponse{
		ID:          job.ID.String(),
		Owner:       job.Owner,
		ImageRef:    job.ImageRef,
		ImageKind:   string(job.ImageKind),
		DockerFlags: job.DockerFlags,
		OutputKind:  string(job.OutputKind),
		OutputPaths: job.OutputPaths,
		Schedule:    string(job.Schedule),
		CronExpr:    job.CronExpr,
		RunAt:       fmtTimePtr(job.RunAt),
		Arch:        job.Arch,
		Tags:        job.Tags,
		State:       string(job.State),
		LastError:   job.LastError,
		Notes:       job.Notes,
		CancelledAt: fmtTimePtr(job.CancelledAt),
		CreatedAt:   fmtTime(job.CreatedAt),
		UpdatedAt:   fmtTime(job.UpdatedAt),
	}
}

func toResultResponse(view *core.ResultView) schemas.ResultResponse {
	resp := schemas.ResultResponse{
		JobID:     view.Result.JobID.String(),
		WorkerID:  view.Result.WorkerID.String(),
		ExitCode:  view.Result.ExitCode,
		Stdout:    view.Result.Stdout,
		StdoutURL: view.StdoutURL,
		Files:     view.FileURLs,
		SavedAt:   fmtTime(view.Result.CreatedAt),
	}
	for _, m := range view.Metrics {
		resp.Metrics = append(resp.Metrics, schemas.JobMetricResponse{
			WorkerID:    m.WorkerID.String(),
			DurationSec: m.DurationSec,
			CPUPct:      m.CPUPct,
			MemMB:       m.MemMB,
		})
	}
	return resp
}

func fmtTime(t time.Time) string {
	return t.Format(time.RFC3339)
}

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
