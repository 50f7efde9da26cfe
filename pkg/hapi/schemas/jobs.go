package schemas

// SubmitJobRequest represents a request to submit a job
type SubmitJobRequest struct {
	Owner       string   `json:"owner,omitempty" doc:"Submitting owner; overridden by the token identity when auth is enabled"`
	ImageRef    string   `json:"image_ref" doc:"Container image reference"`
	ImageKind   string   `json:"image_kind,omitempty" doc:"How the worker obtains the image: registry or tarball"`
	DockerFlags []string `json:"docker_flags,omitempty" doc:"Extra flags passed to the container runtime"`
	OutputKind  string   `json:"output_kind,omitempty" doc:"What the job reports back: stdout or files"`
	OutputPaths []string `json:"output_paths,omitempty" doc:"Paths collected when output_kind is files"`
	Schedule    string   `json:"schedule,omitempty" doc:"Schedule kind: once or cron"`
	CronExpr    string   `json:"cron_expr,omitempty" doc:"Cron expression, required when schedule is cron"`
	RunAt       *string  `json:"run_at,omitempty" doc:"RFC3339 time to defer a one-shot job to"`
	Arch        string   `json:"arch,omitempty" doc:"Required worker architecture"`
	Tags        []string `json:"tags,omitempty" doc:"Tags the chosen worker must carry"`
	Notes       string   `json:"notes,omitempty" doc:"Free-form notes"`
}

// JobResponse represents one job's durable record
type JobResponse struct {
	ID          string   `json:"id" doc:"Job ID"`
	Owner       string   `json:"owner,omitempty" doc:"Submitting owner"`
	ImageRef    string   `json:"image_ref" doc:"Container image reference"`
	ImageKind   string   `json:"image_kind" doc:"Image source kind"`
	DockerFlags []string `json:"docker_flags,omitempty" doc:"Container runtime flags"`
	OutputKind  string   `json:"output_kind" doc:"Output kind"`
	OutputPaths []string `json:"output_paths,omitempty" doc:"Collected output paths"`
	Schedule    string   `json:"schedule" doc:"Schedule kind"`
	CronExpr    string   `json:"cron_expr,omitempty" doc:"Cron expression"`
	RunAt       *string  `json:"run_at,omitempty" doc:"Deferred start time"`
	Arch        string   `json:"arch,omitempty" doc:"Required worker architecture"`
	Tags        []string `json:"tags,omitempty" doc:"Required worker tags"`
	State       string   `json:"state" doc:"Lifecycle state"`
	LastError   string   `json:"last_error,omitempty" doc:"Error recorded when the job failed"`
	Notes       string   `json:"notes,omitempty" doc:"Free-form notes"`
	CancelledAt *string  `json:"cancelled_at,omitempty" doc:"When the job was cancelled"`
	CreatedAt   string   `json:"created_at" doc:"Creation timestamp"`
	UpdatedAt   string   `json:"updated_at" doc:"Last update timestamp"`
}

// JobMetricResponse is one recorded run measurement
type JobMetricResponse struct {
	WorkerID    string  `json:"worker_id" doc:"Worker that ran the job"`
	DurationSec int64   `json:"duration_sec" doc:"Run duration in seconds"`
	CPUPct      float64 `json:"cpu_pct" doc:"Average CPU usage percent"`
	MemMB       float64 `json:"mem_mb" doc:"Peak memory in MiB"`
}

// ResultResponse is the harvested outcome of a job run
type ResultResponse struct {
	JobID     string              `json:"job_id" doc:"Job ID"`
	WorkerID  string              `json:"worker_id" doc:"Worker that produced the result"`
	ExitCode  int                 `json:"exit_code" doc:"Container exit code"`
	Stdout    string              `json:"stdout,omitempty" doc:"Captured stdout when small enough to inline"`
	StdoutURL string              `json:"stdout_url,omitempty" doc:"Presigned URL for oversized stdout"`
	Files     map[string]string   `json:"files,omitempty" doc:"Presigned URL per archived output file"`
	Metrics   []JobMetricResponse `json:"metrics,omitempty" doc:"Recorded run metrics"`
	SavedAt   string              `json:"saved_at" doc:"When the result was persisted"`
}
