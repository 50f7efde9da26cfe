package schemas

// RegisterWorkerRequest pre-provisions a worker ahead of its first
// heartbeat
type RegisterWorkerRequest struct {
	Label         string   `json:"label,omitempty" doc:"Human-readable worker name"`
	Owner         string   `json:"owner,omitempty" doc:"Owning operator"`
	Address       string   `json:"address,omitempty" doc:"UDP host:port the worker listens on"`
	Hostname      string   `json:"hostname,omitempty" doc:"Worker hostname"`
	Arch          string   `json:"arch,omitempty" doc:"CPU architecture"`
	OS            string   `json:"os,omitempty" doc:"Operating system"`
	DockerVersion string   `json:"docker_version,omitempty" doc:"Container runtime version"`
	Tags          []string `json:"tags,omitempty" doc:"Affinity tags"`
}

// RegisterWorkerResponse returns the assigned worker id
type RegisterWorkerResponse struct {
	ID string `json:"id" doc:"Worker ID"`
}

// WorkerResponse merges a worker's durable identity with its live
// status
type WorkerResponse struct {
	ID            string    `json:"id" doc:"Worker ID"`
	Label         string    `json:"label,omitempty" doc:"Human-readable worker name"`
	Owner         string    `json:"owner,omitempty" doc:"Owning operator"`
	Address       string    `json:"address,omitempty" doc:"Last known UDP address"`
	Hostname      string    `json:"hostname,omitempty" doc:"Worker hostname"`
	Arch          string    `json:"arch,omitempty" doc:"CPU architecture"`
	OS            string    `json:"os,omitempty" doc:"Operating system"`
	DockerVersion string    `json:"docker_version,omitempty" doc:"Container runtime version"`
	Tags          []string  `json:"tags,omitempty" doc:"Affinity tags"`
	Status        string    `json:"status" doc:"Live status: Idle, Busy, Offline or Error"`
	ActiveJobID   *string   `json:"active_job_id,omitempty" doc:"Job currently assigned"`
	Load          []float64 `json:"load,omitempty" doc:"Recent load samples"`
	UptimeSec     int64     `json:"uptime_sec,omitempty" doc:"Reported uptime in seconds"`
	LastError     string    `json:"last_error,omitempty" doc:"Last error the worker reported"`
	LastHeartbeat *string   `json:"last_heartbeat,omitempty" doc:"When the last heartbeat arrived"`
	FirstSeenAt   string    `json:"first_seen_at" doc:"Registration time"`
}
