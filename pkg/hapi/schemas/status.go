package schemas

// SchedulerStatus describes the ready queue
type SchedulerStatus struct {
	Depth int      `json:"depth" doc:"Jobs waiting for dispatch"`
	Heads []string `json:"heads,omitempty" doc:"IDs at the front of the queue"`
}

// HibernatorStatus describes the parked set
type HibernatorStatus struct {
	Pending int     `json:"pending" doc:"Jobs waiting for their due time"`
	NextDue *string `json:"next_due,omitempty" doc:"When the next parked job wakes"`
}

// OutstandingAssignment is one dispatched job awaiting its result
type OutstandingAssignment struct {
	JobID        string `json:"job_id" doc:"Job ID"`
	WorkerID     string `json:"worker_id" doc:"Assigned worker"`
	AssignmentID string `json:"assignment_id" doc:"Assignment ID"`
	DispatchedAt string `json:"dispatched_at" doc:"When the job was dispatched"`
	Deadline     string `json:"deadline" doc:"When the assignment times out"`
}

// CoreStatusResponse is the read-only inspection snapshot
type CoreStatusResponse struct {
	Scheduler    SchedulerStatus         `json:"scheduler" doc:"Ready queue state"`
	Hibernator   HibernatorStatus        `json:"hibernator" doc:"Parked job state"`
	Outstanding  []OutstandingAssignment `json:"outstanding" doc:"Dispatched jobs awaiting results"`
	Workers      []WorkerResponse        `json:"workers" doc:"Live worker table"`
	DroppedBeats uint64                  `json:"dropped_beats" doc:"Heartbeats discarded under load"`
	DroppedLogs  uint64                  `json:"dropped_logs" doc:"Log entries discarded under load"`
}
