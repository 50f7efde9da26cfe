package schemas

// LogEntryResponse is one engine log line
type LogEntryResponse struct {
	Time     string `json:"time" doc:"When the entry was logged"`
	Level    string `json:"level" doc:"Severity: Info, Success, Warning, Error or Fatal"`
	Module   string `json:"module" doc:"Engine component that logged it"`
	Action   string `json:"action,omitempty" doc:"Well-known action tag"`
	JobID    string `json:"job_id,omitempty" doc:"Correlated job"`
	WorkerID string `json:"worker_id,omitempty" doc:"Correlated worker"`
	Message  string `json:"message" doc:"Log message"`
}
