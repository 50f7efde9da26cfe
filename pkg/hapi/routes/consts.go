package routes

var (
	BearerAuth = []map[string][]string{
		{"bearer": {}},
	}
)

type Tag string

const (
	TagJobs    Tag = "jobs"
	TagWorkers Tag = "workers"
	TagCore    Tag = "core"
	TagLogs    Tag = "logs"
	TagHealth  Tag = "health"
)

func (t Tag) String() string { return string(t) }
