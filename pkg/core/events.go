package core

// CoreEvent is a lifecycle signal broadcast to interested components.
type CoreEvent int

const (
	// EventStartup fires once after all components are running.
	EventStartup CoreEvent = iota
	// EventReload asks stateful components to re-sync from the store.
	EventReload
	// EventShutdown fires when the engine begins to stop.
	EventShutdown
)

func (e CoreEvent) String() string {
	switch e {
	case EventStartup:
		return "startup"
	case EventReload:
		return "reload"
	case EventShutdown:
		return "shutdown"
	}
	return "unknown"
}
