package types

import "time"

// Status is the action name a daemon attaches to an event.
type Status string

// Container statuses.
const (
	StatusAttach     Status = "attach"
	StatusCheckpoint Status = "checkpoint"
	StatusCleanup    Status = "cleanup"
	StatusCommit     Status = "commit"
	StatusCreate     Status = "create"
	StatusDied       Status = "died"
	StatusExec       Status = "exec"
	StatusExport     Status = "export"
	StatusImport     Status = "import"
	StatusInit       Status = "init"
	StatusKill       Status = "kill"
	StatusMount      Status = "mount"
	StatusPause      Status = "pause"
	StatusPrune      Status = "prune"
	StatusRemove     Status = "remove"
	StatusRestart    Status = "restart"
	StatusRestore    Status = "restore"
	StatusStart      Status = "start"
	StatusStop       Status = "stop"
	StatusSync       Status = "sync"
	StatusUnmount    Status = "unmount"
	StatusUnpause    Status = "unpause"
	StatusWait       Status = "wait"
)

// Image statuses not shared with containers.
const (
	StatusPull  Status = "pull"
	StatusPush  Status = "push"
	StatusSave  Status = "save"
	StatusTag   Status = "tag"
	StatusUntag Status = "untag"
)

// System statuses.
const (
	StatusRefresh Status = "refresh"
)

// Event is a notification pushed by a daemon on its event stream.
type Event struct {
	Kind   Kind      `json:"kind"`
	Status Status    `json:"status"`
	ID     string    `json:"id,omitempty"` // empty for events that carry no id (e.g. image pull)
	Scope  Scope     `json:"scope"`
	Time   time.Time `json:"time"`
}

// Key returns the composite key of the entity the event refers to.
func (e Event) Key() Key {
	return Key{Scope: e.Scope, ID: e.ID}
}
