package reconciler

import (
	"errors"
	"fmt"

	"github.com/yairfalse/podsync/types"
)

// ErrUnrecognizedEvent marks an event whose (kind, status) pair has no rule.
var ErrUnrecognizedEvent = errors.New("unrecognized event")

// ActionType is the corrective step an event calls for
type ActionType string

const (
	ActionIgnore           ActionType = "ignore"
	ActionRefetchEntity    ActionType = "refetch_entity"
	ActionRefetchInventory ActionType = "refetch_inventory"
)

// Action is the classified reaction to one event. ID is set only for
// ActionRefetchEntity.
type Action struct {
	Type ActionType
	Kind types.Kind
	ID   string
}

func (a Action) String() string {
	switch a.Type {
	case ActionRefetchEntity:
		return fmt.Sprintf("%s(%s,%s)", a.Type, a.Kind, a.ID)
	case ActionRefetchInventory:
		return fmt.Sprintf("%s(%s)", a.Type, a.Kind)
	default:
		return string(a.Type)
	}
}

// rule is one row of the classification table. target overrides the kind
// that gets refetched; empty means the event's own kind.
type rule struct {
	action ActionType
	target []types.Kind
}

var (
	ignore    = rule{action: ActionIgnore}
	refetch   = rule{action: ActionRefetchEntity}
	reloadAll = rule{action: ActionRefetchInventory}
)

func reload(kinds ...types.Kind) rule {
	return rule{action: ActionRefetchInventory, target: kinds}
}

// classification maps every known (kind, status) pair to its rule. Pairs
// that are absent are unrecognized.
var classification = map[types.Kind]map[types.Status]rule{
	types.KindContainer: {
		// no change to the inventory
		types.StatusAttach: ignore,
		types.StatusExec:   ignore,
		types.StatusExport: ignore,
		types.StatusImport: ignore,
		types.StatusInit:   ignore,
		types.StatusWait:   ignore,
		// start+stop events already bracket a restart
		types.StatusRestart: ignore,

		types.StatusCheckpoint: refetch,
		types.StatusCreate:     refetch,
		types.StatusDied:       refetch,
		types.StatusKill:       refetch,
		types.StatusMount:      refetch,
		types.StatusPause:      refetch,
		types.StatusPrune:      refetch,
		types.StatusRestore:    refetch,
		types.StatusStart:      refetch,
		types.StatusStop:       refetch,
		types.StatusSync:       refetch,
		types.StatusUnmount:    refetch,
		types.StatusUnpause:    refetch,

		// the id is gone by the time we could fetch it
		types.StatusRemove:  reloadAll,
		types.StatusCleanup: reloadAll,

		// a commit produces a new image
		types.StatusCommit: reload(types.KindImage),
	},
	types.KindImage: {
		types.StatusPush: refetch,
		types.StatusSave: refetch,
		types.StatusTag:  refetch,

		types.StatusPull:   reloadAll,
		types.StatusUntag:  reloadAll,
		types.StatusRemove: reloadAll,
		types.StatusPrune:  reloadAll,
	},
	types.KindSystem: {
		types.StatusRefresh: reload(types.KindContainer, types.KindImage),
	},
}

// Classify maps an event to the actions that restore consistency. Unknown
// pairs yield a single ActionIgnore and ErrUnrecognizedEvent; the error is
// for reporting only.
func Classify(ev types.Event) ([]Action, error) {
	statuses, ok := classification[ev.Kind]
	if !ok {
		return []Action{{Type: ActionIgnore, Kind: ev.Kind}},
			fmt.Errorf("kind %q: %w", ev.Kind, ErrUnrecognizedEvent)
	}
	r, ok := statuses[ev.Status]
	if !ok {
		return []Action{{Type: ActionIgnore, Kind: ev.Kind}},
			fmt.Errorf("%s status %q: %w", ev.Kind, ev.Status, ErrUnrecognizedEvent)
	}

	switch r.action {
	case ActionRefetchEntity:
		// an id-less targeted refetch cannot resolve
		if ev.ID == "" {
			return []Action{{Type: ActionRefetchInventory, Kind: ev.Kind}}, nil
		}
		return []Action{{Type: ActionRefetchEntity, Kind: ev.Kind, ID: ev.ID}}, nil
	case ActionRefetchInventory:
		targets := r.target
		if len(targets) == 0 {
			targets = []types.Kind{ev.Kind}
		}
		actions := make([]Action, 0, len(targets))
		for _, k := range targets {
			actions = append(actions, Action{Type: ActionRefetchInventory, Kind: k})
		}
		return actions, nil
	default:
		return []Action{{Type: ActionIgnore, Kind: ev.Kind}}, nil
	}
}

// KnownStatuses returns every status with a rule for kind
func KnownStatuses(kind types.Kind) []types.Status {
	statuses := make([]types.Status, 0, len(classification[kind]))
	for s := range classification[kind] {
		statuses = append(statuses, s)
	}
	return statuses
}
