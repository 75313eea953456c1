package webhookd

import (
	"context"

	"github.com/wforce/wforced/internal/filtering"
)

// Event names used for filtering.Event notifications, matching the
// reference implementation's webhook event vocabulary.
const (
	EventAddBL    = "addbl"
	EventDelBL    = "delbl"
	EventExpireBL = "expirebl"
)

func listEventName(kind filtering.EventKind) (name string) {
	switch kind {
	case filtering.EventAdd:
		return EventAddBL
	case filtering.EventDel:
		return EventDelBL
	case filtering.EventExpire:
		return EventExpireBL
	default:
		return kind.String()
	}
}

// ListHook returns a [filtering.Config.Hook] bound to storeName that
// notifies every matching webhook of the store's mutations.  Events applied
// from a cluster sibling (FromReplica set) are not notified.
func (r *Runner) ListHook(storeName string) func(filtering.Event) {
	return func(ev filtering.Event) {
		if ev.FromReplica {
			return
		}

		r.Notify(context.Background(), listEventName(ev.Kind), map[string]any{
			"store":  storeName,
			"key":    ev.Entry.Key,
			"reason": ev.Entry.Reason,
		})
	}
}
