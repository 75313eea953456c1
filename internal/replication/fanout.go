package replication

import (
	"context"
	"log/slog"
	"sync"

	"github.com/AdguardTeam/golibs/logutil/slogutil"

	"github.com/wforce/wforced/internal/filtering"
	"github.com/wforce/wforced/internal/stats"
)

// Fanout pushes local [stats.Mutation]s and [filtering.Event]s out to every
// configured [Sibling] and applies mutations received from siblings back
// into the local registries.
type Fanout struct {
	logger   *slog.Logger
	statsReg *stats.Registry
	listsReg *filtering.Registry

	mu       sync.RWMutex
	siblings []*Sibling
}

// NewFanout returns a *Fanout that applies incoming mutations to statsReg
// and listsReg.
func NewFanout(logger *slog.Logger, statsReg *stats.Registry, listsReg *filtering.Registry) (f *Fanout) {
	return &Fanout{
		logger:   logger.With(slogutil.KeyPrefix, "replication(fanout)"),
		statsReg: statsReg,
		listsReg: listsReg,
	}
}

// SetSiblings replaces the set of siblings messages are pushed to.  A sibling
// whose address repeats an earlier one is dropped and logged at warn level;
// the first occurrence wins.
func (f *Fanout) SetSiblings(siblings []*Sibling) {
	seen := make(map[string]struct{}, len(siblings))
	uniq := make([]*Sibling, 0, len(siblings))
	for _, sib := range siblings {
		if _, dup := seen[sib.addr]; dup {
			f.logger.Warn("ignoring duplicate sibling address", "addr", sib.addr, "sibling", sib.name)

			continue
		}

		seen[sib.addr] = struct{}{}
		uniq = append(uniq, sib)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.siblings = uniq
}

func (f *Fanout) snapshotSiblings() (siblings []*Sibling) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return append([]*Sibling(nil), f.siblings...)
}

// PushStatsMutation is a [stats.Config.ReplicationHook] that fans m out to
// every sibling.
func (f *Fanout) PushStatsMutation(m stats.Mutation) {
	msg := &Message{Type: MsgStatsMutation, StatsMutation: &m}
	f.broadcast(context.Background(), msg)
}

// PushListEvent returns a [filtering.Config.Hook] bound to storeName that
// fans events out to every sibling, unless the event originated from a
// sibling itself.
func (f *Fanout) PushListEvent(storeName string) func(filtering.Event) {
	return func(ev filtering.Event) {
		if ev.FromReplica {
			return
		}

		msg := &Message{Type: MsgListEvent, ListEvent: &ListEventWire{Store: storeName, Event: ev}}
		f.broadcast(context.Background(), msg)
	}
}

// Start launches every currently configured sibling's sender goroutine.
// Call once, after SetSiblings, before any mutation is pushed.
func (f *Fanout) Start(ctx context.Context) {
	for _, sib := range f.snapshotSiblings() {
		sib.Start(ctx)
	}
}

// broadcast enqueues msg for every sibling without blocking the caller; a
// slow or unreachable sibling only ever backs up its own queue, never the
// caller's goroutine.
func (f *Fanout) broadcast(ctx context.Context, msg *Message) {
	for _, sib := range f.snapshotSiblings() {
		sib.QueueMsg(ctx, msg)
	}
}

// Handle is a [Handler] that applies a message received from a sibling to
// the local registries.
func (f *Fanout) Handle(ctx context.Context, msg *Message, origin string) {
	switch msg.Type {
	case MsgStatsMutation:
		if msg.StatsMutation == nil {
			return
		}

		if err := f.statsReg.Apply(*msg.StatsMutation); err != nil {
			f.logger.WarnContext(ctx, "applying stats mutation", "remote", origin, slogutil.KeyError, err)
		}
	case MsgListEvent:
		if msg.ListEvent == nil {
			return
		}

		ev := msg.ListEvent.Event
		ev.FromReplica = true

		if err := f.listsReg.ApplyRemote(ctx, msg.ListEvent.Store, ev); err != nil {
			f.logger.WarnContext(ctx, "applying list event", "remote", origin, slogutil.KeyError, err)
		}
	default:
		f.logger.WarnContext(ctx, "unexpected message type on fan-in", "type", msg.Type, "remote", origin)
	}
}

// ApplyFullSync applies a received [FullSyncWire] to the local registries,
// e.g. right after [RequestFullSync] returns.
func (f *Fanout) ApplyFullSync(ctx context.Context, fs *FullSyncWire) {
	f.statsReg.RestoreFullDump(ctx, fs.Stats)

	for storeName, entries := range fs.Lists {
		for _, e := range entries {
			ev := filtering.Event{Kind: filtering.EventAdd, Entry: e, FromReplica: true}

			if err := f.listsReg.ApplyRemote(ctx, storeName, ev); err != nil {
				f.logger.WarnContext(ctx, "applying synced list entry", "store", storeName, slogutil.KeyError, err)
			}
		}
	}
}
