package notify

import (
	"context"

	"github.com/hmdev/channelmesh/internal/events"
)

// lifecycleKinds are the bus kinds worth telling the outside world about.
// Append activity is far too chatty to leave the process.
var lifecycleKinds = map[events.Kind]struct{}{
	events.KindChannelCreated: {},
	events.KindChannelDeleted: {},
	events.KindSessionJoined:  {},
	events.KindSessionLeft:    {},
	events.KindSessionReaped:  {},
}

// Watcher subscribes to the activity bus and forwards lifecycle events
// through a Multi dispatcher.
type Watcher struct {
	bus   *events.Bus
	multi *Multi
}

// NewWatcher creates a watcher over the given bus and dispatcher.
func NewWatcher(bus *events.Bus, multi *Multi) *Watcher {
	return &Watcher{bus: bus, multi: multi}
}

// Run consumes bus events until ctx is cancelled. Intended to be run as a
// goroutine from main.
func (w *Watcher) Run(ctx context.Context) {
	ch, cancel := w.bus.SubscribeAll()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if _, lifecycle := lifecycleKinds[evt.Kind]; !lifecycle {
				continue
			}
			w.multi.Notify(ctx, evt)
		}
	}
}
