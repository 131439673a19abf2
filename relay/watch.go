package relay

import (
	"context"
	"fmt"

	"github.com/Meander-Cloud/go-schedule/scheduler"

	"github.com/Meander-Cloud/go-relay/config"
	g "github.com/Meander-Cloud/go-relay/group"
)

// Watch reloads the node whenever the file at path changes. Bursts of
// changes within the configured debounce window cause one reload.
func (n *Node) Watch(ctx context.Context, path string) error {
	return n.serialize(ctx, func() error {
		// invoked on arbiter goroutine
		if n.watcher != nil {
			err := fmt.Errorf("%s: already watching", n.c.Prefix())
			n.log.Warnf("%s", err.Error())
			return err
		}

		watcher, err := config.NewWatcher(path, n.configChanged, n.log)
		if err != nil {
			return err
		}
		n.watcher = watcher
		return nil
	})
}

// invoked on watcher goroutine
func (n *Node) configChanged() {
	if !n.running.Load() {
		return
	}

	n.a.Dispatch(
		func() {
			// invoked on arbiter goroutine
			n.scheduleReload()
		},
	)
}

// invoked on arbiter goroutine
func (n *Node) scheduleReload() {
	if n.reloadScheduled {
		// restart the debounce window
		n.a.Scheduler().ProcessSync(
			&scheduler.ReleaseGroupEvent[g.Group]{
				Group: g.GroupWatchDebounce,
			},
		)
		n.reloadScheduled = false
	}

	n.a.Scheduler().ProcessSync(
		&scheduler.ScheduleAsyncEvent[g.Group]{
			AsyncVariant: scheduler.TimerAsync(
				true,
				[]g.Group{g.GroupWatchDebounce},
				n.c.WatchDebounceDelay(),
				func() {
					// invoked on arbiter goroutine
					n.reloadScheduled = false

					err := n.reload()
					if err != nil {
						n.log.Warnf("%s: watch reload failed, err=%s", n.c.Prefix(), err.Error())
						return
					}
					n.log.Infof("%s: watch reload done", n.c.Prefix())
				},
				nil,
			),
		},
	)

	n.reloadScheduled = true
}

func (n *Node) unwatch() {
	if n.watcher == nil {
		return
	}

	n.watcher.Close() // wait
	n.watcher = nil
}
