package realtime

import (
	"github.com/Zykairotis/corpusd/internal/jobs"
)

// JobRelay converts queue notifications into bus events. Handed to
// Queue.Listen it bridges Postgres job transitions to WebSocket
// watchers without polling; wake, when set, nudges local workers so a
// fresh enqueue is picked up immediately.
func JobRelay(bus *Bus, wake func()) func(jobs.Notification) {
	return func(n jobs.Notification) {
		if n.State == jobs.StateQueued && wake != nil {
			wake()
		}

		bus.Publish(Event{
			Topic:   TopicJobProgress,
			Project: n.Project,
			Payload: JobProgress{
				JobID:    n.JobID,
				Dataset:  n.Dataset,
				Kind:     n.Kind,
				State:    n.State,
				Phase:    n.Phase,
				Progress: n.Progress,
				Error:    n.Error,
			},
		})

		if n.State == jobs.StateFailed {
			bus.Publish(Event{
				Topic:   TopicError,
				Project: n.Project,
				Payload: ErrorEvent{Message: n.Error},
			})
		}
	}
}
