// Package notify pushes job outcomes to every connected client.
package notify

import (
	"context"

	"todo-realtime/internal/logging"
	"todo-realtime/internal/models"
)

// Broadcaster delivers a payload to every live connection.
type Broadcaster interface {
	Broadcast(event string, payload any)
}

// Bridge is a scheduler observer that broadcasts each written JobRun as a jobUpdate event.
type Bridge struct {
	out Broadcaster
}

func NewBridge(out Broadcaster) *Bridge {
	return &Bridge{out: out}
}

// JobCompleted broadcasts run. The row is already persisted, so nothing here can undo it.
func (b *Bridge) JobCompleted(ctx context.Context, run models.JobRun) {
	b.out.Broadcast(models.EventJobUpdate, run)

	l := logging.Ctx(ctx)
	l.Debug().
		Str(logging.FieldJob, run.Name).
		Str(logging.FieldRunID, run.ID).
		Str("status", run.Status).
		Msg("job update broadcast")
}
