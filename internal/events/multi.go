package events

import (
	"context"

	"github.com/atmx/callmarket/internal/clearing"
)

// Multi delivers each outcome to every notifier in order. Nil entries are
// skipped.
type Multi []clearing.Notifier

func (m Multi) Notify(ctx context.Context, o clearing.Outcome) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, o)
		}
	}
}
