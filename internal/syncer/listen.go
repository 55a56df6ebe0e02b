package syncer

import (
	"context"
	"fmt"

	"edgeattend/internal/queue"
)

// Listen executes operator commands from q until ctx is done. Commands reuse
// the same code paths as the loop and the API.
func (o *Orchestrator) Listen(ctx context.Context, q queue.Queue) error {
	msgs, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("consume control queue: %w", err)
	}
	o.logger.Info("listening for operator commands")
	for msg := range msgs {
		if err := o.handle(ctx, msg); err != nil {
			o.logger.Error("operator command failed", "type", msg.Type, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) handle(ctx context.Context, msg queue.Message) error {
	o.logger.Info("operator command received", "type", msg.Type, "issued_at", msg.At)
	switch msg.Type {
	case queue.TypeDrain:
		o.Trigger()
		return nil
	case queue.TypeResync:
		_, _, err := o.ResyncAll(ctx)
		return err
	case queue.TypeArchive:
		var body queue.ArchiveBody
		if err := msg.Decode(&body); err != nil {
			return fmt.Errorf("decode archive command: %w", err)
		}
		_, err := o.ArchiveStale(ctx, body.OlderThan)
		return err
	default:
		return fmt.Errorf("unknown command %q", msg.Type)
	}
}
