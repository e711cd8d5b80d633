package amqptopo

import (
	"context"

	"github.com/glimte/amqptopo/internal/rabbitmq"
	"github.com/google/uuid"
)

// replyToPseudoQueue is RabbitMQ's direct reply-to pseudo-queue, used so an
// RPC caller can receive a single correlated reply without declaring a
// dedicated reply queue of its own.
const replyToPseudoQueue = "amq.rabbitmq.reply-to"

// doRPC issues a single request/reply round trip over ch: it sets msg's
// ReplyTo to the direct reply-to pseudo-queue (assigning a CorrelationID if
// msg didn't already carry one), consumes exactly one reply, and cancels the
// one-shot consumer before returning.
func doRPC(ctx context.Context, ch rabbitmq.Channel, msg Message, publish func(Message) error) (Message, error) {
	if msg.Properties.CorrelationID == "" {
		msg.Properties.CorrelationID = uuid.NewString()
	}
	msg.Properties.ReplyTo = replyToPseudoQueue

	tag := uuid.NewString()
	deliveries, err := ch.Consume(replyToPseudoQueue, tag, true, false, false, false, nil)
	if err != nil {
		return Message{}, &rabbitmq.ConsumerError{Queue: replyToPseudoQueue, ConsumerTag: tag, Op: "consume", Err: err}
	}
	defer func() { _ = ch.Cancel(tag, false) }()

	if err := publish(msg); err != nil {
		return Message{}, err
	}

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return Message{}, rabbitmq.ErrConnectionNotReady
			}
			if d.CorrelationId != msg.Properties.CorrelationID {
				continue
			}
			return messageFromDelivery(ch, d), nil
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}
