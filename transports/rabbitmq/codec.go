package rabbitmq

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/procmate-go/contracts"
)

const (
	// DefaultExchange is the topic exchange carrying broadcast subjects.
	DefaultExchange = "procmate.broadcast"

	contentTypeJSON = "application/json"

	rpcQueuePrefix   = "procmate.rpc."
	replyQueuePrefix = "procmate.reply."
)

// rpcQueueName is the control queue owned by an RPC target, usually a pid.
func rpcQueueName(target string) string {
	return rpcQueuePrefix + target
}

// newReplyQueueName names a communicator's private reply queue.
func newReplyQueueName() string {
	return replyQueuePrefix + uuid.New().String()
}

// envelopePublishing maps an envelope onto the AMQP message shape. Task
// messages are marked persistent so they survive a broker restart inside
// their durable queue.
func envelopePublishing(env *contracts.Envelope, replyTo string, persistent bool) (amqp.Publishing, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode envelope: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:   contentTypeJSON,
		MessageId:     uuid.New().String(),
		CorrelationId: env.CorrelationID,
		ReplyTo:       replyTo,
		Timestamp:     env.Timestamp,
		Body:          body,
	}
	if persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	return msg, nil
}

// responsePublishing maps an acknowledgement onto the AMQP message shape.
func responsePublishing(resp *contracts.Response) (amqp.Publishing, error) {
	body, err := json.Marshal(resp)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode response: %w", err)
	}
	return amqp.Publishing{
		ContentType:   contentTypeJSON,
		CorrelationId: resp.CorrelationID,
		Body:          body,
	}, nil
}

// decodeEnvelope parses and validates an inbound envelope.
func decodeEnvelope(body []byte) (*contracts.Envelope, error) {
	var env contracts.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// decodeResponse parses an inbound acknowledgement.
func decodeResponse(body []byte) (*contracts.Response, error) {
	var resp contracts.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}
