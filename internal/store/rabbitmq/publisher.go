package rabbitmq

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/chat-dispatch/internal/common"
	"github.com/suPer8Hu/chat-dispatch/internal/dispatch"
)

// ResultMessage is the wire form of a background-processed result.
type ResultMessage struct {
	ID     string          `json:"id"`
	Result dispatch.Result `json:"result"`
}

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	mu    sync.Mutex
}

func retryQueue(queue string) string { return queue + ".retry" }
func dlqQueue(queue string) string   { return queue + ".dlq" }

// declareTopology declares the main queue with its retry and dead-letter
// queues. Retry messages dead-letter back to main after their TTL; rejected
// main messages go to the DLQ.
func declareTopology(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(dlqQueue(queue), true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(retryQueue(queue), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}); err != nil {
		return err
	}
	_, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlqQueue(queue),
	})
	return err
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := declareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func encodeResult(r dispatch.Result) (ResultMessage, []byte, error) {
	id, err := common.NewULID()
	if err != nil {
		return ResultMessage{}, nil, err
	}
	msg := ResultMessage{ID: id, Result: r}
	body, err := json.Marshal(msg)
	if err != nil {
		return ResultMessage{}, nil, err
	}
	return msg, body, nil
}

// PublishResult implements dispatch.ResultSink.
func (p *Publisher) PublishResult(ctx context.Context, r dispatch.Result) error {
	msg, body, err := encodeResult(r)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(cctx,
		"",      // default exchange
		p.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}
