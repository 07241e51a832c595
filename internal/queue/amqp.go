package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"
)

// DefaultAMQPQueueName はディスパッチ用のキュー名。
const DefaultAMQPQueueName = "post_dispatch"

// amqpJob はキューに流すメッセージ本文。
type amqpJob struct {
	PostID string `json:"post_id"`
}

// AMQPQueue はRabbitMQのdurableキューを使うディスパッチキュー。
// 複数のワーカープロセスで1つのキューを共有できる。
type AMQPQueue struct {
	conn     *amqp.Connection
	mu       sync.Mutex
	pubCh    *amqp.Channel
	subCh    *amqp.Channel
	name     string
	prefetch int
	logger   *slog.Logger
}

var _ Queue = (*AMQPQueue)(nil)

// DialAMQP はRabbitMQに接続し、durableキューを宣言する。
// prefetchはワーカー数に合わせる。
func DialAMQP(url, name string, prefetch int, logger *slog.Logger) (*AMQPQueue, error) {
	if name == "" {
		name = DefaultAMQPQueueName
	}
	if prefetch <= 0 {
		prefetch = 1
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open publish channel: %w", err)
	}

	if _, err := pubCh.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	return &AMQPQueue{
		conn:     conn,
		pubCh:    pubCh,
		name:     name,
		prefetch: prefetch,
		logger:   logger,
	}, nil
}

// Enqueue は投稿IDをpersistentメッセージとして発行する。
func (q *AMQPQueue) Enqueue(_ context.Context, postID string) error {
	body, err := json.Marshal(amqpJob{PostID: postID})
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pubCh == nil {
		return ErrClosed
	}

	err = q.pubCh.Publish(
		"",     // default exchange
		q.name, // routing key
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	return nil
}

// Deliveries はキューを購読し、受信チャネルを返す。
// メッセージは手動Ackで、ワーカーが処理を終えるまで未確認のまま残る。
// 不正な本文のメッセージは破棄する。
func (q *AMQPQueue) Deliveries(ctx context.Context) (<-chan Delivery, error) {
	q.mu.Lock()
	ch, err := q.conn.Channel()
	if err != nil {
		q.mu.Unlock()
		return nil, fmt.Errorf("failed to open consume channel: %w", err)
	}
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		q.mu.Unlock()
		ch.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}
	q.subCh = ch
	q.mu.Unlock()

	msgs, err := ch.Consume(
		q.name,
		"",
		false, // autoAck = false
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				var job amqpJob
				if err := json.Unmarshal(d.Body, &job); err != nil || job.PostID == "" {
					q.logger.Warn("不正なキューメッセージを破棄しました",
						slog.String("body", string(d.Body)),
					)
					d.Ack(false)
					continue
				}
				delivery := d
				select {
				case out <- NewDelivery(job.PostID, func() error { return delivery.Ack(false) }):
				case <-ctx.Done():
					d.Nack(false, true)
					return
				}
			}
		}
	}()

	return out, nil
}

// Close はチャネルと接続を閉じる。
func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.subCh != nil {
		q.subCh.Close()
		q.subCh = nil
	}
	if q.pubCh != nil {
		q.pubCh.Close()
		q.pubCh = nil
	}
	return q.conn.Close()
}
