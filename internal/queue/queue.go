// Package queue はTickからワーカーへ投稿IDを受け渡すディスパッチキューを提供する。
// インメモリ（単一プロセス）とAMQP（RabbitMQ、複数プロセス）の実装がある。
package queue

import (
	"context"
	"errors"
)

// ErrQueueFull はキューが満杯で投稿IDを受け付けられないことを示す。
// 投稿はdueのまま残り、次回のTickで再度キューに入る。
var ErrQueueFull = errors.New("dispatch queue is full")

// ErrClosed はクローズ済みのキューを操作したことを示す。
var ErrClosed = errors.New("dispatch queue is closed")

// Delivery はキューから受け取った1件の投稿ID。
// 処理後にAckを呼ぶ。
type Delivery struct {
	PostID string
	ack    func() error
}

// NewDelivery はDeliveryを生成する。ackがnilの場合Ackは何もしない。
func NewDelivery(postID string, ack func() error) Delivery {
	return Delivery{PostID: postID, ack: ack}
}

// Ack は処理完了を通知する。
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Queue はディスパッチキューのインターフェース。
type Queue interface {
	// Enqueue は投稿IDをキューに入れる。ブロックせず、満杯の場合はErrQueueFullを返す。
	Enqueue(ctx context.Context, postID string) error
	// Deliveries は受信チャネルを返す。Close後にチャネルは閉じられる。
	Deliveries(ctx context.Context) (<-chan Delivery, error)
	// Close はキューを閉じる。
	Close() error
}
