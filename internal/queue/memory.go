package queue

import (
	"context"
	"sync"
)

// MemoryQueue はバッファ付きチャネルによるインメモリキュー。
// プロセス再起動で内容は失われるが、投稿はDBでdueのまま残るため次回Tickで再投入される。
type MemoryQueue struct {
	ch     chan Delivery
	mu     sync.RWMutex
	closed bool
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue は容量sizeのMemoryQueueを生成する。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1
	}
	return &MemoryQueue{ch: make(chan Delivery, size)}
}

// Enqueue は投稿IDをキューに入れる。
func (q *MemoryQueue) Enqueue(_ context.Context, postID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	select {
	case q.ch <- NewDelivery(postID, nil):
		return nil
	default:
		return ErrQueueFull
	}
}

// Deliveries は受信チャネルを返す。
func (q *MemoryQueue) Deliveries(_ context.Context) (<-chan Delivery, error) {
	return q.ch, nil
}

// Len はキュー内の件数を返す。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close はキューを閉じる。2回目以降の呼び出しは何もしない。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}
