package publish

import (
	"sync"
	"time"
)

// Runtime はTickとDispatchが共有するプロセス内の状態。
// グローバル変数にせず、呼び出し側で生成して渡す。
type Runtime struct {
	Budget   *RateBudget
	InFlight *InFlightSet
}

// NewRuntime はRuntimeを生成する。
func NewRuntime(budget *RateBudget) *Runtime {
	return &Runtime{
		Budget:   budget,
		InFlight: NewInFlightSet(),
	}
}

// InFlightSet はキュー投入済みでまだ処理が終わっていない投稿IDの集合。
// 同じ投稿を何度もキューに入れないために使う。
// Tickで確保した送信枠の返却関数も保持し、送信しなかった場合に枠を戻せるようにする。
// ワーカーが別プロセスの場合Removeが呼ばれないため、古いIDはExpireで破棄する。
type InFlightSet struct {
	mu      sync.Mutex
	entries map[string]*inFlightEntry
}

type inFlightEntry struct {
	at      time.Time
	release func()
}

// NewInFlightSet はInFlightSetを生成する。
func NewInFlightSet() *InFlightSet {
	return &InFlightSet{entries: make(map[string]*inFlightEntry)}
}

// Add はIDを追加する。既に含まれていればfalseを返す。
// releaseはReleaseSlotで一度だけ呼ばれる。nilでもよい。
func (s *InFlightSet) Add(id string, at time.Time, release func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		return false
	}
	s.entries[id] = &inFlightEntry{at: at, release: release}
	return true
}

// ReleaseSlot はIDに紐付く送信枠を返却する。
// 返却した場合true。未登録、または返却済みの場合はfalse。
func (s *InFlightSet) ReleaseSlot(id string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	var release func()
	if ok {
		release, e.release = e.release, nil
	}
	s.mu.Unlock()

	if release == nil {
		return false
	}
	release()
	return true
}

// Expire はbefore以前に追加されたIDを破棄し、破棄した件数を返す。
// 送信枠は返却しない。
func (s *InFlightSet) Expire(before time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.entries {
		if !e.at.After(before) {
			delete(s.entries, id)
			n++
		}
	}
	return n
}

// Remove はIDを取り除く。送信枠は返却しない。
func (s *InFlightSet) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// Contains はIDが含まれているかを返す。
func (s *InFlightSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// Len は件数を返す。
func (s *InFlightSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
