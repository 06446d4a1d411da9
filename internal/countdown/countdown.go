// Package countdown は同時再生開始のためのカウントダウン同期を担当します
// サーバー基準の開始時刻を1回のイベントで配り、クライアント側で
// 各ステップの時刻を計算させることでネットワーク揺らぎの影響を抑えます
// サーバーからのtick配信は補助・計測用のチャネルです
package countdown

import (
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Broadcaster はルーム内の全接続へイベントを配信するインターフェース
type Broadcaster interface {
	Broadcast(roomId, event string, payload any)
}

// StartPayload はcountdown:startイベントのペイロード
// クライアントはserverStartTimeから各ステップの発火時刻を自前で計算します
type StartPayload struct {
	DurationMs      int64    `json:"durationMs"`      // カウントダウン全体の長さ（ミリ秒）
	Steps           []string `json:"steps"`           // 表示するステップ（例: 3,2,1,GO）
	ServerStartTime int64    `json:"serverStartTime"` // サーバー基準の開始時刻（Unixミリ秒）
}

// TickPayload はcountdown:tickイベントのペイロード
type TickPayload struct {
	Step  string `json:"step"`  // 現在のステップ表示
	Index int    `json:"index"` // ステップのインデックス（0始まり）
}

// Synchronizer はルームごとのカウントダウンタイマーを管理します
// ルーム閉鎖時には未発火のタイマーをすべて取り消し、
// 消滅したルームへイベントが配信されないことを保証します
type Synchronizer struct {
	bc         Broadcaster
	syncBuffer time.Duration // ネットワーク遅延を吸収するバッファ
	total      time.Duration // カウントダウン全体の長さ
	steps      int           // カウントのステップ数（最後にGOが付く）
	now        func() time.Time

	mu      sync.Mutex
	pending map[string][]*time.Timer // ルームID → 未発火のタイマー
}

// NewSynchronizer は新しいSynchronizerを作成します
func NewSynchronizer(bc Broadcaster, syncBuffer, total time.Duration, steps int) *Synchronizer {
	return &Synchronizer{
		bc:         bc,
		syncBuffer: syncBuffer,
		total:      total,
		steps:      steps,
		now:        time.Now,
		pending:    make(map[string][]*time.Timer),
	}
}

// Start はルームのカウントダウンを開始します
// 同じルームで進行中のカウントダウンがあれば取り消して開始し直します
func (s *Synchronizer) Start(roomId string) StartPayload {
	s.CancelRoom(roomId)

	labels := make([]string, 0, s.steps+1)
	for i := s.steps; i >= 1; i-- {
		labels = append(labels, strconv.Itoa(i))
	}
	labels = append(labels, "GO")

	serverStart := s.now().Add(s.syncBuffer)
	stepDur := s.total / time.Duration(len(labels))

	payload := StartPayload{
		DurationMs:      s.total.Milliseconds(),
		Steps:           labels,
		ServerStartTime: serverStart.UnixMilli(),
	}
	s.bc.Broadcast(roomId, "countdown:start", payload)

	// 各ステップは独立したワンショットタイマーで配信する
	s.mu.Lock()
	defer s.mu.Unlock()
	timers := make([]*time.Timer, 0, len(labels)+1)
	for i, label := range labels {
		i, label := i, label
		fireAt := serverStart.Add(time.Duration(i) * stepDur)
		timers = append(timers, time.AfterFunc(time.Until(fireAt), func() {
			s.bc.Broadcast(roomId, "countdown:tick", TickPayload{Step: label, Index: i})
		}))
	}
	completeAt := serverStart.Add(s.total)
	timers = append(timers, time.AfterFunc(time.Until(completeAt), func() {
		s.bc.Broadcast(roomId, "countdown:complete", struct{}{})
		s.clearRoom(roomId)
	}))
	s.pending[roomId] = timers

	log.Debug().Str("roomId", roomId).Int64("serverStartTime", payload.ServerStartTime).Msg("countdown started")
	return payload
}

// CancelRoom はルームの未発火タイマーをすべて取り消します
// ルーム閉鎖時に必ず呼び、消滅したルームへの配信を防ぎます
func (s *Synchronizer) CancelRoom(roomId string) {
	s.mu.Lock()
	timers := s.pending[roomId]
	delete(s.pending, roomId)
	s.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
}

// Stop は全ルームのタイマーを取り消します（プロセス終了時用）
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	all := s.pending
	s.pending = make(map[string][]*time.Timer)
	s.mu.Unlock()

	for _, timers := range all {
		for _, t := range timers {
			t.Stop()
		}
	}
}

// PendingRooms は進行中のカウントダウンを持つルーム数を返します
func (s *Synchronizer) PendingRooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Synchronizer) clearRoom(roomId string) {
	s.mu.Lock()
	delete(s.pending, roomId)
	s.mu.Unlock()
}

// SetNow はテスト用に時刻取得関数を差し替えます
func (s *Synchronizer) SetNow(now func() time.Time) {
	s.now = now
}
