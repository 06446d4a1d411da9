package handlers

import (
	"sync"

	"github.com/CineSync/cinesync-server/internal/models"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Connection は1つのクライアント接続を表す能力インターフェース
// 特定のトランスポートライブラリに依存せずイベントを送信できます
type Connection interface {
	Send(event string, payload any)
	ID() string
	Identity() models.Identity
}

// WebSocketMessage はWebSocketで送信するメッセージの構造
// すべてのメッセージはこの形式でやり取りされます
type WebSocketMessage struct {
	Type    string `json:"type"`              // イベント名 (例: "room:state", "room:participant:joined")
	Payload any    `json:"payload,omitempty"` // イベントのペイロード
}

// Client は1つのWebSocket接続を表します
// gorilla/websocketの書き込みは並行安全ではないためロックで直列化します
type Client struct {
	connectionId string          // 接続の一意な識別子
	identity     models.Identity // 検証済みの身元情報
	conn         *websocket.Conn // WebSocket接続
	writeMu      sync.Mutex      // 書き込みのロック
}

func (c *Client) Send(event string, payload any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(WebSocketMessage{Type: event, Payload: payload}); err != nil {
		log.Debug().Err(err).Str("connectionId", c.connectionId).Msg("failed to send message")
	}
}

func (c *Client) ID() string                { return c.connectionId }
func (c *Client) Identity() models.Identity { return c.identity }

// wsRoom は1つのルームのWebSocket接続を管理します
type wsRoom struct {
	roomId  string             // ルームID
	clients map[string]*Client // 参加者IDをキーとしたクライアントのマップ
	mu      sync.RWMutex       // 読み書きのロック
}

// RoomHub はルームごとのWebSocket接続を管理します
// スレッドセーフな実装により、複数のgoroutineから同時にアクセス可能です
type RoomHub struct {
	rooms map[string]*wsRoom // ルームIDをキーとしたルームのマップ
	mu    sync.RWMutex       // 読み書きのロック
}

func NewRoomHub() *RoomHub {
	return &RoomHub{rooms: make(map[string]*wsRoom)}
}

// Join はクライアントをルームの配信対象に加えます
func (hub *RoomHub) Join(roomId, participantId string, client *Client) {
	hub.mu.Lock()
	room, exists := hub.rooms[roomId]
	if !exists {
		room = &wsRoom{roomId: roomId, clients: make(map[string]*Client)}
		hub.rooms[roomId] = room
	}
	hub.mu.Unlock()

	room.mu.Lock()
	room.clients[participantId] = client
	room.mu.Unlock()
}

// Leave はクライアントをルームの配信対象から外します
// ルームが空になった場合はルーム自体を削除します
func (hub *RoomHub) Leave(roomId, participantId string) {
	hub.mu.RLock()
	room, exists := hub.rooms[roomId]
	hub.mu.RUnlock()
	if !exists {
		return
	}

	room.mu.Lock()
	delete(room.clients, participantId)
	isEmpty := len(room.clients) == 0
	room.mu.Unlock()

	if isEmpty {
		hub.mu.Lock()
		delete(hub.rooms, roomId)
		hub.mu.Unlock()
	}
}

// Broadcast はルーム内の全クライアントにメッセージを送信します
func (hub *RoomHub) Broadcast(roomId, event string, payload any) {
	hub.BroadcastExcept(roomId, "", event, payload)
}

// BroadcastExcept はルーム内の全クライアントにメッセージを送信します（指定参加者を除く）
func (hub *RoomHub) BroadcastExcept(roomId, excludeParticipantId, event string, payload any) {
	hub.mu.RLock()
	room, exists := hub.rooms[roomId]
	hub.mu.RUnlock()
	if !exists {
		return
	}

	room.mu.RLock()
	defer room.mu.RUnlock()
	for participantId, client := range room.clients {
		if participantId == excludeParticipantId {
			continue
		}
		client.Send(event, payload)
	}
}

// SendTo はルーム内の特定参加者にだけメッセージを送信します
func (hub *RoomHub) SendTo(roomId, participantId, event string, payload any) {
	hub.mu.RLock()
	room, exists := hub.rooms[roomId]
	hub.mu.RUnlock()
	if !exists {
		return
	}

	room.mu.RLock()
	client := room.clients[participantId]
	room.mu.RUnlock()
	if client != nil {
		client.Send(event, payload)
	}
}

// CloseRoom はルーム内の全接続を切断し、配信対象から外します
// ライフサイクルモニターによるルーム閉鎖時に呼ばれます
func (hub *RoomHub) CloseRoom(roomId string) {
	hub.mu.Lock()
	room, exists := hub.rooms[roomId]
	delete(hub.rooms, roomId)
	hub.mu.Unlock()
	if !exists {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	for _, client := range room.clients {
		_ = client.conn.Close()
	}
	room.clients = make(map[string]*Client)
}

// Count はルーム内の接続数を返します
func (hub *RoomHub) Count(roomId string) int {
	hub.mu.RLock()
	room, exists := hub.rooms[roomId]
	hub.mu.RUnlock()
	if !exists {
		return 0
	}
	room.mu.RLock()
	defer room.mu.RUnlock()
	return len(room.clients)
}
