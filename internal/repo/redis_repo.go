package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/CineSync/cinesync-server/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisRoomRepo はRoomRepoのRedis実装
type RedisRoomRepo struct{ rdb *redis.Client }

func NewRedisRoomRepo(rdb *redis.Client) *RedisRoomRepo {
	return &RedisRoomRepo{rdb: rdb}
}

const roomIndexKey = "rooms:index"

func roomKey(id string) string {
	return fmt.Sprintf("room:%s", id)
}
func codeKey(code string) string {
	return fmt.Sprintf("roomcode:%s", code)
}
func participantsKey(id string) string {
	return fmt.Sprintf("room:%s:participants", id)
}
func playbackKey(id string) string {
	return fmt.Sprintf("room:%s:playback", id)
}
func onlineKey(id string) string {
	return fmt.Sprintf("room:%s:online", id)
}
func activityKey(id string) string {
	return fmt.Sprintf("room:%s:activity", id)
}
func warnedKey(id string) string {
	return fmt.Sprintf("room:%s:warned", id)
}
func grantsKey(id string) string {
	return fmt.Sprintf("room:%s:hostgrants", id)
}
func voteKey(id string) string {
	return fmt.Sprintf("room:%s:vote", id)
}
func eventsKey(id string) string {
	return fmt.Sprintf("room:%s:events", id)
}

func sec(v int) time.Duration {
	return time.Duration(v) * time.Second
}

func (rr *RedisRoomRepo) CreateRoom(ctx context.Context, room models.Room, ttlSec int) error {
	b, err := json.Marshal(room)
	if err != nil {
		return err
	}
	d := sec(ttlSec)

	// コードの予約はNXで行い、生きているルーム間での一意性を保証する
	ok, err := rr.rdb.SetArgs(ctx, codeKey(room.Code), room.RoomId, redis.SetArgs{Mode: "NX", TTL: d}).Result()
	if err != nil {
		return err
	}
	if ok != "OK" {
		return ErrRoomExists
	}

	pipe := rr.rdb.TxPipeline()
	pipe.Set(ctx, roomKey(room.RoomId), b, d)
	pipe.SAdd(ctx, roomIndexKey, room.RoomId)
	_, err = pipe.Exec(ctx)
	if err != nil {
		// コード予約をロールバック
		_ = rr.rdb.Del(ctx, codeKey(room.Code)).Err()
		return err
	}
	return nil
}

func (rr *RedisRoomRepo) GetRoom(ctx context.Context, roomId string) (models.Room, bool, error) {
	val, err := rr.rdb.Get(ctx, roomKey(roomId)).Bytes()
	if err == redis.Nil { // データがない
		return models.Room{}, false, nil
	}
	if err != nil { // エラー
		return models.Room{}, false, err
	}
	var r models.Room
	if err := json.Unmarshal(val, &r); err != nil {
		return models.Room{}, false, err
	}
	return r, true, nil
}

func (rr *RedisRoomRepo) UpdateRoom(ctx context.Context, room models.Room, ttlSec int) error {
	b, err := json.Marshal(room)
	if err != nil {
		return err
	}
	return rr.rdb.Set(ctx, roomKey(room.RoomId), b, sec(ttlSec)).Err()
}

func (rr *RedisRoomRepo) ResolveCode(ctx context.Context, code string) (string, bool, error) {
	id, err := rr.rdb.Get(ctx, codeKey(code)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (rr *RedisRoomRepo) ListRoomIds(ctx context.Context) ([]string, error) {
	return rr.rdb.SMembers(ctx, roomIndexKey).Result()
}

func (rr *RedisRoomRepo) DeleteRoom(ctx context.Context, roomId, code string) error {
	// Luaスクリプトでルームに属する全キーをアトミックに削除
	script := `
		local keys_to_delete = {}
		for i = 1, #KEYS do
			table.insert(keys_to_delete, KEYS[i])
		end
		redis.call('DEL', unpack(keys_to_delete))
		redis.call('SREM', ARGV[1], ARGV[2])
		return 'OK'
	`
	keys := []string{
		roomKey(roomId), participantsKey(roomId), playbackKey(roomId),
		onlineKey(roomId), activityKey(roomId), warnedKey(roomId),
		grantsKey(roomId), voteKey(roomId), eventsKey(roomId),
	}
	if code != "" {
		keys = append(keys, codeKey(code))
	}
	return rr.rdb.Eval(ctx, script, keys, roomIndexKey, roomId).Err()
}

// addParticipantScript は定員チェックと参加者追加をアトミックに行います
// 既存参加者の再参加（上書き）は定員に影響しないため許可します
var addParticipantScript = redis.NewScript(`
	local pkey = KEYS[1]
	local rkey = KEYS[2]
	local pid = ARGV[1]
	local data = ARGV[2]
	local max = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	if redis.call('HEXISTS', pkey, pid) == 0 then
		local count = redis.call('HLEN', pkey)
		if count >= max then
			return 'FULL'
		end
	end

	redis.call('HSET', pkey, pid, data)
	redis.call('EXPIRE', pkey, ttl)
	redis.call('EXPIRE', rkey, ttl)
	return 'OK'
`)

func (rr *RedisRoomRepo) AddParticipant(ctx context.Context, roomId string, p models.Participant, maxParticipants, ttlSec int) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	res, err := addParticipantScript.Run(ctx, rr.rdb,
		[]string{participantsKey(roomId), roomKey(roomId)},
		p.ParticipantId, b, maxParticipants, ttlSec).Text()
	if err != nil {
		return err
	}
	if res == "FULL" {
		return ErrRoomFull
	}
	return nil
}

func (rr *RedisRoomRepo) RemoveParticipant(ctx context.Context, roomId, participantId string) error {
	return rr.rdb.HDel(ctx, participantsKey(roomId), participantId).Err()
}

func (rr *RedisRoomRepo) GetParticipant(ctx context.Context, roomId, participantId string) (models.Participant, bool, error) {
	val, err := rr.rdb.HGet(ctx, participantsKey(roomId), participantId).Bytes()
	if err == redis.Nil {
		return models.Participant{}, false, nil
	}
	if err != nil {
		return models.Participant{}, false, err
	}
	var p models.Participant
	if err := json.Unmarshal(val, &p); err != nil {
		return models.Participant{}, false, err
	}
	return p, true, nil
}

func (rr *RedisRoomRepo) ListParticipants(ctx context.Context, roomId string) ([]models.Participant, error) {
	vals, err := rr.rdb.HGetAll(ctx, participantsKey(roomId)).Result()
	if err != nil {
		return nil, err
	}
	res := make([]models.Participant, 0, len(vals))
	for _, v := range vals {
		var p models.Participant
		if json.Unmarshal([]byte(v), &p) == nil {
			res = append(res, p)
		}
	}
	return res, nil
}

func (rr *RedisRoomRepo) UpdateParticipant(ctx context.Context, roomId string, p models.Participant, ttlSec int) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	pipe := rr.rdb.TxPipeline()
	pipe.HSet(ctx, participantsKey(roomId), p.ParticipantId, b)
	pipe.Expire(ctx, participantsKey(roomId), sec(ttlSec))
	_, err = pipe.Exec(ctx)
	return err
}

func (rr *RedisRoomRepo) GetPlayback(ctx context.Context, roomId string) (models.PlaybackState, bool, error) {
	val, err := rr.rdb.Get(ctx, playbackKey(roomId)).Bytes()
	if err == redis.Nil {
		return models.PlaybackState{}, false, nil
	}
	if err != nil {
		return models.PlaybackState{}, false, err
	}
	var s models.PlaybackState
	if err := json.Unmarshal(val, &s); err != nil {
		return models.PlaybackState{}, false, err
	}
	return s, true, nil
}

// upsertPlaybackScript はバージョン照合付きの書き込みです
// 読み取り時のバージョンと保存済みバージョンが一致する場合のみ、
// バージョンを+1して新しい状態を保存します
var upsertPlaybackScript = redis.NewScript(`
	local key = KEYS[1]
	local expected = tonumber(ARGV[1])
	local data = ARGV[2]
	local ttl = tonumber(ARGV[3])

	local cur = redis.call('GET', key)
	if cur then
		local stored = cjson.decode(cur)
		if tonumber(stored.version) ~= expected then
			return 'CONFLICT'
		end
	elseif expected ~= 0 then
		return 'CONFLICT'
	end

	redis.call('SET', key, data, 'EX', ttl)
	return 'OK'
`)

func (rr *RedisRoomRepo) UpsertPlayback(ctx context.Context, roomId string, state models.PlaybackState, ttlSec int) error {
	expected := state.Version
	state.Version = expected + 1
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	res, err := upsertPlaybackScript.Run(ctx, rr.rdb, []string{playbackKey(roomId)}, expected, b, ttlSec).Text()
	if err != nil {
		return err
	}
	if res == "CONFLICT" {
		return ErrVersionConflict
	}
	return nil
}

func (rr *RedisRoomRepo) MarkOnline(ctx context.Context, roomId, connectionId string, ttlSec int) error {
	pipe := rr.rdb.TxPipeline()
	pipe.SAdd(ctx, onlineKey(roomId), connectionId)
	pipe.Expire(ctx, onlineKey(roomId), sec(ttlSec))
	_, err := pipe.Exec(ctx)
	return err
}

func (rr *RedisRoomRepo) MarkOffline(ctx context.Context, roomId, connectionId string) error {
	return rr.rdb.SRem(ctx, onlineKey(roomId), connectionId).Err()
}

func (rr *RedisRoomRepo) CountOnline(ctx context.Context, roomId string) (int64, error) {
	return rr.rdb.SCard(ctx, onlineKey(roomId)).Result()
}

func (rr *RedisRoomRepo) TouchRoom(ctx context.Context, roomId string, ttlSec int) error {
	// Luaスクリプトでルームに属する全キーのTTLをまとめて更新
	script := `
		local ttl = tonumber(ARGV[1])
		for i = 1, #KEYS do
			redis.call('EXPIRE', KEYS[i], ttl)
		end
		return 'OK'
	`
	keys := []string{
		roomKey(roomId), participantsKey(roomId), playbackKey(roomId),
		onlineKey(roomId), activityKey(roomId),
		grantsKey(roomId), voteKey(roomId), eventsKey(roomId),
	}
	return rr.rdb.Eval(ctx, script, keys, ttlSec).Err()
}

func (rr *RedisRoomRepo) TouchActivity(ctx context.Context, roomId string, atMs int64, ttlSec int) error {
	pipe := rr.rdb.TxPipeline()
	pipe.Set(ctx, activityKey(roomId), atMs, sec(ttlSec))
	// 活動があったのでアイドル警告の状態をリセット
	pipe.Del(ctx, warnedKey(roomId))
	_, err := pipe.Exec(ctx)
	return err
}

func (rr *RedisRoomRepo) GetActivity(ctx context.Context, roomId string) (int64, bool, error) {
	val, err := rr.rdb.Get(ctx, activityKey(roomId)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	at, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return at, true, nil
}

func (rr *RedisRoomRepo) MarkWarned(ctx context.Context, roomId string, ttlSec int) (bool, error) {
	// NXで立てることで同一アイドル期間中の二重警告を防ぐ
	ok, err := rr.rdb.SetArgs(ctx, warnedKey(roomId), 1, redis.SetArgs{Mode: "NX", TTL: sec(ttlSec)}).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ok == "OK", nil
}
