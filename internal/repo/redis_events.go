package repo

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// RedisEventSink はシステムイベントをRedis Streamに書き込みます
// チャット保存層はこのStreamを購読して入退室・操作権変更などを取り込みます
type RedisEventSink struct {
	rdb    *redis.Client
	maxLen int64
	ttlSec int
}

func NewRedisEventSink(rdb *redis.Client, ttlSec int) *RedisEventSink {
	return &RedisEventSink{rdb: rdb, maxLen: 1000, ttlSec: ttlSec}
}

func (es *RedisEventSink) Append(ctx context.Context, roomId, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	pipe := es.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: eventsKey(roomId),
		MaxLen: es.maxLen,
		Approx: true,
		Values: map[string]any{"event": event, "payload": b},
	})
	pipe.Expire(ctx, eventsKey(roomId), sec(es.ttlSec))
	_, err = pipe.Exec(ctx)
	return err
}
