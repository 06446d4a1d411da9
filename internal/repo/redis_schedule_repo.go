package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/CineSync/cinesync-server/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisScheduleRepo はScheduleRepoのRedis実装
// 予約レコード本体はJSONで保持し、開始予定時刻をスコアにしたZSETで引けるようにします
type RedisScheduleRepo struct{ rdb *redis.Client }

func NewRedisScheduleRepo(rdb *redis.Client) *RedisScheduleRepo {
	return &RedisScheduleRepo{rdb: rdb}
}

const scheduledIndexKey = "rooms:scheduled"

func scheduledKey(id string) string {
	return fmt.Sprintf("scheduled:%s", id)
}

func (sr *RedisScheduleRepo) CreateScheduled(ctx context.Context, s models.ScheduledRoom) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	pipe := sr.rdb.TxPipeline()
	pipe.Set(ctx, scheduledKey(s.ScheduleId), b, 0)
	pipe.ZAdd(ctx, scheduledIndexKey, redis.Z{Score: float64(s.ScheduledFor), Member: s.ScheduleId})
	_, err = pipe.Exec(ctx)
	return err
}

func (sr *RedisScheduleRepo) GetScheduled(ctx context.Context, scheduleId string) (models.ScheduledRoom, bool, error) {
	val, err := sr.rdb.Get(ctx, scheduledKey(scheduleId)).Bytes()
	if err == redis.Nil {
		return models.ScheduledRoom{}, false, nil
	}
	if err != nil {
		return models.ScheduledRoom{}, false, err
	}
	var s models.ScheduledRoom
	if err := json.Unmarshal(val, &s); err != nil {
		return models.ScheduledRoom{}, false, err
	}
	return s, true, nil
}

func (sr *RedisScheduleRepo) UpdateScheduled(ctx context.Context, s models.ScheduledRoom) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return sr.rdb.Set(ctx, scheduledKey(s.ScheduleId), b, 0).Err()
}

func (sr *RedisScheduleRepo) DeleteScheduled(ctx context.Context, scheduleId string) error {
	pipe := sr.rdb.TxPipeline()
	pipe.ZRem(ctx, scheduledIndexKey, scheduleId)
	pipe.Del(ctx, scheduledKey(scheduleId))
	_, err := pipe.Exec(ctx)
	return err
}

func (sr *RedisScheduleRepo) ListPending(ctx context.Context, beforeMs int64) ([]models.ScheduledRoom, error) {
	return sr.listRange(ctx, "-inf", strconv.FormatInt(beforeMs, 10))
}

func (sr *RedisScheduleRepo) ListUpcoming(ctx context.Context, fromMs, toMs int64) ([]models.ScheduledRoom, error) {
	return sr.listRange(ctx, strconv.FormatInt(fromMs, 10), strconv.FormatInt(toMs, 10))
}

func (sr *RedisScheduleRepo) listRange(ctx context.Context, min, max string) ([]models.ScheduledRoom, error) {
	ids, err := sr.rdb.ZRangeByScore(ctx, scheduledIndexKey, &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []models.ScheduledRoom{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = scheduledKey(id)
	}

	// 一括取得
	vals, err := sr.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	res := make([]models.ScheduledRoom, 0, len(ids))
	for _, val := range vals {
		if val == nil {
			continue
		}
		b, ok := val.(string)
		if !ok {
			continue
		}
		var s models.ScheduledRoom
		if json.Unmarshal([]byte(b), &s) == nil {
			res = append(res, s)
		}
	}
	return res, nil
}
