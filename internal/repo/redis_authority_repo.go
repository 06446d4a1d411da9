package repo

import (
	"context"
	"encoding/json"

	"github.com/CineSync/cinesync-server/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisAuthorityRepo はAuthorityRepoのRedis実装
// 一時ホスト付与はルームごとのハッシュ、投票はルームごとに単一のキーで保持します
type RedisAuthorityRepo struct{ rdb *redis.Client }

func NewRedisAuthorityRepo(rdb *redis.Client) *RedisAuthorityRepo {
	return &RedisAuthorityRepo{rdb: rdb}
}

func (ar *RedisAuthorityRepo) PutGrant(ctx context.Context, g models.TemporaryHostSession, ttlSec int) error {
	b, err := json.Marshal(g)
	if err != nil {
		return err
	}
	pipe := ar.rdb.TxPipeline()
	pipe.HSet(ctx, grantsKey(g.RoomId), g.TemporaryHostId, b)
	pipe.Expire(ctx, grantsKey(g.RoomId), sec(ttlSec))
	_, err = pipe.Exec(ctx)
	return err
}

func (ar *RedisAuthorityRepo) GetGrant(ctx context.Context, roomId, hostId string) (models.TemporaryHostSession, bool, error) {
	val, err := ar.rdb.HGet(ctx, grantsKey(roomId), hostId).Bytes()
	if err == redis.Nil {
		return models.TemporaryHostSession{}, false, nil
	}
	if err != nil {
		return models.TemporaryHostSession{}, false, err
	}
	var g models.TemporaryHostSession
	if err := json.Unmarshal(val, &g); err != nil {
		return models.TemporaryHostSession{}, false, err
	}
	return g, true, nil
}

func (ar *RedisAuthorityRepo) ListGrants(ctx context.Context, roomId string) ([]models.TemporaryHostSession, error) {
	vals, err := ar.rdb.HGetAll(ctx, grantsKey(roomId)).Result()
	if err != nil {
		return nil, err
	}
	res := make([]models.TemporaryHostSession, 0, len(vals))
	for _, v := range vals {
		var g models.TemporaryHostSession
		if json.Unmarshal([]byte(v), &g) == nil {
			res = append(res, g)
		}
	}
	return res, nil
}

func (ar *RedisAuthorityRepo) DeleteGrant(ctx context.Context, roomId, hostId string) error {
	return ar.rdb.HDel(ctx, grantsKey(roomId), hostId).Err()
}

func (ar *RedisAuthorityRepo) PutVote(ctx context.Context, v models.PlaybackVote, ttlSec int) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ar.rdb.Set(ctx, voteKey(v.RoomId), b, sec(ttlSec)).Err()
}

func (ar *RedisAuthorityRepo) GetVote(ctx context.Context, roomId string) (models.PlaybackVote, bool, error) {
	val, err := ar.rdb.Get(ctx, voteKey(roomId)).Bytes()
	if err == redis.Nil {
		return models.PlaybackVote{}, false, nil
	}
	if err != nil {
		return models.PlaybackVote{}, false, err
	}
	var v models.PlaybackVote
	if err := json.Unmarshal(val, &v); err != nil {
		return models.PlaybackVote{}, false, err
	}
	return v, true, nil
}

func (ar *RedisAuthorityRepo) DeleteVote(ctx context.Context, roomId string) error {
	return ar.rdb.Del(ctx, voteKey(roomId)).Err()
}
