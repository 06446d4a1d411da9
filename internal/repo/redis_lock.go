package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisRoomLock はルーム単位のロックをRedisで実現します
// 複数プロセスが同じルームを同時に書き換えないよう、
// read-modify-writeの間だけSET NX PXでロックを取得します
type RedisRoomLock struct {
	rdb      *redis.Client
	lockTTL  time.Duration // ロック自体の有効期限（保持者が死んでも自動解放される）
	waitFor  time.Duration // 取得を諦めるまでの待ち時間
	retryGap time.Duration // 再試行の間隔
}

func NewRedisRoomLock(rdb *redis.Client) *RedisRoomLock {
	return &RedisRoomLock{
		rdb:      rdb,
		lockTTL:  3 * time.Second,
		waitFor:  2 * time.Second,
		retryGap: 20 * time.Millisecond,
	}
}

func lockKey(id string) string {
	return fmt.Sprintf("room:%s:lock", id)
}

// 自分が取得したロックのみを解放するための比較付き削除
var unlockScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

func (rl *RedisRoomLock) WithRoomLock(ctx context.Context, roomId string, fn func() error) error {
	token := uuid.NewString()
	key := lockKey(roomId)

	deadline := time.Now().Add(rl.waitFor)
	for {
		ok, err := rl.rdb.SetNX(ctx, key, token, rl.lockTTL).Result()
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rl.retryGap):
		}
	}

	defer func() {
		_ = unlockScript.Run(context.WithoutCancel(ctx), rl.rdb, []string{key}, token).Err()
	}()

	return fn()
}
