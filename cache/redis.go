package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"iot-anomaly-pipeline/models"
)

const (
	DefaultLockTTL = 30 * time.Second

	lockPoll     = 50 * time.Millisecond
	statusTTL    = 24 * time.Hour
	lockPrefix   = "anomaly:lock:"
	statusPrefix = "anomaly:status:"
)

// releaseScript deletes the lock only if it still holds our token, so an
// expired lock re-acquired by another process is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lock only while it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type RedisClient struct {
	client  *redis.Client
	lockTTL time.Duration
}

func NewRedisClient(addr string) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           0,
		PoolSize:     16,
		MinIdleConns: 2,
		MaxRetries:   3,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}

	return &RedisClient{client: rdb, lockTTL: DefaultLockTTL}, nil
}

func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

// SetLockTTL sets how long a room lock outlives a holder that stopped
// renewing it. Holders renew at a third of the TTL.
func (rc *RedisClient) SetLockTTL(ttl time.Duration) {
	if ttl > 0 {
		rc.lockTTL = ttl
	}
}

// Lock takes the cross-process lock for a room's model, polling until
// it is free or ctx is done. The lock is renewed until released and
// expires one TTL after its holder dies.
func (rc *RedisClient) Lock(ctx context.Context, room string) (func(), error) {
	key := lockPrefix + room
	token := uuid.NewString()
	ttl := rc.lockTTL

	for {
		acquired, err := rc.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquiring lock for room %s: %w", room, err)
		}
		if acquired {
			return rc.hold(key, token, ttl), nil
		}

		timer := time.NewTimer(lockPoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("acquiring lock for room %s: %w", room, ctx.Err())
		case <-timer.C:
		}
	}
}

// hold renews the lock in the background and returns its release func.
func (rc *RedisClient) hold(key, token string, ttl time.Duration) func() {
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				renewCtx, cancel := context.WithTimeout(context.Background(), ttl/3)
				renewed, err := renewScript.Run(renewCtx, rc.client, []string{key}, token, ttl.Milliseconds()).Int()
				cancel()
				if err == nil && renewed == 0 {
					// Lost to expiry; someone else may hold it now.
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			releaseScript.Run(releaseCtx, rc.client, []string{key}, token)
		})
	}
}

// RLock is exclusive: loads are short and a shared Redis lock would
// need a reader count that survives holder crashes.
func (rc *RedisClient) RLock(ctx context.Context, room string) (func(), error) {
	return rc.Lock(ctx, room)
}

func (rc *RedisClient) SaveRoomStatus(ctx context.Context, status models.RoomStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}

	return rc.client.Set(ctx, statusPrefix+status.Room, data, statusTTL).Err()
}

// GetRoomStatus returns nil, nil when no status is stored for room.
func (rc *RedisClient) GetRoomStatus(ctx context.Context, room string) (*models.RoomStatus, error) {
	val, err := rc.client.Get(ctx, statusPrefix+room).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var status models.RoomStatus
	if err := json.Unmarshal([]byte(val), &status); err != nil {
		return nil, err
	}

	return &status, nil
}
