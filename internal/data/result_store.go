package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ModelHub/internal/conf"
	"ModelHub/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// ErrTaskNotFound is returned when no result is stored for a task id.
var ErrTaskNotFound = errors.New("result store: task not found")

// DefaultResultTTL is applied when task.result_ttl is not configured.
const DefaultResultTTL = 24 * time.Hour

// DefaultClaimTimeout is how long a Processing record stays exclusive to the
// worker that wrote it when task.claim_timeout is not configured.
const DefaultClaimTimeout = 5 * time.Minute

// taskKeyPrefix is the prefix for task result hashes: task:{id}
const taskKeyPrefix = "task"

// saveTaskScript stores the task only when its status rank is strictly
// greater than the stored one, or when it has the same rank and the stored
// record carries an expired lease (a Processing claim whose worker is gone).
// KEYS[1] = task key, ARGV = rank, data, ttl ms, lease deadline ms (0 = none), now ms.
var saveTaskScript = redis.NewScript(`
local stored = redis.call('HMGET', KEYS[1], 'rank', 'lease')
if stored[1] then
	local current = tonumber(stored[1])
	local rank = tonumber(ARGV[1])
	if current > rank then
		return 0
	end
	if current == rank then
		local lease = tonumber(stored[2] or '0') or 0
		if lease == 0 or lease > tonumber(ARGV[5]) then
			return 0
		end
	end
end
redis.call('HSET', KEYS[1], 'rank', ARGV[1], 'data', ARGV[2], 'lease', ARGV[4])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

// ResultStore persists task status and results in Redis.
type ResultStore struct {
	client       *redis.Client
	defaultTTL   time.Duration
	claimTimeout time.Duration
	now          func() time.Time
	logger       *log.Helper
}

// NewResultStore creates a Redis-backed result store.
// If the Redis client is nil, every operation fails.
func NewResultStore(c *conf.Task, rdb *redis.Client, logger log.Logger) *ResultStore {
	ttl := DefaultResultTTL
	claim := DefaultClaimTimeout
	if c != nil {
		if c.ResultTtl != nil && c.ResultTtl.AsDuration() > 0 {
			ttl = c.ResultTtl.AsDuration()
		}
		if c.ClaimTimeout != nil && c.ClaimTimeout.AsDuration() > 0 {
			claim = c.ClaimTimeout.AsDuration()
		}
	}
	// A stream entry is only redelivered after streamClaimIdle, so a shorter
	// lease would let two live workers run the same task.
	if claim < streamClaimIdle {
		claim = streamClaimIdle
	}
	return &ResultStore{
		client:       rdb,
		defaultTTL:   ttl,
		claimTimeout: claim,
		now:          time.Now,
		logger:       log.NewHelper(log.With(logger, "module", "data/result-store")),
	}
}

// SetClock replaces the time source used for claim leases.
func (s *ResultStore) SetClock(now func() time.Time) {
	s.now = now
}

// ClaimTimeout returns how long a Processing claim stays exclusive.
func (s *ResultStore) ClaimTimeout() time.Duration {
	return s.claimTimeout
}

// DefaultTTL returns the TTL applied when Save is called with ttl <= 0.
func (s *ResultStore) DefaultTTL() time.Duration {
	return s.defaultTTL
}

// Get returns the stored task, or ErrTaskNotFound.
func (s *ResultStore) Get(ctx context.Context, taskID string) (*model.Task, error) {
	if s.client == nil {
		return nil, errors.New("result store: redis client is nil")
	}

	key := BuildTaskKey(taskID)
	val, err := s.client.HGet(ctx, key, "data").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("result store: failed to get key %s: %w", key, err)
	}

	var task model.Task
	if err := json.Unmarshal([]byte(val), &task); err != nil {
		return nil, fmt.Errorf("result store: failed to unmarshal value for key %s: %w", key, err)
	}

	return &task, nil
}

// Save writes task unless the stored status is at the same or a later
// lifecycle stage. A Processing write also succeeds over a Processing record
// whose claim is older than the claim timeout. It reports whether the write
// was applied.
func (s *ResultStore) Save(ctx context.Context, task *model.Task, ttl time.Duration) (bool, error) {
	if s.client == nil {
		return false, errors.New("result store: redis client is nil")
	}
	rank := task.Status.Rank()
	if rank < 0 {
		return false, fmt.Errorf("result store: invalid status %q for task %s", task.Status, task.ID)
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	data, err := json.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("result store: failed to marshal task %s: %w", task.ID, err)
	}

	now := s.now()
	var lease int64
	if task.Status == model.TaskStatusProcessing {
		lease = now.Add(s.claimTimeout).UnixMilli()
	}

	key := BuildTaskKey(task.ID)
	applied, err := saveTaskScript.Run(ctx, s.client, []string{key}, rank, data, ttl.Milliseconds(), lease, now.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("result store: failed to save key %s: %w", key, err)
	}

	if applied == 0 {
		s.logger.Debugw("msg", "stale task status rejected",
			"task_id", task.ID,
			"status", task.Status)
		return false, nil
	}

	return true, nil
}

// BuildTaskKey returns the Redis key holding a task result.
func BuildTaskKey(taskID string) string {
	return taskKeyPrefix + ":" + taskID
}
