package circuit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// applyScript is record.apply executed server-side so that every worker
// sharing a Redis sees the same transitions. Times are unix milliseconds.
//
// KEYS[1] state hash, KEYS[2] failure timestamps (sorted set)
// ARGV: now, window, cooldown, threshold, op, member, ttl
var applyScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local cooldown = tonumber(ARGV[3])
local threshold = tonumber(ARGV[4])
local op = ARGV[5]

local st = redis.call('HMGET', KEYS[1], 'status', 'opened_at', 'probe_at', 'success_count', 'window_start')
local status = st[1] or 'closed'
local opened_at = tonumber(st[2]) or 0
local probe_at = tonumber(st[3]) or 0
local successes = tonumber(st[4]) or 0
local window_start = tonumber(st[5]) or now
local before = status

if now - window_start >= window then
  window_start = now
  successes = 0
end

if op == 'snapshot' then
  local failures = redis.call('ZCOUNT', KEYS[2], '(' .. (now - window), '+inf')
  return {before, status, 0, 0, failures, successes, window_start, opened_at}
end

redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', now - window)

local allowed = 0
local probe = 0
if op == 'acquire' then
  if status == 'closed' then
    allowed = 1
  elseif status == 'open' then
    if now - opened_at >= cooldown then
      status = 'half-open'
      probe_at = now
      allowed = 1
      probe = 1
    end
  else
    if probe_at == 0 or now - probe_at >= cooldown then
      probe_at = now
      allowed = 1
      probe = 1
    end
  end
elseif op == 'success' then
  successes = successes + 1
  if status == 'half-open' then
    status = 'closed'
    opened_at = 0
    probe_at = 0
    redis.call('DEL', KEYS[2])
    window_start = now
    successes = 1
  end
elseif op == 'failure' then
  redis.call('ZADD', KEYS[2], now, ARGV[6])
  if status == 'half-open' then
    status = 'open'
    opened_at = now
    probe_at = 0
  elseif status == 'closed' and redis.call('ZCARD', KEYS[2]) >= threshold then
    status = 'open'
    opened_at = now
  end
end

local failures = redis.call('ZCARD', KEYS[2])
redis.call('HSET', KEYS[1], 'status', status, 'opened_at', opened_at, 'probe_at', probe_at,
  'success_count', successes, 'window_start', window_start)
redis.call('PEXPIRE', KEYS[1], ARGV[7])
redis.call('PEXPIRE', KEYS[2], ARGV[7])
return {before, status, allowed, probe, failures, successes, window_start, opened_at}
`)

// RedisStore keeps breaker state in Redis so every worker sees the same
// circuit for an endpoint.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore returns a store writing keys under prefix. Idle endpoint
// state expires after ttl; zero means 24h.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// keys hash-tags the endpoint id so both keys land in one cluster slot, as the
// apply script requires.
func (s *RedisStore) keys(endpointID string) []string {
	base := s.prefix + "{" + endpointID + "}"
	return []string{base, base + ":failures"}
}

func (s *RedisStore) Apply(ctx context.Context, endpointID string, op Op, now time.Time, cfg Config) (Result, error) {
	ttl := s.ttl
	if floor := cfg.Window + cfg.Cooldown; ttl < floor {
		ttl = floor
	}
	raw, err := applyScript.Run(ctx, s.client, s.keys(endpointID),
		now.UnixMilli(),
		cfg.Window.Milliseconds(),
		cfg.Cooldown.Milliseconds(),
		cfg.Threshold,
		string(op),
		uuid.NewString(),
		ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("circuit: redis apply %s: %w", op, err)
	}
	if len(raw) != 8 {
		return Result{}, fmt.Errorf("circuit: redis apply %s: unexpected reply length %d", op, len(raw))
	}

	var nums [6]int64
	for i := range nums {
		if nums[i], err = replyInt(raw[i+2]); err != nil {
			return Result{}, fmt.Errorf("circuit: redis apply %s: %w", op, err)
		}
	}
	res := Result{
		Before:  Status(fmt.Sprint(raw[0])),
		Allowed: nums[0] == 1,
		Probe:   nums[1] == 1,
		State: State{
			EndpointID:   endpointID,
			Status:       Status(fmt.Sprint(raw[1])),
			FailureCount: int(nums[2]),
			SuccessCount: int(nums[3]),
			WindowStart:  time.UnixMilli(nums[4]).UTC(),
		},
	}
	if nums[5] > 0 {
		res.State.OpenedAt = time.UnixMilli(nums[5]).UTC()
	}
	return res, nil
}

func (s *RedisStore) Reset(ctx context.Context, endpointID string) error {
	if err := s.client.Del(ctx, s.keys(endpointID)...).Err(); err != nil {
		return fmt.Errorf("circuit: redis reset: %w", err)
	}
	return nil
}

func replyInt(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected reply type %T", v)
	}
}
