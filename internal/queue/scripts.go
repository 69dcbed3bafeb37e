package queue

import "github.com/redis/go-redis/v9"

// Every state move is a single script so a crash can never leave a job in
// two lists or in none. Job and lock keys are derived from the prefix passed
// in ARGV; the queue targets a single Redis node.

// trimFailed keeps the newest ARGV[keep] entries of the failed set.
const trimFailed = `
local function trimFailed(failedKey, prefix, keep)
  if keep < 0 then return end
  local old = redis.call('ZRANGE', failedKey, 0, -(keep + 1))
  for _, id in ipairs(old) do
    redis.call('DEL', prefix .. 'job:' .. id)
  end
  if #old > 0 then
    redis.call('ZREMRANGEBYRANK', failedKey, 0, -(keep + 1))
  end
end
`

// KEYS: job, lock
// ARGV: id, now ms, lock ttl ms
var activateScript = redis.NewScript(`
redis.call('HINCRBY', KEYS[1], 'attemptsStarted', 1)
redis.call('HSET', KEYS[1], 'state', 'active', 'processedAt', ARGV[2])
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[3])
return 1
`)

// KEYS: active, completed, job, lock
// ARGV: id, now ms, prune cutoff ms, prefix
var completeScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
  return -1
end
redis.call('DEL', KEYS[4])
redis.call('HSET', KEYS[3], 'state', 'completed', 'finishedAt', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
local old = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[3])
for _, id in ipairs(old) do
  redis.call('DEL', ARGV[4] .. 'job:' .. id)
end
if #old > 0 then
  redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[3])
end
return 0
`)

// KEYS: active, delayed, failed, job, lock
// ARGV: id, now ms, reason, prefix, failed keep, terminal (1|0)
// Returns -1 when the job is not active, 1 when rescheduled, 2 when failed.
var failScript = redis.NewScript(trimFailed + `
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
  return -1
end
redis.call('DEL', KEYS[5])
local made = redis.call('HINCRBY', KEYS[4], 'attemptsMade', 1)
local attempts = tonumber(redis.call('HGET', KEYS[4], 'attempts') or '1')
redis.call('HSET', KEYS[4], 'failedReason', ARGV[3])
if ARGV[6] ~= '1' and made < attempts then
  local backoff = tonumber(redis.call('HGET', KEYS[4], 'backoff') or '0')
  local delay = math.floor(backoff * (2 ^ (made - 1)))
  redis.call('HSET', KEYS[4], 'state', 'delayed')
  redis.call('ZADD', KEYS[2], tonumber(ARGV[2]) + delay, ARGV[1])
  return 1
end
redis.call('HSET', KEYS[4], 'state', 'failed', 'finishedAt', ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
trimFailed(KEYS[3], ARGV[4], tonumber(ARGV[5]))
return 2
`)

// KEYS: delayed, wait
// ARGV: now ms, prefix, limit
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
  redis.call('HSET', ARGV[2] .. 'job:' .. id, 'state', 'waiting')
end
return #ids
`)

// Two-pass stall detection. Active jobs without a lock are first marked as
// candidates; a candidate that still has no lock on the next pass is stalled.
//
// KEYS: active, wait, failed, stalled-check
// ARGV: prefix, max stalled count, now ms, failed keep
// Returns {requeued ids, failed ids}.
var stalledScript = redis.NewScript(trimFailed + `
local requeued = {}
local failed = {}
local candidates = redis.call('SMEMBERS', KEYS[4])
for _, id in ipairs(candidates) do
  if redis.call('EXISTS', ARGV[1] .. 'lock:' .. id) == 0 then
    if redis.call('LREM', KEYS[1], 1, id) > 0 then
      local jobKey = ARGV[1] .. 'job:' .. id
      local count = redis.call('HINCRBY', jobKey, 'stalledCount', 1)
      if count > tonumber(ARGV[2]) then
        redis.call('HINCRBY', jobKey, 'attemptsMade', 1)
        redis.call('HSET', jobKey, 'state', 'failed', 'failedReason', 'job stalled more than allowable limit', 'finishedAt', ARGV[3])
        redis.call('ZADD', KEYS[3], ARGV[3], id)
        table.insert(failed, id)
      else
        redis.call('HSET', jobKey, 'state', 'waiting')
        redis.call('RPUSH', KEYS[2], id)
        table.insert(requeued, id)
      end
    end
  end
end
redis.call('DEL', KEYS[4])
if #failed > 0 then
  trimFailed(KEYS[3], ARGV[1], tonumber(ARGV[4]))
end
local active = redis.call('LRANGE', KEYS[1], 0, -1)
for _, id in ipairs(active) do
  if redis.call('EXISTS', ARGV[1] .. 'lock:' .. id) == 0 then
    redis.call('SADD', KEYS[4], id)
  end
end
return {requeued, failed}
`)

// KEYS: failed, wait, job
// ARGV: id
// Returns -2 when the job is missing, -1 when it is not failed.
var retryScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 0 then
  return -2
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return -1
end
redis.call('HSET', KEYS[3], 'state', 'waiting', 'attemptsMade', 0, 'stalledCount', 0, 'failedReason', '')
redis.call('HDEL', KEYS[3], 'finishedAt')
redis.call('LPUSH', KEYS[2], ARGV[1])
return 0
`)
