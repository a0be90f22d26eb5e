package limitd

// Lua scripts executed server-side by the remote backend. Every decision
// is a single script invocation, so the read-modify-write is never split
// across round-trips. All scripts share the argument order
// (capacity, rate-or-window, tokensRequested, nowMs [, maxQueueTimeMs])
// and the return tuple
// {success, remaining, capacity, rateOrWindow, anchorMs [, estimatedWaitMs]}.
// A tokensRequested of 0 is a state query: it reports availability
// without consuming.

// tokenBucketScript keeps state in a single hash with the fields
// tokens, capacity, refill_rate, and last_refill (ms since epoch).
// last_refill only advances when at least one whole token was credited,
// matching the in-process implementation. The distributed sliding
// window degrades to this same encoding.
var tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local data = redis.call('HGETALL', key)
local tokens = capacity
local last_refill = now

if #data > 0 then
  local fields = {}
  for i = 1, #data, 2 do
    fields[data[i]] = data[i + 1]
  end
  tokens = tonumber(fields['tokens']) or capacity
  last_refill = tonumber(fields['last_refill']) or now
end

local elapsed = now - last_refill
if elapsed > 0 then
  local added = math.floor(elapsed * refill_rate / 1000)
  if added > 0 then
    tokens = math.min(capacity, tokens + added)
    last_refill = now
  end
end

if requested <= 0 then
  return { 1, tokens, capacity, refill_rate, last_refill }
end

local allowed = 0
if requested <= capacity and tokens >= requested then
  tokens = tokens - requested
  allowed = 1
end

redis.call('HSET', key,
  'tokens', tokens,
  'capacity', capacity,
  'refill_rate', refill_rate,
  'last_refill', last_refill)
redis.call('EXPIRE', key, math.ceil(capacity / refill_rate) + 3600)

return { allowed, tokens, capacity, refill_rate, last_refill }
`

// fixedWindowScript keeps state in a hash with the fields count,
// window_start, capacity, and window_duration. Windows are aligned to
// absolute time so every service instance agrees on the boundaries.
var fixedWindowScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local window_start = now - (now % window)
local count = 0

local data = redis.call('HGETALL', key)
if #data > 0 then
  local fields = {}
  for i = 1, #data, 2 do
    fields[data[i]] = data[i + 1]
  end
  if tonumber(fields['window_start']) == window_start then
    count = tonumber(fields['count']) or 0
  end
end

if requested <= 0 then
  return { 1, capacity - count, capacity, window, window_start }
end

local allowed = 0
if requested <= capacity and count + requested <= capacity then
  count = count + requested
  allowed = 1
end

redis.call('HSET', key,
  'count', count,
  'window_start', window_start,
  'capacity', capacity,
  'window_duration', window)
redis.call('EXPIRE', key, math.ceil(window / 1000) + 3600)

return { allowed, capacity - count, capacity, window, window_start }
`

// leakyBucketScript keeps a list at <key>:queue of "enqueueMs:tokens"
// records plus a meta hash at <key>:meta with last_leak_time, capacity,
// and leak_rate. Each invocation first drains what the elapsed time
// allows and expires timed-out head records, then applies the
// synchronous admission rule: room in the queue and an estimated wait
// within max_wait.
var leakyBucketScript = `
local queue_key = KEYS[1]
local meta_key = KEYS[2]
local capacity = tonumber(ARGV[1])
local leak_rate = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local max_wait = tonumber(ARGV[5])

local last_leak = tonumber(redis.call('HGET', meta_key, 'last_leak_time')) or now

local allowance = math.floor((now - last_leak) * leak_rate / 1000)
local drained = 0
while allowance > 0 do
  local head = redis.call('LINDEX', queue_key, 0)
  if not head then break end
  local sep = string.find(head, ':')
  local head_tokens = tonumber(string.sub(head, sep + 1))
  if head_tokens > allowance then break end
  redis.call('LPOP', queue_key)
  allowance = allowance - head_tokens
  drained = drained + 1
end
if drained > 0 then
  last_leak = now
end

while true do
  local head = redis.call('LINDEX', queue_key, 0)
  if not head then break end
  local sep = string.find(head, ':')
  local head_ts = tonumber(string.sub(head, 1, sep - 1))
  if now - head_ts > max_wait then
    redis.call('LPOP', queue_key)
  else
    break
  end
end

local size = redis.call('LLEN', queue_key)
local wait = math.floor(size * 1000 / leak_rate)

local allowed = 0
if requested > 0 and requested <= capacity and size < capacity and wait <= max_wait then
  redis.call('RPUSH', queue_key, now .. ':' .. requested)
  size = size + 1
  wait = math.floor(size * 1000 / leak_rate)
  allowed = 1
end

redis.call('HSET', meta_key,
  'last_leak_time', last_leak,
  'capacity', capacity,
  'leak_rate', leak_rate)
local ttl = math.ceil(capacity / leak_rate) + 3600
redis.call('EXPIRE', meta_key, ttl)
if size > 0 then
  redis.call('EXPIRE', queue_key, ttl)
end

return { allowed, capacity - size, capacity, leak_rate, last_leak, wait }
`
