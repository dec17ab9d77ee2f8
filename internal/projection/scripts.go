package projection

import "github.com/redis/go-redis/v9"

// Each event is applied by one script so a projection step is atomic even
// with several workers on the same queues. Numeric fields hold canonical
// decimal strings; gt compares them without converting to Lua numbers,
// which lose precision above 2^53.
const scriptPrelude = `
local function gt(a, b)
  if not b then return true end
  if #a ~= #b then return #a > #b end
  return a > b
end

local function raise(key, field, v)
  local cur = redis.call('HGET', key, field)
  if cur and not gt(v, cur) then return false end
  redis.call('HSET', key, field, v)
  return cur or '0'
end

local function push(key, entry, last)
  redis.call('LPUSH', key, entry)
  redis.call('LTRIM', key, 0, last)
end
`

// KEYS: admin, activity. ARGV: admin, entry, last.
var platformInitializedScript = redis.NewScript(scriptPrelude + `
redis.call('SET', KEYS[1], ARGV[1])
push(KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// KEYS: project, projects, ministry projects, ministry, ministries,
// project count, activity.
// ARGV: id, title, ministry, authority, budget, created_at, project_count,
// entry, last.
//
// The ministry field doubles as the first-seen marker: totals raised by
// earlier milestone or release events are folded into the ministry then.
var projectCreatedScript = redis.NewScript(scriptPrelude + `
local first = redis.call('HSETNX', KEYS[1], 'ministry', ARGV[3]) == 1
redis.call('HSET', KEYS[1], 'project_id', ARGV[1], 'title', ARGV[2],
  'authority', ARGV[4], 'total_budget', ARGV[5], 'created_at', ARGV[6])
redis.call('ZADD', KEYS[2], ARGV[6], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[6], ARGV[1])
redis.call('ZADD', KEYS[5], 0, ARGV[3])
local count = redis.call('GET', KEYS[6])
if gt(ARGV[7], count) then redis.call('SET', KEYS[6], ARGV[7]) end
if not first then return 0 end

redis.call('HINCRBY', KEYS[4], 'project_count', 1)
redis.call('HINCRBY', KEYS[4], 'total_budget', ARGV[5])
local allocated = redis.call('HGET', KEYS[1], 'total_allocated')
if allocated then redis.call('HINCRBY', KEYS[4], 'total_allocated', allocated) end
local released = redis.call('HGET', KEYS[1], 'total_released')
if released then
  redis.call('HINCRBY', KEYS[4], 'total_released', released)
  if released == ARGV[5] then redis.call('HINCRBY', KEYS[4], 'completed_projects', 1) end
end
push(KEYS[7], ARGV[8], ARGV[9])
return 1
`)

// KEYS: project, activity.
// ARGV: total_allocated, milestone_count, ministry key prefix, entry, last.
var milestoneAddedScript = redis.NewScript(scriptPrelude + `
local prev = raise(KEYS[1], 'total_allocated', ARGV[1])
raise(KEYS[1], 'milestone_count', ARGV[2])
if prev then
  local ministry = redis.call('HGET', KEYS[1], 'ministry')
  if ministry then
    redis.call('HINCRBY', ARGV[3] .. ministry, 'total_allocated', tonumber(ARGV[1]) - tonumber(prev))
  end
end
push(KEYS[2], ARGV[4], ARGV[5])
return 1
`)

// KEYS: project, activity.
// ARGV: total_released, released_at (may be empty), ministry key prefix,
// entry, last.
var fundsReleasedScript = redis.NewScript(scriptPrelude + `
local prev = raise(KEYS[1], 'total_released', ARGV[1])
if ARGV[2] ~= '' then raise(KEYS[1], 'last_release_at', ARGV[2]) end
if prev then
  local ministry = redis.call('HGET', KEYS[1], 'ministry')
  if ministry then
    local key = ARGV[3] .. ministry
    redis.call('HINCRBY', key, 'total_released', tonumber(ARGV[1]) - tonumber(prev))
    if ARGV[1] == redis.call('HGET', KEYS[1], 'total_budget') then
      redis.call('HINCRBY', key, 'completed_projects', 1)
    end
  end
end
push(KEYS[2], ARGV[4], ARGV[5])
return 1
`)
