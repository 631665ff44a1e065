package redisstore

import "github.com/redis/go-redis/v9"

// Server-side scripts. Each script is the single execution thread for the keys
// it touches: state change and outbox append happen in one atomic step, so a
// failed append aborts the whole transition.
//
// Shared conventions:
//   - job hashes live at "job:"..id with flat string fields
//   - events are appended to the shared stream with fields
//     type=<event type>, agg=<aggregate id>, data=<event envelope JSON>
//     and published on the live channel in the same step
//   - timestamps are epoch milliseconds; emitted_at is an RFC3339 string
//     supplied by the caller

// luaCommon is prepended to scripts that build and emit events.
const luaCommon = `
local function emit(stream, channel, maxlen, evtype, agg, ev)
  local data = cjson.encode(ev)
  local sid = redis.call('XADD', stream, 'MAXLEN', maxlen, '*',
    'type', evtype, 'agg', agg, 'data', data)
  redis.call('PUBLISH', channel, data)
  return sid
end

local function jobhash(key)
  local flat = redis.call('HGETALL', key)
  local h = {}
  for i = 1, #flat, 2 do h[flat[i]] = flat[i+1] end
  return h
end

local function jobpayload(h, status)
  local p = {
    job_id = h['id'],
    service_type = h['service_type'],
    status = status,
    attempt = tonumber(h['attempt']) or 0,
  }
  if h['lease_worker'] and h['lease_worker'] ~= '' then
    p.worker_id = h['lease_worker']
  end
  if h['workflow_id'] and h['workflow_id'] ~= '' then
    p.workflow_ref = { workflow_id = h['workflow_id'], step_index = tonumber(h['step_index']) or 0 }
  end
  return p
end

local function envelope(id, evtype, emitted, correlation, payload)
  local ev = { id = id, type = evtype, emitted_at = emitted, payload = payload }
  if correlation and correlation ~= '' then ev.correlation_id = correlation end
  return ev
end
`

// submit: KEYS[1]=job key, KEYS[2]=pending zset, KEYS[3]=stream
// ARGV: 1 score, 2 event JSON, 3 event type, 4 aggregate id, 5 maxlen,
//       6 channel, 7.. field/value pairs
var scriptSubmit = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 'exists'
end
for i = 7, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
local id = redis.call('HGET', KEYS[1], 'id')
redis.call('ZADD', KEYS[2], tonumber(ARGV[1]), id)
local sid = redis.call('XADD', KEYS[3], 'MAXLEN', tonumber(ARGV[5]), '*',
  'type', ARGV[3], 'agg', ARGV[4], 'data', ARGV[2])
redis.call('PUBLISH', ARGV[6], ARGV[2])
return sid
`)

// claim: the match kernel. Scans the pending index in descending score order
// (highest priority first, FIFO within a band), evaluates the capability
// predicate per candidate, and claims the first match in the same atomic step.
// KEYS[1]=pending, KEYS[2]=active, KEYS[3]=stream
// ARGV: 1 descriptor JSON, 2 now ms, 3 lease ms, 4 scan cap, 5 event id,
//       6 emitted_at, 7 maxlen, 8 channel
var scriptClaim = redis.NewScript(luaCommon + `
local desc = cjson.decode(ARGV[1])
local now = tonumber(ARGV[2])
local lease = tonumber(ARGV[3])
local cap = tonumber(ARGV[4])

local services = {}
for _, s in ipairs(desc.service_types or {}) do services[s] = true end
local tags = {}
for _, t in ipairs(desc.capability_tags or {}) do tags[t] = true end
local gpu = tonumber(desc.gpu_memory_mb) or 0

local cands = redis.call('ZREVRANGE', KEYS[1], 0, cap - 1)
for _, id in ipairs(cands) do
  local jk = 'job:' .. id
  local f = redis.call('HMGET', jk, 'service_type', 'requirements')
  if f[1] and services[f[1]] then
    local req = {}
    if f[2] and f[2] ~= '' then req = cjson.decode(f[2]) end
    local ok = true
    for _, t in ipairs(req.capability_tags or {}) do
      if not tags[t] then ok = false break end
    end
    if ok and (tonumber(req.min_gpu_memory_mb) or 0) > gpu then ok = false end
    if ok and req.affinity and req.affinity ~= '' and req.affinity ~= (desc.affinity or '') then ok = false end
    if ok and req.geographic and req.geographic ~= '' and req.geographic ~= (desc.region or '') then ok = false end
    if ok then
      local attempt = (tonumber(redis.call('HGET', jk, 'attempt')) or 0) + 1
      redis.call('ZREM', KEYS[1], id)
      redis.call('SADD', KEYS[2], id)
      redis.call('HSET', jk,
        'status', 'assigned',
        'attempt', attempt,
        'lease_worker', desc.worker_id,
        'lease_expires', now + lease,
        'lease_progress', now)
      redis.call('SADD', 'worker:' .. desc.worker_id .. ':jobs', id)
      local h = jobhash(jk)
      local ev = envelope(ARGV[5], 'job.assigned', ARGV[6], h['correlation_id'], jobpayload(h, 'assigned'))
      emit(KEYS[3], ARGV[8], tonumber(ARGV[7]), 'job.assigned', id, ev)
      return { cjson.encode(h), cjson.encode(ev) }
    end
  end
end
return false
`)

// markStarted: KEYS[1]=job key; ARGV[1]=worker id, ARGV[2]=now ms
var scriptMarkStarted = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'not_found' end
local st = redis.call('HGET', KEYS[1], 'status')
if st ~= 'assigned' then return 'conflict' end
if redis.call('HGET', KEYS[1], 'lease_worker') ~= ARGV[1] then return 'not_owner' end
redis.call('HSET', KEYS[1], 'status', 'running', 'lease_progress', ARGV[2])
return 'ok'
`)

// progress: KEYS[1]=job key, KEYS[2]=stream
// ARGV: 1 worker id, 2 fraction, 3 message, 4 now ms, 5 lease ms,
//       6 event id, 7 emitted_at, 8 maxlen, 9 channel
var scriptProgress = redis.NewScript(luaCommon + `
if redis.call('EXISTS', KEYS[1]) == 0 then return 'not_found' end
local st = redis.call('HGET', KEYS[1], 'status')
if st ~= 'assigned' and st ~= 'running' then return 'conflict' end
if redis.call('HGET', KEYS[1], 'lease_worker') ~= ARGV[1] then return 'not_owner' end
local frac = tonumber(ARGV[2])
local cur = tonumber(redis.call('HGET', KEYS[1], 'progress')) or 0
if frac < cur then return 'stale' end
local now = tonumber(ARGV[4])
redis.call('HSET', KEYS[1], 'progress', frac,
  'lease_progress', now, 'lease_expires', now + tonumber(ARGV[5]))
local h = jobhash(KEYS[1])
local p = jobpayload(h, st)
p.progress = frac
if ARGV[3] ~= '' then p.message = ARGV[3] end
local ev = envelope(ARGV[6], 'job.progress', ARGV[7], h['correlation_id'], p)
emit(KEYS[2], ARGV[9], tonumber(ARGV[8]), 'job.progress', h['id'], ev)
return { cjson.encode(ev) }
`)

// complete: KEYS[1]=job key, KEYS[2]=active, KEYS[3]=terminal, KEYS[4]=stream
// ARGV: 1 worker id, 2 result JSON, 3 result hash, 4 now ms,
//       5 event id, 6 emitted_at, 7 maxlen, 8 channel
var scriptComplete = redis.NewScript(luaCommon + `
if redis.call('EXISTS', KEYS[1]) == 0 then return 'not_found' end
local st = redis.call('HGET', KEYS[1], 'status')
if st == 'completed' then
  if redis.call('HGET', KEYS[1], 'result_hash') == ARGV[3] then return 'dup' end
  return 'conflict'
end
if st ~= 'assigned' and st ~= 'running' then return 'conflict' end
if redis.call('HGET', KEYS[1], 'lease_worker') ~= ARGV[1] then return 'not_owner' end
local id = redis.call('HGET', KEYS[1], 'id')
redis.call('HSET', KEYS[1], 'status', 'completed',
  'result', ARGV[2], 'result_hash', ARGV[3], 'terminal_at', ARGV[4])
redis.call('HDEL', KEYS[1], 'lease_expires', 'lease_progress')
redis.call('SREM', KEYS[2], id)
redis.call('SADD', KEYS[3], id)
redis.call('SREM', 'worker:' .. ARGV[1] .. ':jobs', id)
local h = jobhash(KEYS[1])
local p = jobpayload(h, 'completed')
p.worker_id = ARGV[1]
p.result = cjson.decode(ARGV[2])
local ev = envelope(ARGV[5], 'job.completed', ARGV[6], h['correlation_id'], p)
emit(KEYS[4], ARGV[8], tonumber(ARGV[7]), 'job.completed', id, ev)
return { cjson.encode(ev) }
`)

// luaRequeueOrFail finalizes or requeues a job that failed (worker-reported or
// lease-expired). Expects h (job hash table), err (decoded error), and the
// pending/active/terminal/stream keys plus emit args in scope.
const luaRequeueOrFail = `
local function requeue_or_fail(jk, h, jerr, pending, active, terminal, stream,
    now, base, maxb, evid, emitted, maxlen, channel)
  local id = h['id']
  local attempt = tonumber(h['attempt']) or 0
  local maxatt = tonumber(h['max_attempts']) or 0
  if maxatt <= 0 then maxatt = 1 end
  local retry = jerr.retryable and attempt < maxatt
  redis.call('SREM', active, id)
  if h['lease_worker'] and h['lease_worker'] ~= '' then
    redis.call('SREM', 'worker:' .. h['lease_worker'] .. ':jobs', id)
  end
  local p = jobpayload(h, 'failed')
  p.error = jerr
  if retry then
    local backoff = base * 2 ^ (attempt - 1)
    if backoff > maxb then backoff = maxb end
    local prio = tonumber(h['priority']) or 0
    local boost = tonumber(h['boost']) or 0
    local sub = tonumber(h['submitted_at']) or 0
    local score = (prio + boost) * 1e15 - sub - backoff
    redis.call('HSET', jk, 'status', 'pending')
    redis.call('HDEL', jk, 'error', 'lease_worker', 'lease_expires', 'lease_progress')
    redis.call('ZADD', pending, score, id)
    p.status = 'pending'
    p.will_retry = true
  else
    redis.call('HSET', jk, 'status', 'failed', 'error', cjson.encode(jerr), 'terminal_at', now)
    redis.call('HDEL', jk, 'lease_expires', 'lease_progress')
    redis.call('SADD', terminal, id)
    p.will_retry = false
  end
  local ev = envelope(evid, 'job.failed', emitted, h['correlation_id'], p)
  emit(stream, channel, maxlen, 'job.failed', id, ev)
  return retry, cjson.encode(ev)
end
`

// fail: KEYS[1]=job key, KEYS[2]=pending, KEYS[3]=active, KEYS[4]=terminal,
// KEYS[5]=stream
// ARGV: 1 worker id, 2 error JSON, 3 now ms, 4 backoff base ms, 5 backoff max
//       ms, 6 event id, 7 emitted_at, 8 maxlen, 9 channel
var scriptFail = redis.NewScript(luaCommon + luaRequeueOrFail + `
if redis.call('EXISTS', KEYS[1]) == 0 then return 'not_found' end
local st = redis.call('HGET', KEYS[1], 'status')
if st ~= 'assigned' and st ~= 'running' then return 'conflict' end
if redis.call('HGET', KEYS[1], 'lease_worker') ~= ARGV[1] then return 'not_owner' end
local h = jobhash(KEYS[1])
local jerr = cjson.decode(ARGV[2])
local retry, evjson = requeue_or_fail(KEYS[1], h, jerr, KEYS[2], KEYS[3], KEYS[4], KEYS[5],
  tonumber(ARGV[3]), tonumber(ARGV[4]), tonumber(ARGV[5]), ARGV[6], ARGV[7],
  tonumber(ARGV[8]), ARGV[9])
if retry then return { 1, evjson } end
return { 0, evjson }
`)

// cancel: KEYS[1]=job key, KEYS[2]=pending, KEYS[3]=active, KEYS[4]=terminal,
// KEYS[5]=stream
// ARGV: 1 now ms, 2 event id, 3 emitted_at, 4 maxlen, 5 channel,
//       6 cancel intent ttl ms
// Cancelling an active job finalizes it immediately and records a cancellation
// intent for the owning worker; the worker's later complete/fail returns
// conflict and is discarded. The intent set carries a TTL so intents for
// workers that never heartbeat again do not accumulate.
var scriptCancel = redis.NewScript(luaCommon + `
if redis.call('EXISTS', KEYS[1]) == 0 then return 'not_found' end
local st = redis.call('HGET', KEYS[1], 'status')
if st == 'completed' or st == 'failed' or st == 'cancelled' then return 'conflict' end
local id = redis.call('HGET', KEYS[1], 'id')
local h = jobhash(KEYS[1])
local wid = ''
if st == 'pending' then
  redis.call('ZREM', KEYS[2], id)
else
  wid = h['lease_worker'] or ''
  redis.call('SREM', KEYS[3], id)
  if wid ~= '' then
    redis.call('SREM', 'worker:' .. wid .. ':jobs', id)
    local ck = 'worker:' .. wid .. ':cancel'
    redis.call('SADD', ck, id)
    redis.call('PEXPIRE', ck, tonumber(ARGV[6]))
  end
end
redis.call('HSET', KEYS[1], 'status', 'cancelled', 'terminal_at', ARGV[1], 'cancel_requested', 1)
redis.call('HDEL', KEYS[1], 'lease_expires', 'lease_progress')
redis.call('SADD', KEYS[4], id)
local p = jobpayload(h, 'cancelled')
local ev = envelope(ARGV[2], 'job.cancelled', ARGV[3], h['correlation_id'], p)
emit(KEYS[5], ARGV[5], tonumber(ARGV[4]), 'job.cancelled', id, ev)
return { wid, cjson.encode(ev) }
`)

// reclaimOne: janitor path for a single expired lease. Re-verifies ownership
// and expiry inside the atomic step; "now > expires + grace" is strict, so a
// lease exactly at expiry is not yet reclaimable.
// KEYS[1]=job key, KEYS[2]=pending, KEYS[3]=active, KEYS[4]=terminal,
// KEYS[5]=stream
// ARGV: 1 expected worker, 2 now ms, 3 grace ms, 4 backoff base ms,
//       5 backoff max ms, 6 event id, 7 emitted_at, 8 maxlen, 9 channel
var scriptReclaimOne = redis.NewScript(luaCommon + luaRequeueOrFail + `
if redis.call('EXISTS', KEYS[1]) == 0 then return 'not_found' end
local st = redis.call('HGET', KEYS[1], 'status')
if st ~= 'assigned' and st ~= 'running' then return 'skip' end
if redis.call('HGET', KEYS[1], 'lease_worker') ~= ARGV[1] then return 'skip' end
local expires = tonumber(redis.call('HGET', KEYS[1], 'lease_expires')) or 0
if tonumber(ARGV[2]) <= expires + tonumber(ARGV[3]) then return 'skip' end
local h = jobhash(KEYS[1])
local jerr = { kind = 'lease_expired', message = 'lease expired without completion', retryable = true }
local retry, evjson = requeue_or_fail(KEYS[1], h, jerr, KEYS[2], KEYS[3], KEYS[4], KEYS[5],
  tonumber(ARGV[2]), tonumber(ARGV[4]), tonumber(ARGV[5]), ARGV[6], ARGV[7],
  tonumber(ARGV[8]), ARGV[9])
if retry then return { 1, evjson } end
return { 0, evjson }
`)

// age: rescore long-waiting pending jobs so they surface within the bounded
// match scan. KEYS[1]=pending; ARGV: 1 now ms, 2 boost per minute, 3 boost
// cap, 4 scan limit. Lowest-score members are the most starved, so the scan
// starts there.
var scriptAge = redis.NewScript(`
local now = tonumber(ARGV[1])
local per = tonumber(ARGV[2])
local cap = tonumber(ARGV[3])
local ids = redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[4]) - 1)
local boosted = 0
for _, id in ipairs(ids) do
  local jk = 'job:' .. id
  local f = redis.call('HMGET', jk, 'priority', 'submitted_at', 'boost')
  if f[1] then
    local sub = tonumber(f[2]) or now
    local waited_min = math.floor((now - sub) / 60000)
    local boost = waited_min * per
    if boost > cap then boost = cap end
    local old = tonumber(f[3]) or 0
    if boost > old then
      local cur = tonumber(redis.call('ZSCORE', KEYS[1], id))
      if cur then
        redis.call('HSET', jk, 'boost', boost)
        redis.call('ZADD', KEYS[1], 'XX', cur + (boost - old) * 1e15, id)
        boosted = boosted + 1
      end
    end
  end
end
return boosted
`)

// workflowCreate: all-or-nothing creation of the workflow hash plus every step
// job, emitting workflow.submitted then job.submitted per step in order.
// KEYS[1]=workflow key, KEYS[2]=pending, KEYS[3]=stream
// ARGV: 1 maxlen, 2 channel, 3 workflow fields JSON (object),
//       4 workflow event JSON, 5 workflow id, 6 N,
//       then per step i: job fields JSON (object), score, job event JSON, job id
var scriptWorkflowCreate = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 'exists' end
local maxlen = tonumber(ARGV[1])
local fields = cjson.decode(ARGV[3])
for k, v in pairs(fields) do
  redis.call('HSET', KEYS[1], k, tostring(v))
end
redis.call('XADD', KEYS[3], 'MAXLEN', maxlen, '*',
  'type', 'workflow.submitted', 'agg', ARGV[5], 'data', ARGV[4])
redis.call('PUBLISH', ARGV[2], ARGV[4])
local n = tonumber(ARGV[6])
for i = 0, n - 1 do
  local base = 7 + i * 4
  local jf = cjson.decode(ARGV[base])
  local jid = ARGV[base + 3]
  local jk = 'job:' .. jid
  for k, v in pairs(jf) do
    redis.call('HSET', jk, k, tostring(v))
  end
  redis.call('ZADD', KEYS[2], tonumber(ARGV[base + 1]), jid)
  redis.call('XADD', KEYS[3], 'MAXLEN', maxlen, '*',
    'type', 'job.submitted', 'agg', jid, 'data', ARGV[base + 2])
  redis.call('PUBLISH', ARGV[2], ARGV[base + 2])
end
return 'ok'
`)

// fillStep: compare-and-set on the per-step slot so the canonical record is
// written exactly once under at-least-once event delivery.
// KEYS[1]=workflow key; ARGV: 1 step index, 2 detail JSON, 3 terminal status
var scriptFillStep = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'not_found' end
local filled = redis.call('HSETNX', KEYS[1], 'step:' .. ARGV[1], ARGV[2])
if filled == 1 then
  if ARGV[3] == 'completed' then
    redis.call('HINCRBY', KEYS[1], 'completed_count', 1)
  else
    redis.call('HINCRBY', KEYS[1], 'failed_count', 1)
  end
  if redis.call('HGET', KEYS[1], 'status') == 'pending' then
    redis.call('HSET', KEYS[1], 'status', 'running')
  end
end
local f = redis.call('HMGET', KEYS[1], 'completed_count', 'failed_count', 'total_steps', 'mode', 'status', 'name', 'step_jobs')
return { filled, tonumber(f[1]) or 0, tonumber(f[2]) or 0, tonumber(f[3]) or 0, f[4], f[5], f[6] or '', f[7] or '' }
`)

// finalize: flips the workflow terminal exactly once per (id, status) and
// emits the terminal event with the canonical step_details array.
// KEYS[1]=workflow key, KEYS[2]=stream
// ARGV: 1 status, 2 event id, 3 emitted_at, 4 maxlen, 5 channel
var scriptFinalize = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'not_found' end
if redis.call('HSETNX', KEYS[1], 'emitted:' .. ARGV[1], 1) == 0 then return 'dup' end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
local f = redis.call('HMGET', KEYS[1], 'id', 'name', 'total_steps', 'completed_count', 'failed_count')
local total = tonumber(f[3]) or 0
local details = {}
for i = 0, total - 1 do
  local d = redis.call('HGET', KEYS[1], 'step:' .. i)
  if d then details[#details + 1] = cjson.decode(d) end
end
local ev = {
  id = ARGV[2],
  type = 'workflow.' .. ARGV[1],
  emitted_at = ARGV[3],
  payload = {
    workflow_id = f[1],
    name = f[2],
    status = ARGV[1],
    total_steps = total,
    completed_count = tonumber(f[4]) or 0,
    failed_count = tonumber(f[5]) or 0,
    step_details = details,
  },
}
local data = cjson.encode(ev)
redis.call('XADD', KEYS[2], 'MAXLEN', tonumber(ARGV[4]), '*',
  'type', 'workflow.' .. ARGV[1], 'agg', f[1], 'data', data)
redis.call('PUBLISH', ARGV[5], data)
return data
`)

// publish: EventLog.Append. KEYS[1]=stream; ARGV: 1 event JSON, 2 type,
// 3 aggregate id, 4 maxlen, 5 channel
var scriptPublish = redis.NewScript(`
local sid = redis.call('XADD', KEYS[1], 'MAXLEN', tonumber(ARGV[4]), '*',
  'type', ARGV[2], 'agg', ARGV[3], 'data', ARGV[1])
redis.call('PUBLISH', ARGV[5], ARGV[1])
return sid
`)

// idemReserve: KEYS[1]=idempotency key; ARGV: 1 spec hash, 2 job id, 3 ttl sec
var scriptIdemReserve = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  redis.call('SET', KEYS[1], ARGV[1] .. ':' .. ARGV[2], 'EX', tonumber(ARGV[3]))
  return { 1, '' }
end
local sep = string.find(cur, ':', 1, true)
local hash = string.sub(cur, 1, sep - 1)
local jid = string.sub(cur, sep + 1)
if hash == ARGV[1] then return { 0, jid } end
return { -1, '' }
`)

// heartbeat: refreshes liveness, optionally renews leases the worker holds,
// and drains pending cancellation intents in one step.
// KEYS[1]=worker key, KEYS[2]=worker jobs set, KEYS[3]=worker cancel set
// ARGV: 1 now ms, 2 active work flag (0/1), 3 lease ms
var scriptHeartbeat = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'not_registered' end
if redis.call('HGET', KEYS[1], 'status') == 'dead' then return 'dead' end
local now = tonumber(ARGV[1])
redis.call('HSET', KEYS[1], 'last_heartbeat', now)
if ARGV[2] == '1' then
  local jobs = redis.call('SMEMBERS', KEYS[2])
  for _, id in ipairs(jobs) do
    local jk = 'job:' .. id
    local st = redis.call('HGET', jk, 'status')
    if st == 'assigned' or st == 'running' then
      redis.call('HSET', jk, 'lease_progress', now, 'lease_expires', now + tonumber(ARGV[3]))
    end
  end
end
local cancels = redis.call('SMEMBERS', KEYS[3])
if #cancels > 0 then redis.call('DEL', KEYS[3]) end
return cancels
`)

// markDead: CAS on worker liveness so worker.lost is emitted once.
// KEYS[1]=worker key; ARGV: 1 now ms, 2 dead-after ms
var scriptMarkDead = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'skip' end
if redis.call('HGET', KEYS[1], 'status') == 'dead' then return 'skip' end
local hb = tonumber(redis.call('HGET', KEYS[1], 'last_heartbeat')) or 0
if tonumber(ARGV[1]) - hb <= tonumber(ARGV[2]) then return 'skip' end
redis.call('HSET', KEYS[1], 'status', 'dead')
return 'dead'
`)
