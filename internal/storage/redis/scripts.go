package redis

const (
	// applyOpsScript atomically applies a batch of gate key writes.
	// ARGV[1] is the TTL in seconds; each key then has an (op, value) pair.
	applyOpsScript = `
local ttl = tonumber(ARGV[1])

for i, key in ipairs(KEYS) do
  local op = ARGV[(i - 1) * 2 + 2]
  local value = ARGV[(i - 1) * 2 + 3]

  if op == 'set' then
    if ttl > 0 then
      redis.call('SET', key, value, 'EX', ttl)
    else
      redis.call('SET', key, value)
    end
  else
    redis.call('DEL', key)
  end
end

return 'OK'
`
)
