package api

import "github.com/redis/go-redis/v9"

// BidScript performs the conditional raise on an auction's cached
// current price, in integer cents so comparison is exact.
//
//	KEYS[1] - current-price key for the auction
//	KEYS[2] - bid stream
//	ARGV[1] - bid amount in cents
//	ARGV[2] - encoded bid payload for the stream
//	ARGV[3] - price key expiry in seconds
//
// Returns:
//
//	 1 - bid accepted, price raised and payload appended to the stream
//	 0 - bid not higher than the current price
//	-1 - price key missing (cold cache; refill from the DB and retry)
var BidScript = redis.NewScript(`
local exists = redis.call('EXISTS', KEYS[1])
if exists == 0 then
    return -1
end

local current_bid = tonumber(redis.call('GET', KEYS[1])) or 0
local new_bid = tonumber(ARGV[1])

if new_bid <= current_bid then
    return 0
end

redis.call('SET', KEYS[1], new_bid, 'EX', tonumber(ARGV[3]))
redis.call('XADD', KEYS[2], '*', 'data', ARGV[2])

return 1
`)
