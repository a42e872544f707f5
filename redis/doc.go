// Package redis keeps message leases in Redis.
//
// A lease is a key holding the owner token with a millisecond TTL. Acquire
// uses SET NX PX. RenewLock and Release run Lua scripts that compare the
// owner before touching the key, so a worker whose lease expired and was
// taken by another owner gets outbox.ErrNotOwned. Expiries are computed from
// the Redis server clock.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	leases := redis.NewLeaseStore(client)
//	factory, err := outbox.NewFactory(outbox.Scope{Store: leases})
package redis
