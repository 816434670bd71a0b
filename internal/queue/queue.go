/*
Copyright 2025 Churnpipe Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package queue implements the dispatch queue on Redis. One sorted set
// holds message ids scored by their visibility deadline; a hash per message
// holds the body, the delivery counter and the current lease receipt. All
// multi-key steps run as Lua scripts so a lease, its delivery count bump
// and the dead-letter decision are atomic.
package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	churnpipe "github.com/churnlabs/churnpipe"
	"github.com/churnlabs/churnpipe/config"
	"github.com/churnlabs/churnpipe/model"
)

// pollInterval is the receive loop's sleep between lease attempts while
// long-polling an empty queue.
const pollInterval = 200 * time.Millisecond

// leaseScript claims up to ARGV[3] visible messages: bump the delivery
// counter, either dead-letter the message (budget exhausted) or push its
// visibility deadline forward and stamp the caller's receipt.
// KEYS: 1=schedule zset, 2=dead-letter list.
// ARGV: 1=now ms, 2=deadline ms, 3=batch, 4=receipt, 5=max deliveries,
// 6=hash key prefix.
var leaseScript = redis.NewScript(`
local ready = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for i = 1, #ready do
	local id = ready[i]
	local h = ARGV[6] .. id
	if redis.call('EXISTS', h) == 0 then
		redis.call('ZREM', KEYS[1], id)
	else
		local d = redis.call('HINCRBY', h, 'deliveries', 1)
		if d > tonumber(ARGV[5]) then
			redis.call('RPUSH', KEYS[2], redis.call('HGET', h, 'body'))
			redis.call('ZREM', KEYS[1], id)
			redis.call('DEL', h)
		else
			redis.call('ZADD', KEYS[1], ARGV[2], id)
			redis.call('HSET', h, 'receipt', ARGV[4])
			out[#out+1] = id
			out[#out+1] = d
			out[#out+1] = redis.call('HGET', h, 'body')
		end
	end
end
return out
`)

// KEYS: 1=schedule zset. ARGV: 1=receipt, 2=hash prefix, 3=message id.
var ackScript = redis.NewScript(`
local h = ARGV[2] .. ARGV[3]
if redis.call('HGET', h, 'receipt') ~= ARGV[1] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[3])
redis.call('DEL', h)
return 1
`)

// KEYS: 1=schedule zset. ARGV: 1=receipt, 2=hash prefix, 3=message id,
// 4=new deadline ms.
var extendScript = redis.NewScript(`
local h = ARGV[2] .. ARGV[3]
if redis.call('HGET', h, 'receipt') ~= ARGV[1] then
	return 0
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[4], ARGV[3])
return 1
`)

// KEYS: 1=schedule zset. ARGV: 1=receipt, 2=hash prefix, 3=message id,
// 4=now ms. Clearing the receipt invalidates the old lease before the
// message becomes visible again.
var nackScript = redis.NewScript(`
local h = ARGV[2] .. ARGV[3]
if redis.call('HGET', h, 'receipt') ~= ARGV[1] then
	return 0
end
redis.call('HDEL', h, 'receipt')
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[3])
return 1
`)

// RedisQueue implements the JobQueue and QueueInspector ports.
type RedisQueue struct {
	client            redis.UniversalClient
	name              string
	deadLetterName    string
	maxDeliveryCount  int
	visibilityDefault time.Duration
}

// NewRedisQueue builds the adapter from the queue configuration block.
// visibility is the lease interval applied at receive time.
func NewRedisQueue(client redis.UniversalClient, cfg config.QueueConfig, visibility time.Duration) *RedisQueue {
	return &RedisQueue{
		client:            client,
		name:              cfg.Name,
		deadLetterName:    cfg.DeadLetterName,
		maxDeliveryCount:  cfg.MaxDeliveryCount,
		visibilityDefault: visibility,
	}
}

// MaxDeliveryCount is the adapter's dead-letter budget. The worker derives
// its poison threshold from it.
func (q *RedisQueue) MaxDeliveryCount() int {
	return q.maxDeliveryCount
}

func (q *RedisQueue) hashPrefix() string {
	return q.name + ":msg:"
}

// Enqueue durably stores the message and makes it immediately visible.
// Failures surface as transient so the gateway can mark the job
// FAILED(EnqueueFailed) and reject the request.
func (q *RedisQueue) Enqueue(ctx context.Context, msg model.QueueMessage) (string, error) {
	body, err := msg.Marshal()
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	now := time.Now()

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.hashPrefix()+id,
		"body", body,
		"deliveries", 0,
		"enqueued_at", now.UnixMilli(),
	)
	pipe.ZAdd(ctx, q.name, redis.Z{Score: float64(now.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", pkgerrors.Wrap(churnpipe.ErrTransient, err.Error())
	}
	return id, nil
}

// Lease long-polls for up to wait and returns at most batch leases. Each
// lease carries the adapter-side delivery count; messages past the delivery
// budget are dead-lettered inside the script and never returned.
func (q *RedisQueue) Lease(ctx context.Context, batch int, wait time.Duration) ([]*churnpipe.Lease, error) {
	if batch < 1 {
		batch = 1
	}
	pollDeadline := time.Now().Add(wait)

	for {
		leases, err := q.leaseOnce(ctx, batch)
		if err != nil {
			return nil, err
		}
		if len(leases) > 0 {
			return leases, nil
		}

		remaining := time.Until(pollDeadline)
		if remaining <= 0 {
			return nil, nil
		}
		sleep := pollInterval
		if remaining < sleep {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (q *RedisQueue) leaseOnce(ctx context.Context, batch int) ([]*churnpipe.Lease, error) {
	now := time.Now()
	deadline := now.Add(q.visibilityDefault)
	receipt := uuid.New().String()

	res, err := leaseScript.Run(ctx, q.client,
		[]string{q.name, q.deadLetterName},
		now.UnixMilli(),
		deadline.UnixMilli(),
		batch,
		receipt,
		q.maxDeliveryCount,
		q.hashPrefix(),
	).Result()
	if err != nil {
		return nil, pkgerrors.Wrap(churnpipe.ErrTransient, err.Error())
	}

	raw, ok := res.([]interface{})
	if !ok || len(raw)%3 != 0 {
		return nil, pkgerrors.Errorf("unexpected lease script reply: %T", res)
	}

	leases := make([]*churnpipe.Lease, 0, len(raw)/3)
	for i := 0; i < len(raw); i += 3 {
		leases = append(leases, &churnpipe.Lease{
			MessageID:     asString(raw[i]),
			Receipt:       receipt,
			DeliveryCount: int(asInt64(raw[i+1])),
			Body:          []byte(asString(raw[i+2])),
			Deadline:      deadline,
		})
	}
	return leases, nil
}

// Extend renews the visibility deadline for a held lease. ErrLeaseLost
// means another worker owns the message now; the caller must abort without
// acking.
func (q *RedisQueue) Extend(ctx context.Context, lease *churnpipe.Lease, d time.Duration) error {
	deadline := time.Now().Add(d)
	n, err := extendScript.Run(ctx, q.client,
		[]string{q.name},
		lease.Receipt, q.hashPrefix(), lease.MessageID, deadline.UnixMilli(),
	).Int64()
	if err != nil {
		return pkgerrors.Wrap(churnpipe.ErrTransient, err.Error())
	}
	if n == 0 {
		return churnpipe.ErrLeaseLost
	}
	lease.Deadline = deadline
	return nil
}

// Ack deletes the message. Only the current lease holder may ack.
func (q *RedisQueue) Ack(ctx context.Context, lease *churnpipe.Lease) error {
	n, err := ackScript.Run(ctx, q.client,
		[]string{q.name},
		lease.Receipt, q.hashPrefix(), lease.MessageID,
	).Int64()
	if err != nil {
		return pkgerrors.Wrap(churnpipe.ErrTransient, err.Error())
	}
	if n == 0 {
		return churnpipe.ErrLeaseLost
	}
	return nil
}

// Nack makes the message immediately visible again without consuming a
// delivery beyond the one already counted at lease time.
func (q *RedisQueue) Nack(ctx context.Context, lease *churnpipe.Lease) error {
	n, err := nackScript.Run(ctx, q.client,
		[]string{q.name},
		lease.Receipt, q.hashPrefix(), lease.MessageID, time.Now().UnixMilli(),
	).Int64()
	if err != nil {
		return pkgerrors.Wrap(churnpipe.ErrTransient, err.Error())
	}
	if n == 0 {
		return churnpipe.ErrLeaseLost
	}
	return nil
}

// Depth counts live messages, leased or visible.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.name).Result()
	if err != nil {
		return 0, pkgerrors.Wrap(churnpipe.ErrTransient, err.Error())
	}
	return n, nil
}

// OldestAge reports how long the oldest live message has been in the queue,
// by enqueue time. Scans at most the 100 next-visible messages.
func (q *RedisQueue) OldestAge(ctx context.Context) (time.Duration, error) {
	ids, err := q.client.ZRange(ctx, q.name, 0, 99).Result()
	if err != nil {
		return 0, pkgerrors.Wrap(churnpipe.ErrTransient, err.Error())
	}

	var oldest int64
	for _, id := range ids {
		v, err := q.client.HGet(ctx, q.hashPrefix()+id, "enqueued_at").Result()
		if err != nil {
			continue
		}
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		if oldest == 0 || ms < oldest {
			oldest = ms
		}
	}
	if oldest == 0 {
		return 0, nil
	}
	return time.Since(time.UnixMilli(oldest)), nil
}

// DeadLetterCount is the number of messages in the dead-letter sink.
func (q *RedisQueue) DeadLetterCount(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.deadLetterName).Result()
	if err != nil {
		return 0, pkgerrors.Wrap(churnpipe.ErrTransient, err.Error())
	}
	return n, nil
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}
