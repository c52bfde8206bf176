// Package transport carries rebase requests and replies over Redis.
//
// Requests use the reliable-list pattern: producers LPUSH onto a pending
// list, consumers atomically move the oldest request into a processing list
// with BRPOPLPUSH, and acknowledgement removes it from there. A consumer
// that dies leaves its requests in the processing list, where
// RecoverInFlight finds them.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"snapgraph/proto"
)

// ErrUnknownDelivery is returned when acknowledging a delivery this queue
// did not hand out.
var ErrUnknownDelivery = errors.New("unknown delivery")

// DefaultReplyTTL bounds how long an unread reply is kept.
const DefaultReplyTTL = 10 * time.Minute

// RedisQueue is a rebase queue namespaced under one key prefix. It is safe
// for concurrent use.
type RedisQueue struct {
	rdb       *redis.Client
	namespace string
	replyTTL  time.Duration

	mu       sync.Mutex
	inflight map[string]string
}

// NewRedisQueue creates a queue for the given namespace.
func NewRedisQueue(redisOpts *redis.Options, namespace string) (*RedisQueue, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}
	return &RedisQueue{
		rdb:       redis.NewClient(redisOpts),
		namespace: namespace,
		replyTTL:  DefaultReplyTTL,
		inflight:  make(map[string]string),
	}, nil
}

// SetReplyTTL overrides DefaultReplyTTL.
func (q *RedisQueue) SetReplyTTL(ttl time.Duration) {
	q.replyTTL = ttl
}

// Close closes the Redis connection.
func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}

// Ping verifies Redis connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func (q *RedisQueue) pendingKey() string {
	return fmt.Sprintf("snapgraph:%s:rebase:pending", q.namespace)
}

func (q *RedisQueue) processingKey() string {
	return fmt.Sprintf("snapgraph:%s:rebase:processing", q.namespace)
}

func (q *RedisQueue) attemptsKey() string {
	return fmt.Sprintf("snapgraph:%s:rebase:attempts", q.namespace)
}

func (q *RedisQueue) replyKey(deliveryID string) string {
	return fmt.Sprintf("snapgraph:%s:rebase:reply:%s", q.namespace, deliveryID)
}

// Enqueue pushes a request and returns its delivery id.
func (q *RedisQueue) Enqueue(ctx context.Context, req proto.RebaseRequest) (string, error) {
	id := uuid.NewString()
	payload, err := proto.EncodeEnvelope(id, req)
	if err != nil {
		return "", err
	}
	if err := q.rdb.LPush(ctx, q.pendingKey(), payload).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue rebase: %w", err)
	}
	return id, nil
}

// Receive blocks up to wait for the next request. It returns nil when
// nothing arrived in time.
func (q *RedisQueue) Receive(ctx context.Context, wait time.Duration) (*proto.Delivery, error) {
	raw, err := q.rdb.BRPopLPush(ctx, q.pendingKey(), q.processingKey(), wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to receive rebase: %w", err)
	}

	env, err := proto.DecodeEnvelope([]byte(raw))
	if err != nil {
		// Poison message: drop it from processing so it is not recovered.
		q.rdb.LRem(ctx, q.processingKey(), 1, raw)
		return nil, fmt.Errorf("dropping undecodable request: %w", err)
	}

	attempts, err := q.rdb.HIncrBy(ctx, q.attemptsKey(), env.ID, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count attempt: %w", err)
	}

	q.mu.Lock()
	q.inflight[env.ID] = raw
	q.mu.Unlock()
	return &proto.Delivery{ID: env.ID, Request: env.Request, Attempts: int(attempts)}, nil
}

func (q *RedisQueue) take(deliveryID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	raw, ok := q.inflight[deliveryID]
	if !ok {
		return "", fmt.Errorf("%s: %w", deliveryID, ErrUnknownDelivery)
	}
	delete(q.inflight, deliveryID)
	return raw, nil
}

// Ack removes the delivery from processing and publishes its reply.
func (q *RedisQueue) Ack(ctx context.Context, deliveryID string, reply proto.RebaseReply) error {
	payload, err := proto.EncodeReply(reply)
	if err != nil {
		return err
	}
	raw, err := q.take(deliveryID)
	if err != nil {
		return err
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, raw)
		pipe.HDel(ctx, q.attemptsKey(), deliveryID)
		pipe.LPush(ctx, q.replyKey(deliveryID), payload)
		pipe.Expire(ctx, q.replyKey(deliveryID), q.replyTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to acknowledge delivery: %w", err)
	}
	return nil
}

// Nack puts the delivery back at the head of the pending list.
func (q *RedisQueue) Nack(ctx context.Context, deliveryID string, _ error) error {
	raw, err := q.take(deliveryID)
	if err != nil {
		return err
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, raw)
		pipe.RPush(ctx, q.pendingKey(), raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to requeue delivery: %w", err)
	}
	return nil
}

// RecoverInFlight moves every request left in processing back to pending.
// Call it at startup, before any consumer runs.
func (q *RedisQueue) RecoverInFlight(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.rdb.RPopLPush(ctx, q.processingKey(), q.pendingKey()).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("failed to recover in-flight requests: %w", err)
		}
		n++
	}
}

// AwaitReply blocks until the delivery's reply arrives or ctx ends.
func (q *RedisQueue) AwaitReply(ctx context.Context, deliveryID string) (proto.RebaseReply, error) {
	key := q.replyKey(deliveryID)
	for {
		res, err := q.rdb.BRPop(ctx, time.Second, key).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return proto.RebaseReply{}, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return proto.RebaseReply{}, ctx.Err()
			}
			return proto.RebaseReply{}, fmt.Errorf("failed to await reply: %w", err)
		}
		return proto.DecodeReply([]byte(res[1]))
	}
}

// Depth returns the number of pending and processing requests.
func (q *RedisQueue) Depth(ctx context.Context) (map[string]int, error) {
	pending, err := q.rdb.LLen(ctx, q.pendingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue depth: %w", err)
	}
	processing, err := q.rdb.LLen(ctx, q.processingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return map[string]int{"pending": int(pending), "processing": int(processing)}, nil
}
