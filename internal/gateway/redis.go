package gateway

import (
	"cmp"
	"context"
	"slices"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	// redisChunk is the number of members asked for in one ZMSCORE.
	redisChunk = 512
	// redisPipeline is the number of ZMSCORE commands sent per round trip.
	redisPipeline = 16
	// redisPage is the number of members read per ZRANGE when scanning the
	// whole set.
	redisPage = 4096
)

// Redis keeps the grid in a Redis sorted set and uses Redis pub/sub as the
// change bus. Every server instance pointed at the same Redis sees the same
// grid and the same changes.
type Redis struct {
	rdb *redis.Client
}

var _ Gateway = (*Redis)(nil)

// NewRedis connects to the Redis server at url (redis://host:port/db).
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url failed")
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, unavailable("ping", err)
	}
	return &Redis{rdb: rdb}, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// RangeWithScores returns the written indices in [start, end] ordered by
// index. A window wider than the set is answered by scanning the set, so
// "get,0,10000000" costs what is stored rather than what is asked for.
// Narrower windows are read with chunked ZMSCORE.
func (r *Redis) RangeWithScores(ctx context.Context, key string, start, end uint32) ([]Member, error) {
	if start > end {
		return nil, nil
	}
	card, err := r.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return nil, unavailable("range", err)
	}
	if card == 0 {
		return nil, nil
	}
	if uint64(card) <= uint64(end)-uint64(start)+1 {
		return r.scanRange(ctx, key, start, end)
	}
	return r.probeRange(ctx, key, start, end)
}

// scanRange reads the whole set page by page and keeps the members inside
// the window. Members that are not decimal indices are skipped.
func (r *Redis) scanRange(ctx context.Context, key string, start, end uint32) ([]Member, error) {
	seen := make(map[uint32]int)
	for offset := int64(0); ; offset += redisPage {
		page, err := r.rdb.ZRangeWithScores(ctx, key, offset, offset+redisPage-1).Result()
		if err != nil {
			return nil, unavailable("range", err)
		}
		for _, z := range page {
			name, ok := z.Member.(string)
			if !ok {
				continue
			}
			n, err := strconv.ParseUint(name, 10, 32)
			if err != nil || n < uint64(start) || n > uint64(end) {
				continue
			}
			seen[uint32(n)] = int(z.Score)
		}
		if len(page) < redisPage {
			break
		}
	}
	members := make([]Member, 0, len(seen))
	for index, score := range seen {
		members = append(members, Member{Index: index, Score: score})
	}
	slices.SortFunc(members, func(a, b Member) int { return cmp.Compare(a.Index, b.Index) })
	return members, nil
}

// probeRange asks for every index of the window with pipelined ZMSCORE.
func (r *Redis) probeRange(ctx context.Context, key string, start, end uint32) ([]Member, error) {
	var members []Member
	next := uint64(start)
	last := uint64(end)
	for next <= last {
		var (
			cmds   []*redis.Cmd
			firsts []uint64
		)
		_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i := 0; i < redisPipeline && next <= last; i++ {
				n := min(uint64(redisChunk), last-next+1)
				args := make([]interface{}, 0, n+2)
				args = append(args, "zmscore", key)
				for idx := next; idx < next+n; idx++ {
					args = append(args, strconv.FormatUint(idx, 10))
				}
				cmds = append(cmds, pipe.Do(ctx, args...))
				firsts = append(firsts, next)
				next += n
			}
			return nil
		})
		if err != nil {
			return nil, unavailable("range", err)
		}
		for i, cmd := range cmds {
			scores, err := cmd.Slice()
			if err != nil {
				return nil, unavailable("range", err)
			}
			for j, raw := range scores {
				if raw == nil {
					continue
				}
				score, err := redisScore(raw)
				if err != nil {
					return nil, errors.Wrapf(err, "decode score of %d failed", firsts[i]+uint64(j))
				}
				members = append(members, Member{Index: uint32(firsts[i] + uint64(j)), Score: score})
			}
		}
	}
	return members, nil
}

// redisScore accepts both the RESP2 bulk string and the RESP3 double form.
func redisScore(raw interface{}) (int, error) {
	switch v := raw.(type) {
	case float64:
		return int(v), nil
	case int64:
		return int(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, err
		}
		return int(f), nil
	}
	return 0, errors.Errorf("unexpected score type %T", raw)
}

func (r *Redis) SetScore(ctx context.Context, key string, index uint32, score int) error {
	err := r.rdb.ZAdd(ctx, key, redis.Z{
		Score:  float64(score),
		Member: strconv.FormatUint(uint64(index), 10),
	}).Err()
	return unavailable("set score", err)
}

func (r *Redis) Publish(ctx context.Context, topic, payload string) error {
	return unavailable("publish", r.rdb.Publish(ctx, topic, payload).Err())
}

// Subscribe waits for Redis to confirm the subscription before returning, so
// no publish issued afterwards is missed.
func (r *Redis) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := r.rdb.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, unavailable("subscribe", err)
	}
	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan string),
		done: make(chan struct{}),
	}
	go sub.forward()
	return sub, nil
}

func (r *Redis) Close() error {
	return errors.Wrap(r.rdb.Close(), "close redis client failed")
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan string
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) forward() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		select {
		case s.out <- msg.Payload:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan string {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return errors.Wrap(err, "close redis subscription failed")
}
