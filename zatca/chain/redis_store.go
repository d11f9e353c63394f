package chain

import (
	"context"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/alapierre/go-zatca-client/zatca/invoice"
)

// advanceScript swaps the head stored in KEYS[1] when it still equals the expected one.
// ARGV: expected counter, expected hash, next counter, next hash, updated at, genesis hash.
var advanceScript = redis.NewScript(`
local cur = redis.call("HMGET", KEYS[1], "counter", "hash")
local counter = cur[1]
local hash = cur[2]
if not counter then
    counter = "0"
    hash = ARGV[6]
end
if counter ~= ARGV[1] or hash ~= ARGV[2] then
    return 0
end
redis.call("HSET", KEYS[1], "counter", ARGV[3], "hash", ARGV[4], "updated_at", ARGV[5])
return 1
`)

// RedisStore is a Store in Redis hashes, one per unit.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	clock  func() time.Time
}

// NewRedisStore keeps heads under prefix+unit, "zatca:chain:" when prefix is empty.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "zatca:chain:"
	}
	return &RedisStore{client: client, prefix: prefix, clock: time.Now}
}

func (s *RedisStore) key(unit string) string {
	return s.prefix + unit
}

func (s *RedisStore) Head(ctx context.Context, unit string) (Head, error) {
	m, err := s.client.HGetAll(ctx, s.key(unit)).Result()
	if err != nil {
		return Head{}, errors.Wrap(err, "read chain head")
	}
	if len(m) == 0 {
		return Genesis, nil
	}

	counter, err := strconv.ParseUint(m["counter"], 10, 64)
	if err != nil {
		return Head{}, errors.Wrapf(err, "chain head counter of %s", unit)
	}
	h := Head{Counter: counter, Hash: m["hash"]}
	if ts := m["updated_at"]; ts != "" {
		if h.UpdatedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return Head{}, errors.Wrap(err, "chain head time")
		}
	}
	return h, nil
}

func (s *RedisStore) Advance(ctx context.Context, unit string, prev, next Head) error {
	ok, err := advanceScript.Run(ctx, s.client, []string{s.key(unit)},
		strconv.FormatUint(prev.Counter, 10), prev.Hash,
		strconv.FormatUint(next.Counter, 10), next.Hash,
		s.clock().UTC().Format(time.RFC3339Nano),
		invoice.FirstInvoiceHash,
	).Int()
	if err != nil {
		return errors.Wrap(err, "advance chain head")
	}
	if ok == 0 {
		cur, err := s.Head(ctx, unit)
		if err != nil {
			return err
		}
		return staleHead(unit, prev, cur)
	}
	logger.WithFields(logrus.Fields{"unit": unit, "counter": next.Counter}).Debug("chain advanced")
	return nil
}
