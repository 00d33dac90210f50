package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"nextgen-credit/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultTimeout   = 1500 * time.Millisecond
	defaultRecordTTL = 30 * time.Second
	watchAttempts    = 3
)

type Config struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// RecordTTL is refreshed on every write; a record nobody updates expires.
	RecordTTL time.Duration
	NodeID    string
}

func (c *Config) setDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultTimeout
	}
	if c.RecordTTL <= 0 {
		c.RecordTTL = defaultRecordTTL
	}
}

// RedisStore keeps the shared credit records and the kill list. A failed
// command replaces the client before the error is returned; the command
// itself is not retried.
type RedisStore struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	client *redis.Client
}

func NewRedisStore(cfg Config, logger *zap.Logger) *RedisStore {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &RedisStore{
		cfg:    cfg,
		logger: logger.Named("replication"),
		now:    time.Now,
	}
	s.client = s.newClient()
	return s
}

func (s *RedisStore) newClient() *redis.Client {
	opt, err := redis.ParseURL(s.cfg.Addr)
	if err != nil {
		opt = &redis.Options{Addr: s.cfg.Addr}
	}
	if s.cfg.Password != "" {
		opt.Password = s.cfg.Password
	}
	if s.cfg.DB != 0 {
		opt.DB = s.cfg.DB
	}
	opt.DialTimeout = s.cfg.DialTimeout
	opt.ReadTimeout = s.cfg.ReadTimeout
	opt.WriteTimeout = s.cfg.WriteTimeout
	opt.MaxRetries = -1
	return redis.NewClient(opt)
}

// Client returns the connection currently in use.
func (s *RedisStore) Client() *redis.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func (s *RedisStore) NodeID() string { return s.cfg.NodeID }

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.do(ctx, "ping", func(c *redis.Client) error {
		return c.Ping(ctx).Err()
	})
}

func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client.Close()
}

func (s *RedisStore) do(ctx context.Context, op string, fn func(c *redis.Client) error) error {
	c := s.Client()
	err := fn(c)
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %s: %v", ErrReplication, op, err)
	}
	// The caller gave up; the connection is not at fault.
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrReplication, op, err)
	}
	s.logger.Error("store command failed, reconnecting",
		zap.String("op", op),
		zap.Error(err))
	s.reconnect(c)
	return fmt.Errorf("%w: %s: %v", ErrReplication, op, err)
}

// reconnect swaps failed for a fresh client unless another caller already did.
func (s *RedisStore) reconnect(failed *redis.Client) {
	s.mu.Lock()
	if s.client != failed {
		s.mu.Unlock()
		return
	}
	_ = failed.Close()
	fresh := s.newClient()
	s.client = fresh
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
	defer cancel()
	if err := fresh.Ping(ctx).Err(); err != nil {
		s.logger.Error("reconnect to store failed", zap.String("addr", s.cfg.Addr), zap.Error(err))
		return
	}
	s.logger.Info("reconnected to store", zap.String("addr", s.cfg.Addr))
}

// GetOrCreate writes rec when no usable record exists, clearing any stale
// kill list membership for the client. Otherwise it returns the stored totals.
func (s *RedisStore) GetOrCreate(ctx context.Context, rec models.CreditRecord) (models.CreditRecord, bool, error) {
	key := RecordKey(rec.Type, rec.ClientID)
	out := rec
	var created bool

	err := s.do(ctx, "get_or_create", func(c *redis.Client) error {
		var err error
		for attempt := 0; attempt < watchAttempts; attempt++ {
			err = c.Watch(ctx, func(tx *redis.Tx) error {
				vals, err := tx.HMGet(ctx, key, FieldConcurrentCalls, FieldConsumed, FieldEnded, FieldMax, FieldNumberOfCalls).Result()
				if err != nil {
					return err
				}
				if vals[3] != nil {
					created = false
					return decodeRecord(vals, &out)
				}
				_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
					p.HSet(ctx, key, encodeRecord(rec))
					p.Expire(ctx, key, s.cfg.RecordTTL)
					p.SRem(ctx, KillSetKey(rec.Type), rec.ClientID)
					return nil
				})
				created = err == nil
				return err
			}, key)
			if !errors.Is(err, redis.TxFailedErr) {
				return err
			}
		}
		return err
	})
	if err != nil {
		return models.CreditRecord{}, false, err
	}
	return out, created, nil
}

func encodeRecord(rec models.CreditRecord) map[string]interface{} {
	return map[string]interface{}{
		FieldConcurrentCalls: strconv.FormatInt(rec.ConcurrentCalls, 10),
		FieldConsumed:        rec.ConsumedAmount.String(),
		FieldEnded:           rec.EndedCallsConsumedAmount.String(),
		FieldMax:             rec.MaxAmount.String(),
		FieldNumberOfCalls:   strconv.FormatInt(rec.NumberOfCalls, 10),
		FieldType:            string(rec.Type),
	}
}

// decodeRecord reads HMGET values in the order concurrent, consumed, ended,
// max, number_of_calls.
func decodeRecord(vals []interface{}, rec *models.CreditRecord) error {
	var err error
	if rec.ConcurrentCalls, err = parseInt(vals[0]); err != nil {
		return fmt.Errorf("%s: %w", FieldConcurrentCalls, err)
	}
	if rec.ConsumedAmount, err = parseDecimal(vals[1]); err != nil {
		return fmt.Errorf("%s: %w", FieldConsumed, err)
	}
	if rec.EndedCallsConsumedAmount, err = parseDecimal(vals[2]); err != nil {
		return fmt.Errorf("%s: %w", FieldEnded, err)
	}
	if rec.MaxAmount, err = parseDecimal(vals[3]); err != nil {
		return fmt.Errorf("%s: %w", FieldMax, err)
	}
	if rec.NumberOfCalls, err = parseInt(vals[4]); err != nil {
		return fmt.Errorf("%s: %w", FieldNumberOfCalls, err)
	}
	return nil
}

func parseInt(v interface{}) (int64, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func parseDecimal(v interface{}) (decimal.Decimal, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	// HINCRBYFLOAT leaves binary float noise in the last digits.
	return d.Round(8), nil
}

// incrementScript applies HINCRBY or HINCRBYFLOAT to field/delta pairs and
// refreshes the TTL, but only on a record that still exists. A record deleted
// by CleanUpIfLast must not come back as a hash without max_amount.
var incrementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
for i = 3, #ARGV, 2 do
  redis.call(ARGV[1], KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('EXPIRE', KEYS[1], ARGV[2])
return 1
`)

func (s *RedisStore) ttlSeconds() int64 {
	secs := int64(s.cfg.RecordTTL / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (s *RedisStore) increment(ctx context.Context, op, cmd string, typ models.CreditType, clientID string, pairs ...interface{}) error {
	key := RecordKey(typ, clientID)
	args := append([]interface{}{cmd, s.ttlSeconds()}, pairs...)
	var applied int64
	err := s.do(ctx, op, func(c *redis.Client) error {
		var err error
		applied, err = incrementScript.Run(ctx, c, []string{key}, args...).Int64()
		return err
	})
	if err != nil {
		return err
	}
	if applied == 0 {
		return fmt.Errorf("%w: %s: %s", ErrRecordMissing, op, key)
	}
	return nil
}

func (s *RedisStore) incrementAmount(ctx context.Context, op, field string, typ models.CreditType, clientID string, delta decimal.Decimal) error {
	return s.increment(ctx, op, "HINCRBYFLOAT", typ, clientID, field, delta.String())
}

func (s *RedisStore) IncrementConsumed(ctx context.Context, typ models.CreditType, clientID string, delta decimal.Decimal) error {
	return s.incrementAmount(ctx, "increment_consumed", FieldConsumed, typ, clientID, delta)
}

func (s *RedisStore) IncrementEnded(ctx context.Context, typ models.CreditType, clientID string, delta decimal.Decimal) error {
	return s.incrementAmount(ctx, "increment_ended", FieldEnded, typ, clientID, delta)
}

func (s *RedisStore) IncrementMax(ctx context.Context, typ models.CreditType, clientID string, delta decimal.Decimal) error {
	return s.incrementAmount(ctx, "increment_max", FieldMax, typ, clientID, delta)
}

func (s *RedisStore) IncrementCalls(ctx context.Context, typ models.CreditType, clientID string, concurrent, number int64) error {
	var pairs []interface{}
	if concurrent != 0 {
		pairs = append(pairs, FieldConcurrentCalls, concurrent)
	}
	if number != 0 {
		pairs = append(pairs, FieldNumberOfCalls, number)
	}
	if len(pairs) == 0 {
		return nil
	}
	return s.increment(ctx, "increment_calls", "HINCRBY", typ, clientID, pairs...)
}

func (s *RedisStore) Remove(ctx context.Context, typ models.CreditType, clientID string) error {
	return s.do(ctx, "remove", func(c *redis.Client) error {
		_, err := c.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, RecordKey(typ, clientID))
			p.SRem(ctx, KillSetKey(typ), clientID)
			return nil
		})
		return err
	})
}

// CleanUpIfLast deletes the record once no node counts a call against it.
func (s *RedisStore) CleanUpIfLast(ctx context.Context, typ models.CreditType, clientID string) (bool, error) {
	key := RecordKey(typ, clientID)
	var removed bool

	err := s.do(ctx, "clean_up", func(c *redis.Client) error {
		return c.Watch(ctx, func(tx *redis.Tx) error {
			calls, err := tx.HGet(ctx, key, FieldConcurrentCalls).Int64()
			switch {
			case errors.Is(err, redis.Nil):
				removed = true
				return nil
			case err != nil:
				return err
			case calls > 0:
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Del(ctx, key)
				p.SRem(ctx, KillSetKey(typ), clientID)
				return nil
			})
			removed = err == nil
			return err
		}, key)
	})
	return removed, err
}

// PublishKill adds the client to the kill set and broadcasts a notice. When
// the client is already in the set the cluster has been told and nothing is
// published. A nil error means the cluster is notified.
func (s *RedisStore) PublishKill(ctx context.Context, typ models.CreditType, clientID string) error {
	notice := models.KillNotice{
		ID:       uuid.NewString(),
		Type:     typ,
		ClientID: clientID,
		NodeID:   s.cfg.NodeID,
		IssuedAt: s.now().UTC(),
	}
	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal kill notice: %w", err)
	}

	setKey := KillSetKey(typ)
	return s.do(ctx, "publish_kill", func(c *redis.Client) error {
		var added *redis.IntCmd
		_, err := c.TxPipelined(ctx, func(p redis.Pipeliner) error {
			added = p.SAdd(ctx, setKey, clientID)
			p.Expire(ctx, setKey, s.cfg.RecordTTL)
			return nil
		})
		if err != nil {
			return err
		}
		if added.Val() == 0 {
			s.logger.Debug("client already on kill list",
				zap.String("client_id", clientID),
				zap.String("type", string(typ)))
			return nil
		}
		if err := c.Publish(ctx, KillListChannel(), payload).Err(); err != nil {
			return err
		}
		s.logger.Info("kill notice published",
			zap.String("client_id", clientID),
			zap.String("type", string(typ)),
			zap.String("notice_id", notice.ID))
		return nil
	})
}
