package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"raffle/internal/store"

	"github.com/google/logger"
	"github.com/redis/go-redis/v9"
)

// Config describes the Redis connection backing the store.
type Config struct {
	Addr        string
	Password    string
	DB          int
	Prefix      string
	MaxAttempts int
	DialTimeout time.Duration
}

// Store keeps each document as a JSON string under <prefix><collection>/<id>.
// Transactions WATCH the declared keys and commit with MULTI/EXEC.
type Store struct {
	client      redis.UniversalClient
	prefix      string
	maxAttempts int
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: ping %s: %w", cfg.Addr, err)
	}
	logger.Infof("redisstore: connected to %s (db %d)", cfg.Addr, cfg.DB)
	return NewWithClient(client, cfg.Prefix, cfg.MaxAttempts), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, prefix string, maxAttempts int) *Store {
	return &Store{
		client:      client,
		prefix:      prefix,
		maxAttempts: store.Attempts(maxAttempts),
	}
}

func (s *Store) key(ref store.DocRef) string {
	return s.prefix + ref.String()
}

func (s *Store) Get(ctx context.Context, ref store.DocRef) (store.Document, bool, error) {
	return s.read(ctx, s.client, ref)
}

func (s *Store) Set(ctx context.Context, ref store.DocRef, doc store.Document, merge bool) error {
	if merge {
		return s.RunTransaction(ctx, []store.DocRef{ref}, func(tx store.Tx) error {
			return tx.Set(ref, doc, true)
		})
	}
	body, err := store.EncodeDocument(doc)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(ref), body, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: set %s: %w", ref, err)
	}
	return nil
}

func (s *Store) RunTransaction(ctx context.Context, refs []store.DocRef, fn store.TxFunc) error {
	keys := make([]string, len(refs))
	for i, ref := range refs {
		keys[i] = s.key(ref)
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			tx := &redisTx{ctx: ctx, s: s, rtx: rtx, ws: store.NewWriteSet(refs)}
			if err := fn(tx); err != nil {
				return err
			}
			if tx.ws.Empty() {
				return nil
			}
			_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return tx.ws.Writes(func(ref store.DocRef, doc store.Document) error {
					body, err := store.EncodeDocument(doc)
					if err != nil {
						return err
					}
					pipe.Set(ctx, s.key(ref), body, 0)
					return nil
				})
			})
			return err
		}, keys...)

		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		logger.Infof("redisstore: transaction on %v conflicted (attempt %d/%d)", keys, attempt, s.maxAttempts)
	}
	return store.ErrTooManyAttempts
}

func (s *Store) Close() error {
	return s.client.Close()
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) read(ctx context.Context, c getter, ref store.DocRef) (store.Document, bool, error) {
	body, err := c.Get(ctx, s.key(ref)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redisstore: get %s: %w", ref, err)
	}
	doc, err := store.DecodeDocument(body)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

type redisTx struct {
	ctx context.Context
	s   *Store
	rtx *redis.Tx
	ws  *store.WriteSet
}

func (t *redisTx) Get(ref store.DocRef) (store.Document, bool, error) {
	if !t.ws.Declared(ref) {
		return nil, false, fmt.Errorf("%w: %s", store.ErrUndeclaredRef, ref)
	}
	if doc, ok := t.ws.Pending(ref); ok {
		return doc.Merge(nil), true, nil
	}
	doc, ok, err := t.s.read(t.ctx, t.rtx, ref)
	if err != nil {
		return nil, false, err
	}
	t.ws.Observe(ref, doc)
	return doc, ok, nil
}

func (t *redisTx) Set(ref store.DocRef, doc store.Document, merge bool) error {
	if merge && !t.ws.Observed(ref) {
		if _, _, err := t.Get(ref); err != nil {
			return err
		}
	}
	return t.ws.Stage(ref, doc, merge)
}
