package canteen

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"lanchego/internal/protocol"
)

// Feed keeps the most recent granted withdrawals for the operations screens.
type Feed interface {
	Push(ctx context.Context, entry protocol.WithdrawalView) error
	Recent(ctx context.Context) ([]protocol.WithdrawalView, error)
}

// MemoryFeed is a process-local feed, newest first.
type MemoryFeed struct {
	mu      sync.Mutex
	size    int
	entries []protocol.WithdrawalView
}

func NewMemoryFeed(size int) *MemoryFeed {
	if size <= 0 {
		size = 5
	}
	return &MemoryFeed{size: size}
}

func (f *MemoryFeed) Push(_ context.Context, entry protocol.WithdrawalView) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append([]protocol.WithdrawalView{entry}, f.entries...)
	if len(f.entries) > f.size {
		f.entries = f.entries[:f.size]
	}
	return nil
}

func (f *MemoryFeed) Recent(_ context.Context) ([]protocol.WithdrawalView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.WithdrawalView, len(f.entries))
	copy(out, f.entries)
	return out, nil
}

// RedisFeed stores the feed in a capped Redis list so every instance and
// restart sees the same entries.
type RedisFeed struct {
	client *redis.Client
	key    string
	size   int
	log    zerolog.Logger
}

func NewRedisFeed(client *redis.Client, key string, size int, logger zerolog.Logger) *RedisFeed {
	if key == "" {
		key = "lanchego:retiradas:recentes"
	}
	if size <= 0 {
		size = 5
	}
	return &RedisFeed{client: client, key: key, size: size, log: logger}
}

func (f *RedisFeed) Push(ctx context.Context, entry protocol.WithdrawalView) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	pipe := f.client.TxPipeline()
	pipe.LPush(ctx, f.key, payload)
	pipe.LTrim(ctx, f.key, 0, int64(f.size-1))
	_, err = pipe.Exec(ctx)
	return err
}

func (f *RedisFeed) Recent(ctx context.Context) ([]protocol.WithdrawalView, error) {
	raw, err := f.client.LRange(ctx, f.key, 0, int64(f.size-1)).Result()
	if err != nil {
		return nil, err
	}
	return f.decode(raw), nil
}

// decode skips entries that do not parse; one bad entry must not hide the rest.
func (f *RedisFeed) decode(raw []string) []protocol.WithdrawalView {
	out := make([]protocol.WithdrawalView, 0, len(raw))
	for i, item := range raw {
		var v protocol.WithdrawalView
		if err := json.Unmarshal([]byte(item), &v); err != nil {
			f.log.Warn().Err(err).Str("key", f.key).Int("index", i).Msg("dropping undecodable feed entry")
			continue
		}
		out = append(out, v)
	}
	return out
}
