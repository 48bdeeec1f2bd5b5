package store

import (
	"context"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/valkey-io/valkey-go"
)

// ValkeyStore keeps entries in Valkey under prefix:key as a JSON envelope.
// Valkey expires keys itself, so DeleteExpired is a no-op.
type ValkeyStore struct {
	client valkey.Client
	prefix string
}

// NewValkey wraps an existing client.
func NewValkey(client valkey.Client, prefix string) *ValkeyStore {
	if prefix == "" {
		prefix = "area-advisor"
	}
	return &ValkeyStore{client: client, prefix: prefix}
}

// DialValkey connects to addr (host:port or a redis:// URL) and pings it.
func DialValkey(ctx context.Context, addr, prefix string) (*ValkeyStore, error) {
	var opt valkey.ClientOption
	if strings.Contains(addr, "://") {
		parsed, err := valkey.ParseURL(addr)
		if err != nil {
			return nil, eris.Wrap(err, "valkey: parse url")
		}
		opt = parsed
	} else {
		opt = valkey.ClientOption{InitAddress: []string{addr}}
	}
	client, err := valkey.NewClient(opt)
	if err != nil {
		return nil, eris.Wrap(err, "valkey: new client")
	}
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, eris.Wrap(err, "valkey: ping")
	}
	return NewValkey(client, prefix), nil
}

func (s *ValkeyStore) Get(ctx context.Context, key string) (*Entry, error) {
	payload, err := s.client.Do(ctx, s.client.B().Get().Key(s.key(key)).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "valkey: get")
	}
	var e Entry
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return nil, eris.Wrap(err, "valkey: decode entry")
	}
	return &e, nil
}

func (s *ValkeyStore) Set(ctx context.Context, e Entry) error {
	if e.Key == "" {
		return ErrEmptyKey
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "valkey: encode entry")
	}
	ttl := e.TTL
	if ttl < time.Second {
		ttl = time.Second
	}
	cmd := s.client.B().Set().Key(s.key(e.Key)).Value(string(payload)).Ex(ttl).Build()
	return eris.Wrap(s.client.Do(ctx, cmd).Error(), "valkey: set")
}

func (s *ValkeyStore) Delete(ctx context.Context, key string) error {
	return eris.Wrap(s.client.Do(ctx, s.client.B().Del().Key(s.key(key)).Build()).Error(), "valkey: delete")
}

func (s *ValkeyStore) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Stats scans the prefix. Expired entries are already gone in Valkey,
// but entries whose logical TTL is shorter than the key TTL are counted.
func (s *ValkeyStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	st := Stats{Backend: "valkey", ByKind: make(map[string]int)}
	var cursor uint64
	for {
		cmd := s.client.B().Scan().Cursor(cursor).Match(s.prefix + ":*").Count(200).Build()
		entry, err := s.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return st, eris.Wrap(err, "valkey: scan")
		}
		for _, k := range entry.Elements {
			e, err := s.Get(ctx, strings.TrimPrefix(k, s.prefix+":"))
			if err != nil || e == nil {
				continue
			}
			st.Total++
			st.ByKind[e.Kind]++
			if !e.Valid(now) {
				st.Expired++
			}
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return st, nil
		}
	}
}

func (s *ValkeyStore) Migrate(context.Context) error { return nil }

func (s *ValkeyStore) Close() error {
	s.client.Close()
	return nil
}

func (s *ValkeyStore) key(k string) string {
	return s.prefix + ":" + k
}

var _ Store = (*ValkeyStore)(nil)
