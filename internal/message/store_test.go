package message

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

// stores returns every MessageStore implementation in this package.
func stores(t *testing.T) map[string]MessageStore {
	rs, _ := newTestRedisStore(t)
	return map[string]MessageStore{
		"memory": NewStore(),
		"redis":  rs,
	}
}

func TestStoreAppendAssignsSequence(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m1, err := s.Append(ctx, "room1", "u1", "hello")
			if err != nil {
				t.Fatalf("append: %v", err)
			}
			m2, err := s.Append(ctx, "room1", "u2", "world")
			if err != nil {
				t.Fatalf("append: %v", err)
			}
			if m1.Seq <= 0 || m2.Seq <= m1.Seq {
				t.Errorf("expected increasing sequence, got %d then %d", m1.Seq, m2.Seq)
			}
			if m2.RoomID != "room1" || m2.SenderID != "u2" || m2.Body != "world" {
				t.Errorf("unexpected record %+v", m2)
			}
			if m2.CreatedAt.IsZero() {
				t.Error("expected CreatedAt to be set")
			}
		})
	}
}

func TestStoreAppendEmptyBody(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Append(context.Background(), "room1", "u1", ""); !errors.Is(err, ErrEmptyBody) {
				t.Errorf("expected ErrEmptyBody, got %v", err)
			}
		})
	}
}

func TestStoreHistoryEmptyRoom(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			history, err := s.History(context.Background(), "nothing-here")
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			if history == nil {
				t.Fatal("expected empty non-nil slice")
			}
			if len(history) != 0 {
				t.Fatalf("expected 0 messages, got %d", len(history))
			}
		})
	}
}

func TestStoreHistoryOrderAndIsolation(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				s.Append(ctx, "room1", "u1", fmt.Sprintf("r1-%d", i))
				s.Append(ctx, "room2", "u2", fmt.Sprintf("r2-%d", i))
			}

			history, err := s.History(ctx, "room1")
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			if len(history) != 5 {
				t.Fatalf("expected 5 messages, got %d", len(history))
			}
			for i, m := range history {
				if want := fmt.Sprintf("r1-%d", i); m.Body != want {
					t.Errorf("position %d: expected %q, got %q", i, want, m.Body)
				}
				if m.RoomID != "room1" {
					t.Errorf("position %d: leaked message from %q", i, m.RoomID)
				}
				if i > 0 && m.Seq <= history[i-1].Seq {
					t.Errorf("position %d: sequence %d not after %d", i, m.Seq, history[i-1].Seq)
				}
			}
		})
	}
}

func TestStoreHistoryRestartable(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s.Append(ctx, "room1", "u1", "one")
			first, _ := s.History(ctx, "room1")
			s.Append(ctx, "room1", "u1", "two")
			second, _ := s.History(ctx, "room1")

			if len(first) != 1 || len(second) != 2 {
				t.Fatalf("expected 1 then 2 messages, got %d then %d", len(first), len(second))
			}
		})
	}
}

func TestStoreConcurrentAppendsHaveNoGaps(t *testing.T) {
	const senders, perSender = 8, 25
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var (
				mu       sync.Mutex
				returned = make(map[int64]string)
			)
			g, ctx := errgroup.WithContext(context.Background())
			for i := 0; i < senders; i++ {
				sender := fmt.Sprintf("u%d", i)
				g.Go(func() error {
					for j := 0; j < perSender; j++ {
						body := fmt.Sprintf("%s-%d", sender, j)
						m, err := s.Append(ctx, "room1", sender, body)
						if err != nil {
							return err
						}
						mu.Lock()
						returned[m.Seq] = body
						mu.Unlock()
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatalf("append: %v", err)
			}

			history, err := s.History(context.Background(), "room1")
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			if len(history) != senders*perSender {
				t.Fatalf("expected %d messages, got %d", senders*perSender, len(history))
			}
			seen := make(map[string]bool)
			for i, m := range history {
				if m.Seq != int64(i)+1 {
					t.Fatalf("position %d: expected seq %d, got %d", i, i+1, m.Seq)
				}
				if returned[m.Seq] != m.Body {
					t.Fatalf("seq %d: append returned %q, history has %q", m.Seq, returned[m.Seq], m.Body)
				}
				if seen[m.Body] {
					t.Fatalf("duplicate message %q", m.Body)
				}
				seen[m.Body] = true
			}
		})
	}
}

func TestStoreHistoryReturnsCopy(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	s.Append(ctx, "room1", "u1", "a")

	history, _ := s.History(ctx, "room1")
	history[0] = nil

	again, _ := s.History(ctx, "room1")
	if len(again) != 1 || again[0] == nil {
		t.Fatal("History returned the store's backing slice")
	}
}

func TestRedisStoreAppendFailure(t *testing.T) {
	s, mr := newTestRedisStore(t)
	mr.Close()

	if _, err := s.Append(context.Background(), "room1", "u1", "hello"); err == nil {
		t.Fatal("expected error when Redis is unavailable")
	}
}

func TestRedisStoreCorruptEntry(t *testing.T) {
	s, mr := newTestRedisStore(t)
	mr.RPush(redisKey("room1"), "{not json")

	if _, err := s.History(context.Background(), "room1"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestRedisStoreImplementsInterface(t *testing.T) {
	s, _ := newTestRedisStore(t)
	var _ MessageStore = s
}
