package postgres

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/christopherjohns/pairchat/internal/message"
	"github.com/christopherjohns/pairchat/internal/room"
)

// openTestStore connects to PAIRCHAT_TEST_DATABASE_URL or skips the test.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("PAIRCHAT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PAIRCHAT_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store, err := Open(ctx, pool)
	require.NoError(t, err)
	return store
}

// uniqueUsers returns identities that do not collide with earlier runs
// against the same database.
func uniqueUsers() (string, string) {
	prefix := uuid.NewString()
	return prefix + "-a", prefix + "-b"
}

func TestStoreImplementsInterfaces(t *testing.T) {
	var _ room.Directory = (*Store)(nil)
	var _ message.MessageStore = (*Store)(nil)
}

func TestNewPoolRejectsBadURL(t *testing.T) {
	_, err := NewPool(context.Background(), "://not-a-url")
	require.Error(t, err)
}

func TestFindOrCreateConcurrentFirstContact(t *testing.T) {
	store := openTestStore(t)
	a, b := uniqueUsers()

	var (
		mu  sync.Mutex
		ids = make(map[string]struct{})
	)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 16; i++ {
		x, y := a, b
		if i%2 == 0 {
			x, y = b, a
		}
		g.Go(func() error {
			r, err := store.FindOrCreate(ctx, x, y)
			if err != nil {
				return err
			}
			mu.Lock()
			ids[r.ID] = struct{}{}
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Len(t, ids, 1)
}

func TestFindForParticipant(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	a, b := uniqueUsers()

	r, err := store.FindOrCreate(ctx, a, b)
	require.NoError(t, err)

	got, err := store.FindForParticipant(ctx, b, r.ID)
	require.NoError(t, err)
	require.Equal(t, r.ID, got.ID)

	_, err = store.FindForParticipant(ctx, "outsider", r.ID)
	require.ErrorIs(t, err, room.ErrNotFound)
}

func TestAppendAndHistory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	a, b := uniqueUsers()
	r, err := store.FindOrCreate(ctx, a, b)
	require.NoError(t, err)

	empty, err := store.History(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, empty)
	require.Empty(t, empty)

	first, err := store.Append(ctx, r.ID, a, "hi")
	require.NoError(t, err)
	second, err := store.Append(ctx, r.ID, b, "hello")
	require.NoError(t, err)
	require.Greater(t, second.Seq, first.Seq)

	history, err := store.History(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "hi", history[0].Body)
	require.Equal(t, "hello", history[1].Body)
}
