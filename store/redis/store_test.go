package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvcnvn/duops"
	"github.com/nvcnvn/duops/store/redis"
	"github.com/nvcnvn/duops/store/storetest"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestStoreConformance(t *testing.T) {
	_, client := setupTestRedis(t)
	storetest.Run(t, func(t *testing.T) duops.Store {
		return redis.New(client, "")
	})
}

func TestStoreKeyLayout(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := redis.New(client, "app:")
	ctx := context.Background()
	disc := duops.MustOperationDiscriminator("layout")
	id, err := duops.NewShardedOperationID("tenant", "42")
	require.NoError(t, err)

	_, err = store.GetOrAdd(ctx, duops.NewOperationRecord(disc, id, `{"x":1}`, time.Now()))
	require.NoError(t, err)
	require.NoError(t, store.AddCheckpoint(ctx, disc, id, duops.CheckpointRecord{
		Discriminator: duops.MustCheckpointDiscriminator("seed"),
		Value:         "7",
	}))

	raw, err := mr.Get("app:op:layout:tenant|42")
	require.NoError(t, err)
	assert.Contains(t, raw, `"checkpoints":{"seed":"7"}`)
	assert.Contains(t, raw, `"args":"{\"x\":1}"`)
}

func TestStoreCorruptDocument(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := redis.New(client, "")
	disc := duops.MustOperationDiscriminator("corrupt")
	id := duops.MustOperationID("1")

	require.NoError(t, mr.Set("duops:op:corrupt:1", "{not json"))

	_, err := store.GetByID(context.Background(), disc, id)
	require.ErrorIs(t, err, duops.ErrStorage)
}

func TestStoreConnectionError(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	store := redis.New(client, "")
	mr.Close()


	_, err = store.GetByID(context.Background(), duops.MustOperationDiscriminator("down"), duops.MustOperationID("1"))
	require.Error(t, err)
	assert.Error(t, store.Ping(context.Background()))
}
