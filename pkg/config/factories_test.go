package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/wanfs/pkg/metadata"
	"github.com/marmos91/wanfs/pkg/storage"
)

func TestCreateBlockStore(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		cfg  StorageConfig
	}{
		{"memory", StorageConfig{Type: "memory"}},
		{"filesystem", StorageConfig{Type: "filesystem", Filesystem: map[string]any{"path": t.TempDir(), "fsync": "true"}}},
		{"badger", StorageConfig{Type: "badger", Badger: map[string]any{"in_memory": true}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := CreateBlockStore(ctx, &tt.cfg)
			require.NoError(t, err)
			defer func() { _ = store.Close() }()

			key := storage.BlockKey{FileID: 5, FileVersion: 1, BlockID: 0, BlockVersion: 1}
			require.NoError(t, store.CommitBlock(ctx, key, []byte("block")))
			data, err := store.ReadBlock(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, []byte("block"), data)
		})
	}
}

func TestCreateBlockStore_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := CreateBlockStore(ctx, &StorageConfig{Type: "filesystem", Filesystem: map[string]any{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")

	_, err = CreateBlockStore(ctx, &StorageConfig{Type: "badger"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")

	_, err = CreateBlockStore(ctx, &StorageConfig{Type: "tape"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage type")
}

func TestCreateMetadataService(t *testing.T) {
	ctx := context.Background()

	for _, typ := range []string{"memory", "badger"} {
		t.Run(typ, func(t *testing.T) {
			cfg := GetDefaultConfig()
			cfg.Gateway.VolumeID = 3
			cfg.Gateway.OwnerID = 1000
			cfg.Metadata.Type = typ
			cfg.Metadata.Badger = map[string]any{"path": t.TempDir()}

			ms, err := CreateMetadataService(ctx, cfg)
			require.NoError(t, err)
			defer func() { _ = ms.Close() }()

			listing, err := ms.ResolvePath(ctx, 3, "/", time.Time{})
			require.NoError(t, err)
			require.NotNil(t, listing.Entry)
			assert.Equal(t, metadata.TypeDirectory, listing.Entry.Type)
			assert.Equal(t, uint64(1000), listing.Entry.Owner)
			assert.Equal(t, uint32(0755), listing.Entry.Mode)
		})
	}
}

func TestCreateMetadataService_UnknownType(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Metadata.Type = "postgres"
	_, err := CreateMetadataService(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown metadata type")
}

func TestCreateRouter(t *testing.T) {
	cfg := &ReplicationConfig{Hosts: []ReplicaHostConfig{
		{ID: 100, Type: "memory"},
		{ID: 101, Type: "memory"},
	}}
	router, err := CreateRouter(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []uint64{100, 101}, router.Replicas())
}

func TestCreateReplicaHosts_S3(t *testing.T) {
	ctx := context.Background()

	hosts, err := CreateReplicaHosts(ctx, &ReplicationConfig{Hosts: []ReplicaHostConfig{{
		ID:   100,
		Type: "s3",
		S3: map[string]any{
			"bucket":            "blocks",
			"region":            "us-east-1",
			"endpoint":          "http://localhost:9000",
			"access_key_id":     "key",
			"secret_access_key": "secret",
		},
	}}})
	require.NoError(t, err, "the bucket is not contacted")
	require.Len(t, hosts, 1)
	assert.Equal(t, uint64(100), hosts[0].ID)

	_, err = CreateReplicaHosts(ctx, &ReplicationConfig{Hosts: []ReplicaHostConfig{{
		ID: 100, Type: "s3", S3: map[string]any{"region": "us-east-1"},
	}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket is required")
}

func TestCreateCollector(t *testing.T) {
	ctx := context.Background()
	store, err := CreateBlockStore(ctx, &StorageConfig{Type: "memory"})
	require.NoError(t, err)

	cfg := GetDefaultConfig()
	collector, err := CreateCollector(&cfg.GC, store, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, collector.Pending())
}

func TestInitializeMetrics_Disabled(t *testing.T) {
	result := InitializeMetrics(GetDefaultConfig(), "test")
	assert.Nil(t, result.Server)
	assert.NotNil(t, result.Gateway)
}
