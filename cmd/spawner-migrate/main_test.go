package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/registry"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/types"
)

func seedSource(t *testing.T) registry.Registry {
	t.Helper()
	src, err := registry.NewBoltRegistry(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })

	ctx := context.Background()
	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, src.PutRole(ctx, &types.RoleBinding{UserID: "alice", RoleName: "s3-read", RoleIdentifier: "arn:aws:iam::1:instance-profile/s3-read"}))
	require.NoError(t, src.PutRecord(ctx, &types.InstanceRecord{UserID: "alice", ResourceID: "i-1", VolumeID: "vol-1", RoleName: "s3-read", CreatedAt: created}))
	require.NoError(t, src.PutRecord(ctx, &types.InstanceRecord{UserID: "bob", ResourceID: "i-2", VolumeID: "vol-2", CreatedAt: created}))
	return src
}

func newTarget(t *testing.T) registry.Registry {
	t.Helper()
	dst, err := registry.NewSQLiteRegistry("file::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = dst.Close() })
	return dst
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()
	src := seedSource(t)
	dst := newTarget(t)

	stats, err := migrate(ctx, src, dst, false)
	require.NoError(t, err)
	assert.Equal(t, Stats{RecordsCopied: 2, RolesCopied: 1}, stats)

	rec, err := dst.GetRecord(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "i-1", rec.ResourceID)
	assert.Equal(t, "vol-1", rec.VolumeID)
	assert.Equal(t, "s3-read", rec.RoleName)

	role, err := dst.GetRole(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "s3-read", role.RoleName)
}

func TestMigrateDryRun(t *testing.T) {
	ctx := context.Background()
	dst := newTarget(t)

	stats, err := migrate(ctx, seedSource(t), dst, true)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.RecordsCopied)

	n, err := dst.CountRecords(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMigrateSkipsConflicts(t *testing.T) {
	ctx := context.Background()
	dst := newTarget(t)
	require.NoError(t, dst.PutRecord(ctx, &types.InstanceRecord{UserID: "alice", ResourceID: "i-9", VolumeID: "vol-9"}))
	require.NoError(t, dst.PutRecord(ctx, &types.InstanceRecord{UserID: "carol", ResourceID: "i-2", VolumeID: "vol-7"}))

	stats, err := migrate(ctx, seedSource(t), dst, false)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.RecordsCopied)
	assert.Equal(t, 2, stats.RecordsSkipped)

	rec, err := dst.GetRecord(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "i-9", rec.ResourceID)
}
