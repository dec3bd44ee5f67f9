package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/maxdollinger/sandboxd/internal/db/models"
	"github.com/maxdollinger/sandboxd/pkg/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := Open(context.Background(), filepath.Join(t.TempDir(), "state", "sandboxd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandboxd.db")

	conn, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	conn, err = Open(context.Background(), path)
	require.NoError(t, err)
	defer conn.Close()

	var mode string
	require.NoError(t, conn.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestWithTxRollsBack(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := WithTx(ctx, conn, func(tx *sql.Tx) error {
		if _, err := models.InsertGroup(ctx, tx, "web", "10.0.0.0/24", "public"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = models.GetGroupByName(ctx, conn, "web")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = WithTx(ctx, conn, func(tx *sql.Tx) error {
			if _, err := models.InsertGroup(ctx, tx, "web", "10.0.0.0/24", "public"); err != nil {
				return err
			}
			panic("halfway")
		})
	})

	groups, err := models.ListGroups(ctx, conn)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func addSandbox(t *testing.T, conn *sql.DB, group network.Group, name string) {
	t.Helper()
	_, err := models.UpsertSandbox(context.Background(), conn, &models.Sandbox{
		Name:               name,
		GroupID:            group.ID,
		ImageReference:     "docker.io/library/alpine:latest",
		ConfigFile:         "/tmp/" + name + ".json",
		ConfigLastModified: time.Now(),
	})
	require.NoError(t, err)
}

func TestGroupStoreEnsureGroup(t *testing.T) {
	conn := openTestDB(t)
	store := NewGroupStore(conn)
	ctx := context.Background()
	pool := netip.MustParsePrefix(network.DefaultSubnetPool)
	pick := func(taken []netip.Prefix) (netip.Prefix, error) {
		return network.NextSubnet(pool, network.GroupPrefixBits, taken)
	}

	a, err := store.EnsureGroup(ctx, "a", network.ReachLocal, pick)
	require.NoError(t, err)
	b, err := store.EnsureGroup(ctx, "b", network.ReachPublic, pick)
	require.NoError(t, err)
	assert.False(t, a.Subnet.Overlaps(b.Subnet))

	again, err := store.EnsureGroup(ctx, "a", network.ReachNone, pick)
	require.NoError(t, err)
	assert.Equal(t, a.Subnet, again.Subnet, "existing group keeps its subnet")
	assert.Equal(t, network.ReachNone, again.Reach, "reach is updated")

	got, err := store.GetGroup(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, network.ReachNone, got.Reach)

	_, err = store.GetGroup(ctx, "missing")
	assert.ErrorIs(t, err, network.ErrGroupNotFound)
}

func TestGroupStoreConcurrentAssignIP(t *testing.T) {
	conn := openTestDB(t)
	store := NewGroupStore(conn)
	ctx := context.Background()

	g, err := store.EnsureGroup(ctx, "backend", network.ReachLocal, func([]netip.Prefix) (netip.Prefix, error) {
		return netip.MustParsePrefix("10.0.7.0/24"), nil
	})
	require.NoError(t, err)

	const n = 40
	for i := 0; i < n; i++ {
		addSandbox(t, conn, g, fmt.Sprintf("sb-%d", i))
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ips = make(map[netip.Addr]string)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("sb-%d", i)
			ip, err := store.AssignIP(ctx, "backend", name, func(taken []netip.Addr) (netip.Addr, error) {
				return network.LowestFreeIP(g.Subnet, taken)
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, dup := ips[ip]; dup {
				t.Errorf("%s assigned to both %s and %s", ip, prev, name)
			}
			ips[ip] = name
		}(i)
	}
	wg.Wait()
	assert.Len(t, ips, n)

	// idempotent per sandbox
	first, err := store.AssignIP(ctx, "backend", "sb-0", func([]netip.Addr) (netip.Addr, error) {
		return netip.Addr{}, errors.New("must not pick again")
	})
	require.NoError(t, err)
	assert.Equal(t, "sb-0", ips[first])
}

func TestGroupStoreReleaseAndDelete(t *testing.T) {
	conn := openTestDB(t)
	store := NewGroupStore(conn)
	ctx := context.Background()

	g, err := store.EnsureGroup(ctx, "web", network.ReachPublic, func([]netip.Prefix) (netip.Prefix, error) {
		return netip.MustParsePrefix("10.0.1.0/24"), nil
	})
	require.NoError(t, err)
	addSandbox(t, conn, g, "api")

	pick := func(taken []netip.Addr) (netip.Addr, error) { return network.LowestFreeIP(g.Subnet, taken) }
	ip, err := store.AssignIP(ctx, "web", "api", pick)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.1.2"), ip)

	require.NoError(t, store.ReleaseIP(ctx, "web", "api"))
	assert.ErrorIs(t, store.ReleaseIP(ctx, "web", "api"), network.ErrIPNotAllocated)

	assert.ErrorIs(t, store.DeleteGroup(ctx, "web"), network.ErrGroupInUse)

	sb, err := models.GetSandbox(ctx, conn, "web", "api")
	require.NoError(t, err)
	require.NoError(t, models.DeleteSandbox(ctx, conn, sb.ID))

	require.NoError(t, store.DeleteGroup(ctx, "web"))
	assert.ErrorIs(t, store.DeleteGroup(ctx, "web"), network.ErrGroupNotFound)
}

func TestGroupStoreAssignUnknown(t *testing.T) {
	store := NewGroupStore(openTestDB(t))
	_, err := store.AssignIP(context.Background(), "nope", "x", func([]netip.Addr) (netip.Addr, error) {
		return netip.Addr{}, nil
	})
	assert.ErrorIs(t, err, network.ErrGroupNotFound)
}
