package statefs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/maxdollinger/sandboxd/internal/db"
	"github.com/maxdollinger/sandboxd/internal/db/models"
	"github.com/maxdollinger/sandboxd/pkg/cas"
	"github.com/maxdollinger/sandboxd/pkg/fs"
	"github.com/maxdollinger/sandboxd/pkg/utils"
	"github.com/opencontainers/go-digest"
)

// headFile sits next to each rootfs and names the tree it was copied from.
const headFile = ".head"

// Mounter turns content store trees into per-sandbox writable rootfs
// directories below root/<group>/<name>.
type Mounter struct {
	conn   *sql.DB
	trees  cas.Store
	root   string
	logger *slog.Logger
}

func NewMounter(conn *sql.DB, trees cas.Store, root string) *Mounter {
	return &Mounter{
		conn:   conn,
		trees:  trees,
		root:   root,
		logger: slog.Default(),
	}
}

// Path returns where the rootfs of a sandbox lives.
func (m *Mounter) Path(group, name string) string {
	return filepath.Join(m.root, group, name)
}

// Mount prepares the rootfs and records it. A rootfs copied from the same
// tree is kept so that guest writes survive a restart, a different tree
// replaces it.
func (m *Mounter) Mount(ctx context.Context, req MountRequest) (*Rootfs, error) {
	if req.HeadCID == "" {
		return nil, ErrNoHead
	}

	dir := m.Path(req.Group, req.Name)
	reused := m.currentHead(dir) == req.HeadCID
	if !reused {
		if err := m.materialize(ctx, req.HeadCID, dir); err != nil {
			return nil, err
		}
	}

	writer := fs.NewSandboxConfigWriter(req.Launch)
	if err := writer.WriteConfig(ctx, dir); err != nil {
		return nil, fmt.Errorf("failed to write launch config: %w", err)
	}

	err := db.WithTx(ctx, m.conn, func(tx *sql.Tx) error {
		return models.UpsertFilesystem(ctx, tx, &models.Filesystem{
			SandboxID:     req.SandboxID,
			SupervisorPID: os.Getpid(),
			MountPath:     dir,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record filesystem: %w", err)
	}

	m.logger.InfoContext(ctx, "rootfs mounted",
		"sandbox", req.Name,
		"group", req.Group,
		"path", dir,
		"head_cid", req.HeadCID,
		"reused", reused)

	return &Rootfs{Path: dir, HeadCID: req.HeadCID, Reused: reused}, nil
}

// Unmount clears the filesystem record. The tree stays for the next start.
func (m *Mounter) Unmount(ctx context.Context, sandboxID int64) error {
	err := db.WithTx(ctx, m.conn, func(tx *sql.Tx) error {
		return models.DeleteFilesystem(ctx, tx, sandboxID)
	})
	if err != nil {
		return fmt.Errorf("failed to clear filesystem record: %w", err)
	}
	return nil
}

// Remove deletes the rootfs tree and its record.
func (m *Mounter) Remove(ctx context.Context, sandboxID int64, group, name string) error {
	dir := m.Path(group, name)
	return errors.Join(
		m.Unmount(ctx, sandboxID),
		os.RemoveAll(dir),
		removeIfExists(dir+headFile),
	)
}

func (m *Mounter) materialize(ctx context.Context, cid digest.Digest, dir string) (err error) {
	runID, err := utils.NewRunID()
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}

	tmp := dir + ".tmp-" + runID
	defer func() {
		if err != nil {
			_ = os.RemoveAll(tmp)
		}
	}()

	if err := m.trees.Materialize(ctx, cid, tmp); err != nil {
		return fmt.Errorf("failed to materialize %s: %w", cid, err)
	}

	if err := removeIfExists(dir + headFile); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove old rootfs: %w", err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		return fmt.Errorf("failed to move rootfs into place: %w", err)
	}

	return fs.WriteFileAtomic(dir+headFile, []byte(cid.String()+"\n"), 0o644)
}

func (m *Mounter) currentHead(dir string) digest.Digest {
	if _, err := os.Stat(dir); err != nil {
		return ""
	}
	data, err := os.ReadFile(dir + headFile)
	if err != nil {
		return ""
	}
	return digest.Digest(strings.TrimSpace(string(data)))
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
