// Package cas stores immutable directory trees under a content id derived
// from the tree itself. Two identical trees always get the same id and are
// stored once.
package cas

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/maxdollinger/sandboxd/pkg/fs"
	"github.com/opencontainers/go-digest"
)

var (
	ErrNotFound   = errors.New("content not found")
	ErrInvalidCID = errors.New("invalid content id")
)

// Store is the put/get/mount surface the rootfs builder and mounter use.
type Store interface {
	// Put moves the tree at dir into the store and returns its content id.
	// dir is consumed.
	Put(ctx context.Context, dir string) (digest.Digest, error)
	Has(cid digest.Digest) bool
	// Materialize writes a private, writable copy of the tree to dst.
	Materialize(ctx context.Context, cid digest.Digest, dst string) error
	Remove(cid digest.Digest) error
}

type DirStore struct {
	root   string
	logger *slog.Logger
}

func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "trees"), 0o755); err != nil {
		return nil, fmt.Errorf("create content store: %w", err)
	}
	return &DirStore{root: root, logger: slog.Default()}, nil
}

func (s *DirStore) Path(cid digest.Digest) string {
	return filepath.Join(s.root, "trees", cid.Encoded())
}

func (s *DirStore) Has(cid digest.Digest) bool {
	if cid.Validate() != nil {
		return false
	}
	info, err := os.Stat(s.Path(cid))
	return err == nil && info.IsDir()
}

func (s *DirStore) Put(ctx context.Context, dir string) (digest.Digest, error) {
	cid, err := TreeID(ctx, dir)
	if err != nil {
		return "", fmt.Errorf("hash tree: %w", err)
	}

	target := s.Path(cid)
	if s.Has(cid) {
		s.logger.DebugContext(ctx, "tree already stored", "cid", cid)
		return cid, os.RemoveAll(dir)
	}

	if err := os.Rename(dir, target); err != nil {
		// different filesystem, fall back to copying
		if err := fs.CopyTree(ctx, dir, target); err != nil {
			return "", errors.Join(fmt.Errorf("store tree: %w", err), os.RemoveAll(target))
		}
		if err := os.RemoveAll(dir); err != nil {
			s.logger.WarnContext(ctx, "failed to remove source tree", "path", dir, "error", err)
		}
	}

	s.logger.InfoContext(ctx, "stored tree", "cid", cid)
	return cid, nil
}

func (s *DirStore) Materialize(ctx context.Context, cid digest.Digest, dst string) error {
	if err := cid.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCID, err)
	}
	if !s.Has(cid) {
		return fmt.Errorf("%w: %s", ErrNotFound, cid)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	return fs.CopyTree(ctx, s.Path(cid), dst)
}

func (s *DirStore) Remove(cid digest.Digest) error {
	if err := cid.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCID, err)
	}
	return os.RemoveAll(s.Path(cid))
}

// TreeID hashes paths, types, permissions, link targets and file contents of
// the tree below dir in lexical order. Ownership and timestamps are ignored.
func TreeID(ctx context.Context, dir string) (digest.Digest, error) {
	digester := digest.Canonical.Digester()
	h := digester.Hash()

	err := filepath.WalkDir(dir, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			_, err = fmt.Fprintf(h, "d %s %o\n", rel, info.Mode().Perm())
		case d.Type()&os.ModeSymlink != 0:
			link, lerr := os.Readlink(path)
			if lerr != nil {
				return lerr
			}
			_, err = fmt.Fprintf(h, "l %s %s\n", rel, link)
		case d.Type().IsRegular():
			sum, ferr := fileDigest(path)
			if ferr != nil {
				return ferr
			}
			_, err = fmt.Fprintf(h, "f %s %o %d %s\n", rel, info.Mode().Perm(), info.Size(), sum)
		}
		return err
	})
	if err != nil {
		return "", err
	}

	return digester.Digest(), nil
}

func fileDigest(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return digest.Canonical.FromReader(f)
}

// NoOpStore keeps nothing and hands out a fixed content id.
type NoOpStore struct{}

func NewNoOpStore() *NoOpStore {
	return &NoOpStore{}
}

func (s *NoOpStore) Put(ctx context.Context, dir string) (digest.Digest, error) {
	return digest.FromString("noop-tree"), os.RemoveAll(dir)
}

func (s *NoOpStore) Has(cid digest.Digest) bool { return true }

func (s *NoOpStore) Materialize(ctx context.Context, cid digest.Digest, dst string) error {
	return os.MkdirAll(dst, 0o755)
}

func (s *NoOpStore) Remove(cid digest.Digest) error { return nil }
