// Package fs provides filesystem operations for building sandbox root filesystems.
//
// The main component is the LayerFlattener, which extracts and merges OCI image
// layers into a single directory tree. It correctly handles:
//   - Layer ordering and file overwrites
//   - OCI whiteout markers (.wh.* files) for deletions
//   - Opaque whiteouts (.wh..wh..opaque) for directory clearing
//   - gzip, zstd and uncompressed layer blobs
//   - Directory traversal protection
//   - Context cancellation
//
// The package also writes the launch metadata a guest reads at boot and
// provides the atomic write and tree copy helpers the rest of the daemon uses.
package fs

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/maxdollinger/sandboxd/pkg/oci"
)

var (
	ErrPathTraversal = errors.New("path traversal detected")
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

type FsBuilder interface {
	BuildFs(ctx context.Context, layers []oci.Layer, targetDir string) error
}

type LayerFlattener struct{}

func NewLayerFlattener() *LayerFlattener {
	return &LayerFlattener{}
}

// BuildFs applies layers in order onto targetDir.
func (f *LayerFlattener) BuildFs(ctx context.Context, layers []oci.Layer, targetDir string) error {
	targetDir, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolve target directory: %w", err)
	}

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("create target directory: %w", err)
	}

	for i, layer := range layers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.extractLayer(ctx, layer, targetDir); err != nil {
			return fmt.Errorf("extract layer %d (%s): %w", i, layer.Digest(), err)
		}
	}

	return nil
}

func (f *LayerFlattener) extractLayer(ctx context.Context, layer oci.Layer, targetDir string) error {
	reader, err := layer.Compressed(ctx)
	if err != nil {
		return fmt.Errorf("get compressed layer: %w", err)
	}
	defer reader.Close()

	stream, err := decompress(layer.MediaType(), reader)
	if err != nil {
		return err
	}
	defer stream.Close()

	tarReader := tar.NewReader(stream)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		if isWhiteout(header.Name) {
			if err := f.handleWhiteout(targetDir, header.Name); err != nil {
				return fmt.Errorf("handle whiteout: %w", err)
			}
			continue
		}

		if err := f.extractTarEntry(targetDir, header, tarReader); err != nil {
			return fmt.Errorf("extract tar entry %q: %w", header.Name, err)
		}
	}

	return nil
}

// decompress picks the decoder from the media type and falls back to
// sniffing the magic bytes for media types it does not know.
func decompress(mediaType string, r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)

	kind := ""
	switch {
	case strings.HasSuffix(mediaType, "+zstd") || strings.HasSuffix(mediaType, ".zstd"):
		kind = "zstd"
	case strings.HasSuffix(mediaType, "+gzip") || strings.HasSuffix(mediaType, ".gzip"):
		kind = "gzip"
	case strings.HasSuffix(mediaType, ".tar"):
		kind = "tar"
	default:
		head, _ := br.Peek(4)
		switch {
		case bytes.HasPrefix(head, gzipMagic):
			kind = "gzip"
		case bytes.HasPrefix(head, zstdMagic):
			kind = "zstd"
		default:
			kind = "tar"
		}
	}

	switch kind {
	case "gzip":
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("decompress gzip: %w", err)
		}
		return gz, nil
	case "zstd":
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("decompress zstd: %w", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return io.NopCloser(br), nil
	}
}

func isWhiteout(name string) bool {
	// OCI whiteout: .wh.FILENAME deletes FILENAME
	// Opaque whiteout: .wh..wh..opaque empties the directory
	_, file := filepath.Split(filepath.Clean(name))
	return strings.HasPrefix(file, ".wh.")
}

// safeJoin resolves name below root and rejects anything escaping it.
func safeJoin(root, name string) (string, error) {
	joined := filepath.Join(root, filepath.Clean("/"+name))
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, name)
	}
	return joined, nil
}

// handleWhiteout removes a file or directory indicated by a whiteout marker
func (f *LayerFlattener) handleWhiteout(targetDir, whiteoutPath string) error {
	dir, file := filepath.Split(filepath.Clean(whiteoutPath))
	actualName := strings.TrimPrefix(file, ".wh.")

	if actualName == ".wh..opaque" {
		opaqueDir, err := safeJoin(targetDir, dir)
		if err != nil {
			return err
		}
		entries, err := os.ReadDir(opaqueDir)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("read opaque directory: %w", err)
		}
		// the marker precedes this layer's own entries for the directory
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(opaqueDir, e.Name())); err != nil {
				return fmt.Errorf("clear opaque directory: %w", err)
			}
		}
		if err := os.MkdirAll(opaqueDir, 0o755); err != nil {
			return fmt.Errorf("recreate opaque directory: %w", err)
		}
		return nil
	}

	deletePath, err := safeJoin(targetDir, filepath.Join(dir, actualName))
	if err != nil {
		return err
	}
	if err := os.RemoveAll(deletePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove whiteout file: %w", err)
	}

	return nil
}

// extractTarEntry extracts a single tar entry to the target directory
func (f *LayerFlattener) extractTarEntry(targetDir string, header *tar.Header, reader io.Reader) error {
	targetPath, err := safeJoin(targetDir, header.Name)
	if err != nil {
		return err
	}
	if targetPath == targetDir {
		return nil
	}

	switch header.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(targetPath, os.FileMode(header.Mode)&os.ModePerm|0o700); err != nil {
			return fmt.Errorf("mkdir: %w", err)
		}
		// ownership needs root, best effort
		_ = os.Lchown(targetPath, header.Uid, header.Gid)

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("mkdir parent: %w", err)
		}
		// a previous layer may have left a symlink or directory here
		if fi, err := os.Lstat(targetPath); err == nil && !fi.Mode().IsRegular() {
			if err := os.RemoveAll(targetPath); err != nil {
				return fmt.Errorf("replace %s: %w", fi.Mode().Type(), err)
			}
		}

		if err := writeRegular(targetPath, os.FileMode(header.Mode)&os.ModePerm, reader, header.Size); err != nil {
			return err
		}
		_ = os.Lchown(targetPath, header.Uid, header.Gid)

	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("mkdir parent: %w", err)
		}
		_ = os.RemoveAll(targetPath)
		if err := os.Symlink(header.Linkname, targetPath); err != nil {
			return fmt.Errorf("create symlink: %w", err)
		}
		_ = os.Lchown(targetPath, header.Uid, header.Gid)

	case tar.TypeLink:
		linkTarget, err := safeJoin(targetDir, header.Linkname)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("mkdir parent: %w", err)
		}
		_ = os.Remove(targetPath)
		if err := os.Link(linkTarget, targetPath); err != nil {
			return fmt.Errorf("create hardlink: %w", err)
		}

	default:
		// device nodes and fifos are created by the guest init
		return nil
	}

	return nil
}

func writeRegular(path string, mode os.FileMode, r io.Reader, size int64) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}

	if _, err := io.CopyN(file, r, size); err != nil && err != io.EOF {
		_ = file.Close()
		return fmt.Errorf("copy file content: %w", err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	return nil
}

// NoOpFsBuilder creates the target directory and nothing else.
type NoOpFsBuilder struct{}

func NewNoOpFsBuilder() *NoOpFsBuilder {
	return &NoOpFsBuilder{}
}

func (b *NoOpFsBuilder) BuildFs(ctx context.Context, layers []oci.Layer, targetDir string) error {
	return os.MkdirAll(targetDir, 0o755)
}
