// Package statefs prepares the writable root filesystem of a sandbox from a
// merged tree in the content store.
package statefs

import (
	"errors"

	"github.com/maxdollinger/sandboxd/pkg/fs"
	"github.com/opencontainers/go-digest"
)

var ErrNoHead = errors.New("no rootfs content id")

// MountRequest describes the rootfs of one sandbox.
type MountRequest struct {
	SandboxID int64
	Group     string
	Name      string
	HeadCID   digest.Digest
	Launch    fs.LaunchSpec
}

// Rootfs is a prepared sandbox root filesystem.
type Rootfs struct {
	Path    string
	HeadCID digest.Digest
	Reused  bool // the existing writable tree was kept
}
