package oci

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// Image represents an OCI image with its metadata and layers
type Image struct {
	Reference string
	Digest    digest.Digest
	Index     *Index // nil when the reference resolved to a single manifest
	Manifest  *Manifest
	Config    *ImageConfig
	Layers    []Layer
}

// Size is the sum of the config and all compressed layer sizes.
func (i *Image) Size() int64 {
	if i.Manifest == nil {
		return 0
	}
	return i.Manifest.Size
}

// DiffIDs returns the uncompressed layer digests in application order.
func (i *Image) DiffIDs() []digest.Digest {
	ids := make([]digest.Digest, len(i.Layers))
	for n, l := range i.Layers {
		ids[n] = l.DiffID()
	}
	return ids
}

// ImageConfig contains OCI runtime configuration
type ImageConfig struct {
	MediaType    string
	Created      time.Time
	Platform     Platform
	Entrypoint   []string
	Cmd          []string
	Env          []string
	WorkingDir   string
	User         string
	Volumes      []string
	ExposedPorts []string
	DiffIDs      []digest.Digest
	History      []History
}

// Platform identifies the os/arch an image was built for.
type Platform struct {
	OS           string
	Architecture string
	Variant      string
}

func (p Platform) String() string {
	s := p.OS + "/" + p.Architecture
	if p.Variant != "" {
		s += "/" + p.Variant
	}
	return s
}

type History struct {
	Created    time.Time
	CreatedBy  string
	Comment    string
	EmptyLayer bool
}

// Manifest represents the OCI manifest
type Manifest struct {
	SchemaVersion int64
	MediaType     string
	Digest        digest.Digest
	Size          int64
	Annotations   map[string]string
}

// Index is the image index (manifest list) a platform manifest was selected from.
type Index struct {
	SchemaVersion int64
	MediaType     string
	Digest        digest.Digest
	Platform      Platform // the entry that was selected
	Annotations   map[string]string
}
