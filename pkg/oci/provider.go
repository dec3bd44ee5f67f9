package oci

import (
	"context"
)

// OciImageSource abstracts where images come from (registry, local, tar, etc.)
type OciImageSource interface {
	GetImage(ctx context.Context) (*Image, error)
	Info() string
}

// SourceFactory resolves a reference to an image source.
type SourceFactory func(imageRef string) (OciImageSource, error)
