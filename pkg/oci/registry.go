package oci

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/opencontainers/go-digest"
	"golang.org/x/time/rate"
)

// RegistryOptions tunes the HTTP behaviour of registry access.
type RegistryOptions struct {
	Retries           int           // retries per request on network errors and 5xx
	RetryWaitMin      time.Duration // first backoff step
	RetryWaitMax      time.Duration // backoff cap
	RequestsPerSecond float64       // 0 disables rate limiting
	Platform          string        // defaults to linux/GOARCH
	Transport         http.RoundTripper
}

// Registry holds the shared transport used by every RegistryProvider it creates.
type Registry struct {
	transport http.RoundTripper
	platform  v1.Platform
	logger    *slog.Logger
}

// NewRegistry builds a registry client with a retrying, optionally rate limited transport.
func NewRegistry(opts RegistryOptions) (*Registry, error) {
	platformStr := opts.Platform
	if platformStr == "" {
		platformStr = fmt.Sprintf("linux/%s", runtime.GOARCH)
	}
	platform, err := v1.ParsePlatform(platformStr)
	if err != nil {
		return nil, fmt.Errorf("could not parse platform: %w", err)
	}

	logger := slog.Default()

	client := retryablehttp.NewClient()
	client.RetryMax = opts.Retries
	if opts.RetryWaitMin > 0 {
		client.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		client.RetryWaitMax = opts.RetryWaitMax
	}
	client.Logger = logger
	if opts.Transport != nil {
		client.HTTPClient.Transport = opts.Transport
	}

	var transport http.RoundTripper = &retryablehttp.RoundTripper{Client: client}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		transport = &rateLimitedTransport{
			next:    transport,
			limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst),
		}
	}

	return &Registry{
		transport: transport,
		platform:  *platform,
		logger:    logger,
	}, nil
}

// Source implements SourceFactory.
func (r *Registry) Source(imageRef string) (OciImageSource, error) {
	normalized, err := NormalizeReference(imageRef)
	if err != nil {
		return nil, err
	}

	ref, err := name.ParseReference(normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}

	return &RegistryProvider{
		imageRef:   ref,
		normalized: normalized,
		registry:   r,
	}, nil
}

func (r *Registry) remoteOptions(ctx context.Context) []remote.Option {
	return []remote.Option{
		remote.WithContext(ctx),
		remote.WithPlatform(r.platform),
		remote.WithTransport(r.transport),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
	}
}

// RegistryProvider fetches OCI images from a container registry using go-containerregistry.
//
// GetImage() downloads the manifest (or index), config and layer metadata.
// Layer content is not downloaded until Compressed() is called on a layer.
type RegistryProvider struct {
	imageRef   name.Reference
	normalized string
	registry   *Registry
}

// NewRegistryProvider creates a provider backed by a default registry client.
// ref can be:
//   - "nginx:latest" (defaults to docker.io/library)
//   - "docker.io/nginx:latest"
//   - "ghcr.io/owner/repo:tag"
//   - "localhost:5000/image:tag"
func NewRegistryProvider(imageRef string) (OciImageSource, error) {
	registry, err := NewRegistry(RegistryOptions{Retries: 3})
	if err != nil {
		return nil, err
	}
	return registry.Source(imageRef)
}

// NormalizeReference returns the fully qualified form of imageRef with an
// explicit tag, which is the key images are cataloged under.
func NormalizeReference(imageRef string) (string, error) {
	ref := strings.TrimSpace(imageRef)
	if ref == "" {
		return "", ErrInvalidReference
	}

	if !strings.Contains(ref, "/") {
		ref = "docker.io/library/" + ref
	} else if first := strings.SplitN(ref, "/", 2)[0]; !strings.ContainsAny(first, ".:") && first != "localhost" {
		// first component has no dots or colons so it is a docker hub namespace
		ref = "docker.io/" + ref
	}

	lastPart := ref[strings.LastIndex(ref, "/")+1:]
	if !strings.Contains(ref, "@") && !strings.Contains(lastPart, ":") {
		ref += ":latest"
	}

	if _, err := name.ParseReference(ref); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}

	return ref, nil
}

func (p *RegistryProvider) Info() string {
	return p.normalized
}

// GetImage resolves the reference for the host platform and returns the image with all layers
func (p *RegistryProvider) GetImage(ctx context.Context) (*Image, error) {
	desc, err := remote.Get(p.imageRef, p.registry.remoteOptions(ctx)...)
	if err != nil {
		return nil, fmt.Errorf("fetch descriptor: %w", err)
	}

	img, err := desc.Image()
	if err != nil {
		return nil, fmt.Errorf("resolve image: %w", err)
	}

	dgst, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("get image digest: %w", err)
	}

	var index *Index
	if desc.MediaType.IsIndex() {
		index, err = selectedIndexEntry(desc, dgst)
		if err != nil {
			return nil, err
		}
	}

	manifest, err := img.Manifest()
	if err != nil {
		return nil, fmt.Errorf("get manifest: %w", err)
	}

	config, err := parseImageConfig(img)
	if err != nil {
		return nil, fmt.Errorf("parse image config: %w", err)
	}
	config.MediaType = string(manifest.Config.MediaType)

	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("get layers: %w", err)
	}

	wrappedLayers := make([]Layer, len(layers))
	for i, layer := range layers {
		wrapped, err := newRegistryLayer(layer)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		wrappedLayers[i] = wrapped
	}

	// manifest size covers the config and all compressed layers
	manifestSize := manifest.Config.Size
	for _, layer := range manifest.Layers {
		manifestSize += layer.Size
	}

	p.registry.logger.DebugContext(ctx, "resolved image",
		"ref", p.normalized,
		"digest", dgst.String(),
		"layers", len(wrappedLayers))

	return &Image{
		Reference: p.normalized,
		Digest:    digest.Digest(dgst.String()),
		Index:     index,
		Config:    config,
		Layers:    wrappedLayers,
		Manifest: &Manifest{
			SchemaVersion: manifest.SchemaVersion,
			MediaType:     string(manifest.MediaType),
			Digest:        digest.Digest(dgst.String()),
			Size:          manifestSize,
			Annotations:   manifest.Annotations,
		},
	}, nil
}

func selectedIndexEntry(desc *remote.Descriptor, selected v1.Hash) (*Index, error) {
	idx, err := desc.ImageIndex()
	if err != nil {
		return nil, fmt.Errorf("get index: %w", err)
	}

	im, err := idx.IndexManifest()
	if err != nil {
		return nil, fmt.Errorf("get index manifest: %w", err)
	}

	index := &Index{
		SchemaVersion: im.SchemaVersion,
		MediaType:     string(im.MediaType),
		Digest:        digest.Digest(desc.Digest.String()),
		Annotations:   im.Annotations,
	}

	for _, m := range im.Manifests {
		if m.Digest == selected && m.Platform != nil {
			index.Platform = Platform{
				OS:           m.Platform.OS,
				Architecture: m.Platform.Architecture,
				Variant:      m.Platform.Variant,
			}
			return index, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrPlatformMismatch, selected)
}

// parseImageConfig extracts the OCI config from the image
func parseImageConfig(img v1.Image) (*ImageConfig, error) {
	cfgFile, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("get config file: %w", err)
	}

	if cfgFile == nil {
		return nil, ErrNoConfig
	}

	cfg := cfgFile.Config

	diffIDs := make([]digest.Digest, len(cfgFile.RootFS.DiffIDs))
	for i, h := range cfgFile.RootFS.DiffIDs {
		diffIDs[i] = digest.Digest(h.String())
	}

	history := make([]History, len(cfgFile.History))
	for i, h := range cfgFile.History {
		history[i] = History{
			Created:    h.Created.Time,
			CreatedBy:  h.CreatedBy,
			Comment:    h.Comment,
			EmptyLayer: h.EmptyLayer,
		}
	}

	return &ImageConfig{
		Created: cfgFile.Created.Time,
		Platform: Platform{
			OS:           cfgFile.OS,
			Architecture: cfgFile.Architecture,
			Variant:      cfgFile.Variant,
		},
		Entrypoint:   cfg.Entrypoint,
		Cmd:          cfg.Cmd,
		Env:          cfg.Env,
		WorkingDir:   cfg.WorkingDir,
		User:         cfg.User,
		Volumes:      sortedKeys(cfg.Volumes),
		ExposedPorts: sortedKeys(cfg.ExposedPorts),
		DiffIDs:      diffIDs,
		History:      history,
	}, nil
}

// registryLayer wraps a go-containerregistry layer to implement the Layer interface.
// Layer content is only downloaded when Compressed() is called.
type registryLayer struct {
	layer     v1.Layer
	digest    digest.Digest
	diffID    digest.Digest
	size      int64
	mediaType string
}

func newRegistryLayer(layer v1.Layer) (*registryLayer, error) {
	dgst, err := layer.Digest()
	if err != nil {
		return nil, fmt.Errorf("get digest: %w", err)
	}
	diffID, err := layer.DiffID()
	if err != nil {
		return nil, fmt.Errorf("get diff id: %w", err)
	}
	size, err := layer.Size()
	if err != nil {
		return nil, fmt.Errorf("get size: %w", err)
	}
	mediaType, err := layer.MediaType()
	if err != nil {
		return nil, fmt.Errorf("get media type: %w", err)
	}

	return &registryLayer{
		layer:     layer,
		digest:    digest.Digest(dgst.String()),
		diffID:    digest.Digest(diffID.String()),
		size:      size,
		mediaType: string(mediaType),
	}, nil
}

func (l *registryLayer) Digest() digest.Digest { return l.digest }
func (l *registryLayer) DiffID() digest.Digest { return l.diffID }
func (l *registryLayer) Size() int64           { return l.size }
func (l *registryLayer) MediaType() string     { return l.mediaType }

// Compressed returns a reader for the compressed layer blob as stored in the registry
func (l *registryLayer) Compressed(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reader, err := l.layer.Compressed()
	if err != nil {
		return nil, fmt.Errorf("get compressed layer: %w", err)
	}
	return reader, nil
}

type rateLimitedTransport struct {
	next    http.RoundTripper
	limiter *rate.Limiter
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(req)
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// NoOpImageProvider for testing
type NoOpImageProvider struct{}

func NewNoOpImageProvider() *NoOpImageProvider {
	return &NoOpImageProvider{}
}

func (p *NoOpImageProvider) Info() string {
	return "registry.com/noop-image:latest"
}

func (p *NoOpImageProvider) GetImage(ctx context.Context) (*Image, error) {
	// Return a dummy image with a fake digest
	return &Image{
		Reference: p.Info(),
		Digest:    digest.FromString("noop-image"),
		Config: &ImageConfig{
			Entrypoint: []string{"/bin/sh"},
			Cmd:        []string{"-c", "echo hello"},
			Env:        []string{"PATH=/usr/bin:/bin"},
			WorkingDir: "/",
			User:       "root",
			Platform:   Platform{OS: "linux", Architecture: runtime.GOARCH},
		},
		Layers: []Layer{},
		Manifest: &Manifest{
			SchemaVersion: 2,
			MediaType:     "application/vnd.oci.image.manifest.v1+json",
			Digest:        digest.FromString("noop-image"),
		},
	}, nil
}
