package ociimage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// blobPath resolves a "sha256:<hex>"-style digest to its path under the
// oci-layout directory's content-addressed blob store.
func blobPath(ociLayoutDir, digest string) (string, error) {
	parts := strings.SplitN(digest, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("malformed digest %q", digest)
	}
	return filepath.Join(ociLayoutDir, "blobs", parts[0], parts[1]), nil
}

// manifestDescriptor reads index.json and returns the descriptor of its
// (single) image manifest. copy.Image writes exactly one manifest per
// pull, matching the single-ELF-per-image contract of spec.md section 6.
func manifestDescriptor(ociLayoutDir string) (ocispec.Descriptor, error) {
	data, err := os.ReadFile(filepath.Join(ociLayoutDir, "index.json"))
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("reading index.json: %w", err)
	}
	var index ocispec.Index
	if err := json.Unmarshal(data, &index); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("parsing index.json: %w", err)
	}
	if len(index.Manifests) != 1 {
		return ocispec.Descriptor{}, fmt.Errorf("expected exactly one manifest in oci-layout index, found %d", len(index.Manifests))
	}
	return index.Manifests[0], nil
}

func readManifest(ociLayoutDir string) (ocispec.Manifest, error) {
	desc, err := manifestDescriptor(ociLayoutDir)
	if err != nil {
		return ocispec.Manifest{}, err
	}
	path, err := blobPath(ociLayoutDir, desc.Digest.String())
	if err != nil {
		return ocispec.Manifest{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ocispec.Manifest{}, fmt.Errorf("reading manifest blob: %w", err)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return ocispec.Manifest{}, fmt.Errorf("parsing manifest: %w", err)
	}
	return manifest, nil
}

// findSingleLayer opens the sole layer blob referenced by the image
// manifest at ociLayoutDir, per spec.md section 6's one-ELF-per-image OCI
// contract, and returns it alongside its declared media type.
func findSingleLayer(ociLayoutDir string) (*os.File, string, error) {
	manifest, err := readManifest(ociLayoutDir)
	if err != nil {
		return nil, "", err
	}
	if len(manifest.Layers) != 1 {
		return nil, "", fmt.Errorf("expected exactly one layer, found %d", len(manifest.Layers))
	}
	layer := manifest.Layers[0]
	path, err := blobPath(ociLayoutDir, layer.Digest.String())
	if err != nil {
		return nil, "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("opening layer blob: %w", err)
	}
	return f, layer.MediaType, nil
}

// readLabels returns the image config's Labels, where the Image Manager
// stores the program/map label JSON produced at build time.
func readLabels(ociLayoutDir string) (map[string]string, error) {
	manifest, err := readManifest(ociLayoutDir)
	if err != nil {
		return nil, err
	}
	path, err := blobPath(ociLayoutDir, manifest.Config.Digest.String())
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config blob: %w", err)
	}
	var imgConfig ocispec.Image
	if err := json.Unmarshal(data, &imgConfig); err != nil {
		return nil, fmt.Errorf("parsing image config: %w", err)
	}
	return imgConfig.Config.Labels, nil
}
