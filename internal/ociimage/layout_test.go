package ociimage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
)

// writeBlob writes data under <dir>/blobs/sha256/<hex digest> and returns
// the "sha256:<hex>" descriptor digest string, mirroring how copy.Image
// lays out an oci-layout destination.
func writeBlob(t *testing.T, dir string, data []byte) string {
	t.Helper()
	sum := sha256.Sum256(data)
	hexDigest := hex.EncodeToString(sum[:])
	blobDir := filepath.Join(dir, "blobs", "sha256")
	require.NoError(t, os.MkdirAll(blobDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(blobDir, hexDigest), data, 0o644))
	return "sha256:" + hexDigest
}

func buildFakeOciLayout(t *testing.T, dir string, labels map[string]string) {
	t.Helper()

	layerData := buildGzippedTar(t, map[string][]byte{
		"counter.o": append([]byte("\x7fELF"), []byte("counter-program")...),
	})
	layerDigest := writeBlob(t, dir, layerData)

	imgConfig := ocispec.Image{
		Config: ocispec.ImageConfig{Labels: labels},
	}
	configBytes, err := json.Marshal(imgConfig)
	require.NoError(t, err)
	configDigest := writeBlob(t, dir, configBytes)

	manifest := ocispec.Manifest{
		MediaType: ocispec.MediaTypeImageManifest,
		Config: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageConfig,
			Digest:    digest.Digest(configDigest),
			Size:      int64(len(configBytes)),
		},
		Layers: []ocispec.Descriptor{{
			MediaType: acceptedLayerMediaType,
			Digest:    digest.Digest(layerDigest),
			Size:      int64(len(layerData)),
		}},
	}
	manifestBytes, err := json.Marshal(manifest)
	require.NoError(t, err)
	manifestDigest := writeBlob(t, dir, manifestBytes)

	index := ocispec.Index{
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{{
			MediaType: ocispec.MediaTypeImageManifest,
			Digest:    digest.Digest(manifestDigest),
			Size:      int64(len(manifestBytes)),
		}},
	}
	indexBytes, err := json.Marshal(index)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.json"), indexBytes, 0o644))
}

func TestFindSingleLayerAndReadLabels(t *testing.T) {
	dir := t.TempDir()
	buildFakeOciLayout(t, dir, map[string]string{
		programsLabel: `{"counter": "xdp"}`,
		mapsLabel:     `{"stats": "hash"}`,
	})

	layer, mediaType, err := findSingleLayer(dir)
	require.NoError(t, err)
	defer layer.Close()
	require.Equal(t, acceptedLayerMediaType, mediaType)

	data, err := io.ReadAll(layer)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	labels, err := readLabels(dir)
	require.NoError(t, err)
	require.Equal(t, `{"counter": "xdp"}`, labels[programsLabel])
	require.Equal(t, `{"stats": "hash"}`, labels[mapsLabel])
}
