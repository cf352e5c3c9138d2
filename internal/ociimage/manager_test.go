package ociimage

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"testing"

	"github.com/containers/image/v5/signature"
	"github.com/stretchr/testify/require"
)

func buildGzippedTar(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, data := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Size: int64(len(data)),
			Mode: 0o644,
		}))
		_, err := tw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestExtractSingleELFFindsRootELF(t *testing.T) {
	elf := append([]byte("\x7fELF"), []byte("rest-of-object")...)
	layer := buildGzippedTar(t, map[string][]byte{
		"prog.o":       elf,
		"nested/other": []byte("not an elf, and not at root anyway"),
	})

	got, err := extractSingleELF(bytes.NewReader(layer))
	require.NoError(t, err)
	require.Equal(t, elf, got)
}

func TestExtractSingleELFRejectsZeroOrMultiple(t *testing.T) {
	none := buildGzippedTar(t, map[string][]byte{"readme.txt": []byte("hello")})
	_, err := extractSingleELF(bytes.NewReader(none))
	require.Error(t, err)

	elfA := append([]byte("\x7fELF"), 'a')
	elfB := append([]byte("\x7fELF"), 'b')
	multiple := buildGzippedTar(t, map[string][]byte{"a.o": elfA, "b.o": elfB})
	_, err = extractSingleELF(bytes.NewReader(multiple))
	require.Error(t, err)
}

func TestParseLabelRoundTrip(t *testing.T) {
	labels := map[string]string{
		programsLabel: `{"pass": "xdp"}`,
	}
	out, err := parseLabel(labels, programsLabel)
	require.NoError(t, err)
	require.Equal(t, "xdp", out["pass"])
}

func TestParseLabelMissingKey(t *testing.T) {
	_, err := parseLabel(map[string]string{}, programsLabel)
	require.Error(t, err)
}

func TestParseLabelNotJSON(t *testing.T) {
	_, err := parseLabel(map[string]string{programsLabel: "not json"}, programsLabel)
	require.Error(t, err)
}

func TestIsSignatureErrorDistinguishesPolicyRejection(t *testing.T) {
	require.True(t, isSignatureError(signature.PolicyRequirementError("signature not accepted")))
	require.False(t, isSignatureError(errors.New("connection reset")))
}
