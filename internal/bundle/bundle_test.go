package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/burstci/internal/fsutil"
)

func TestPackUnpack_RoundTrip(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			src := t.TempDir()
			big := strings.Repeat("compressible line\n", 500)
			require.NoError(t, os.MkdirAll(filepath.Join(src, "bin"), 0o755))
			require.NoError(t, os.WriteFile(filepath.Join(src, "bin", "tool"), []byte("#!/bin/sh\n"), 0o755))
			require.NoError(t, os.WriteFile(filepath.Join(src, "notes.txt"), []byte(big), 0o644))

			blob, paths, err := Pack(src, []string{"bin", "*.txt"}, c)
			require.NoError(t, err)
			assert.Equal(t, []string{"bin/tool", "notes.txt"}, paths)
			if c != CompressionNone {
				assert.Less(t, len(blob), len(big), "payload should be compressed")
			}

			dst := t.TempDir()
			restored, err := Unpack(blob, dst)
			require.NoError(t, err)
			assert.Equal(t, paths, restored)

			got, err := os.ReadFile(filepath.Join(dst, "notes.txt"))
			require.NoError(t, err)
			assert.Equal(t, big, string(got))

			info, err := os.Stat(filepath.Join(dst, "bin", "tool"))
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
		})
	}
}

func TestPack_NoFiles(t *testing.T) {
	_, _, err := Pack(t.TempDir(), []string{"nothing-here"}, CompressionZstd)
	assert.ErrorIs(t, err, ErrNoFiles)
}

func TestUnpack_RejectsEscapingPaths(t *testing.T) {
	blob, err := Encode([]File{{Path: "../evil", Data: []byte("x")}}, CompressionNone)
	require.NoError(t, err)

	root := t.TempDir()
	_, err = Unpack(blob, filepath.Join(root, "inner"))
	assert.True(t, errors.Is(err, fsutil.ErrEscapesRoot))
	_, statErr := os.Stat(filepath.Join(root, "evil"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDecode_Corrupt(t *testing.T) {
	_, err := Decode([]byte{1})
	assert.Error(t, err)

	blob, err := Encode([]File{{Path: "a", Data: []byte(strings.Repeat("a", 1000))}}, CompressionZstd)
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xff
	_, err = Decode(blob)
	assert.Error(t, err)
}

func TestEncode_Deterministic(t *testing.T) {
	files := []File{{Path: "a", Mode: 0o644, Data: []byte("1")}, {Path: "b", Mode: 0o600, Data: []byte("2")}}
	first, err := Encode(files, CompressionLZ4)
	require.NoError(t, err)
	second, err := Encode(files, CompressionLZ4)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDecoder_AcceptsLargeManifests(t *testing.T) {
	assert.Equal(t, maxFiles, decMode.DecOptions().MaxArrayElements)

	// More entries than the CBOR library accepts by default.
	files := make([]File, 140_000)
	for i := range files {
		files[i] = File{Path: fmt.Sprintf("f/%06d", i), Mode: 0o644}
	}
	blob, err := Encode(files, CompressionZstd)
	require.NoError(t, err)

	got, err := Decode(blob)
	require.NoError(t, err)
	require.Len(t, got, len(files))
	assert.Equal(t, files[len(files)-1].Path, got[len(got)-1].Path)
}
