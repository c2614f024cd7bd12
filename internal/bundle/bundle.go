// Package bundle packs a set of files under a root directory into a single
// compressed blob and restores it. Caches and artifacts are stored as
// bundles.
//
// Layout: one compression byte, the uvarint length of the uncompressed
// payload, then the (possibly compressed) payload. The payload is the
// deterministic CBOR encoding of the file list.
package bundle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"

	"github.com/vk/burstci/internal/fsutil"
)

// ErrNoFiles is returned by Pack when the patterns match no files.
var ErrNoFiles = errors.New("no files matched")

const (
	// maxPayload bounds the declared uncompressed size of a bundle.
	maxPayload = 1 << 30
	// maxFiles bounds the entries of one bundle. The CBOR default of
	// 131072 array elements is too small for dependency caches.
	maxFiles = 1 << 24
)

// File is one entry of a bundle.
type File struct {
	Path string      `cbor:"1,keyasint"`
	Mode fs.FileMode `cbor:"2,keyasint"`
	Data []byte      `cbor:"3,keyasint"`
}

type manifest struct {
	Version int    `cbor:"1,keyasint"`
	Files   []File `cbor:"2,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("bundle: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{MaxArrayElements: maxFiles}.DecMode()
	if err != nil {
		panic("bundle: CBOR decoder initialization failed: " + err.Error())
	}
}

// Pack collects the files matched by patterns under root and encodes them.
func Pack(root string, patterns []string, c Compression) ([]byte, []string, error) {
	paths, err := fsutil.Match(root, patterns)
	if err != nil {
		return nil, nil, err
	}
	if len(paths) == 0 {
		return nil, nil, ErrNoFiles
	}

	files := make([]File, 0, len(paths))
	for _, rel := range paths {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		info, err := os.Stat(abs)
		if err != nil {
			return nil, nil, err
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, nil, err
		}
		files = append(files, File{Path: rel, Mode: info.Mode().Perm(), Data: data})
	}

	blob, err := Encode(files, c)
	if err != nil {
		return nil, nil, err
	}
	return blob, paths, nil
}

// Encode serializes files into a bundle.
func Encode(files []File, c Compression) ([]byte, error) {
	payload, err := encMode.Marshal(manifest{Version: 1, Files: files})
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	body, err := compress(payload, c)
	if errors.Is(err, errIncompressible) {
		c, body, err = CompressionNone, payload, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+binary.MaxVarintLen64+len(body))
	out = append(out, byte(c))
	out = binary.AppendUvarint(out, uint64(len(payload)))
	return append(out, body...), nil
}

// Decode parses a bundle into its file list.
func Decode(blob []byte) ([]File, error) {
	if len(blob) < 2 {
		return nil, errors.New("bundle is truncated")
	}
	c := Compression(blob[0])
	size, n := binary.Uvarint(blob[1:])
	if n <= 0 || size > maxPayload {
		return nil, errors.New("bundle has an invalid size header")
	}
	payload, err := decompress(blob[1+n:], c, int(size))
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := decMode.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return m.Files, nil
}

// Unpack writes the files of blob under root, creating directories as
// needed, and returns the restored paths. Entries that would land
// outside root are rejected before anything is written.
func Unpack(blob []byte, root string) ([]string, error) {
	files, err := Decode(blob)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if err := fsutil.CheckRelative(f.Path); err != nil {
			return nil, err
		}
	}

	paths := make([]string, 0, len(files))
	for _, f := range files {
		dst := filepath.Join(root, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, err
		}
		mode := f.Mode.Perm()
		if mode == 0 {
			mode = 0o644
		}
		if err := os.WriteFile(dst, f.Data, mode); err != nil {
			return nil, err
		}
		// WriteFile keeps the mode of an existing file.
		if err := os.Chmod(dst, mode); err != nil {
			return nil, err
		}
		paths = append(paths, f.Path)
	}
	return paths, nil
}
