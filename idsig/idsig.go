// Package idsig writes signature digest files for APK payloads. The digest
// is a hash tree root: the input is split into fixed-size blocks, each block
// is hashed, and the concatenated block hashes are hashed again. Guests use
// the digest to verify payload integrity without reading the whole APK.
package idsig

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const (
	// Magic identifies an idsig file.
	Magic = "VSIG"
	// Version is the current idsig format version.
	Version uint16 = 1
	// BlockSize is the hash tree block size.
	BlockSize = 4096
)

// Digest computes the hash tree root of r.
func Digest(r io.Reader) ([]byte, int64, error) {
	leaves := sha256.New()
	buf := make([]byte, BlockSize)
	var total int64
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			total += int64(n)
			block := sha256.Sum256(buf[:n])
			leaves.Write(block[:])
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read input: %w", err)
		}
	}
	root := leaves.Sum(nil)
	return root, total, nil
}

// Write writes the idsig for the given input to w:
// magic, version (LE), block size (LE), input size (LE), root digest.
func Write(w io.Writer, input io.Reader) error {
	root, size, err := Digest(input)
	if err != nil {
		return err
	}

	header := make([]byte, 0, len(Magic)+2+4+8+len(root))
	header = append(header, Magic...)
	header = binary.LittleEndian.AppendUint16(header, Version)
	header = binary.LittleEndian.AppendUint32(header, BlockSize)
	header = binary.LittleEndian.AppendUint64(header, uint64(size))
	header = append(header, root...)

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write idsig: %w", err)
	}
	return nil
}

// CreateOrUpdate digests the APK at apkPath and (re)writes the idsig file at
// outPath, truncating any previous content.
func CreateOrUpdate(apkPath, outPath string) error {
	apk, err := os.Open(apkPath) //nolint:gosec // caller-supplied path
	if err != nil {
		return fmt.Errorf("open APK %s: %w", apkPath, err)
	}
	defer apk.Close() //nolint:errcheck

	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) //nolint:gosec
	if err != nil {
		return fmt.Errorf("open idsig %s: %w", outPath, err)
	}
	defer out.Close() //nolint:errcheck

	if err := Write(out, apk); err != nil {
		return err
	}
	return out.Sync()
}
