package transfer

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"
)

// receiveFile copies r into path. Bytes land in a private ".part" file next to
// path that is renamed into place once the stream ends cleanly and removed
// otherwise. Concurrent receives of the same path never share a temp file; the
// last one to finish wins.
func receiveFile(r io.Reader, path string) (Result, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Result{}, fmt.Errorf("transfer: create dir: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.part")
	if err != nil {
		return Result{}, fmt.Errorf("transfer: create temp for %s: %w", path, err)
	}
	part := f.Name()
	h := newDigest()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if err != nil {
		f.Close()
		os.Remove(part)
		return Result{Bytes: n}, fmt.Errorf("transfer: receive: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(part)
		return Result{Bytes: n}, fmt.Errorf("transfer: close %s: %w", part, err)
	}
	if err := os.Chmod(part, 0o644); err != nil {
		os.Remove(part)
		return Result{Bytes: n}, fmt.Errorf("transfer: chmod %s: %w", part, err)
	}
	if err := os.Rename(part, path); err != nil {
		os.Remove(part)
		return Result{Bytes: n}, fmt.Errorf("transfer: rename: %w", err)
	}
	return Result{Bytes: n, Digest: hex.EncodeToString(h.Sum(nil))}, nil
}

// sendFile streams the file at path into w.
func sendFile(w io.Writer, path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("transfer: open %s: %w", path, err)
	}
	defer f.Close()
	h := newDigest()
	n, err := io.Copy(w, io.TeeReader(f, h))
	if err != nil {
		return Result{Bytes: n}, fmt.Errorf("transfer: send: %w", err)
	}
	return Result{Bytes: n, Digest: hex.EncodeToString(h.Sum(nil))}, nil
}

func newDigest() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// Only fails for keys longer than 64 bytes.
		panic(err)
	}
	return h
}

// Digest returns the BLAKE2b-256 of the file at path, in the same form as
// Result.Digest.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := newDigest()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
