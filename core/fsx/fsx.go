package fsx

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
)

// ErrSourceRead marks a failure reading the caller's source stream, as opposed
// to a failure writing the destination.
var ErrSourceRead = errors.New("read source")

func WriteFileAtomic(path string, content []byte, mode os.FileMode) error {
	_, err := WriteStreamAtomic(path, bytes.NewReader(content), mode)
	return err
}

// WriteStreamAtomic copies source into path through a temp file and rename.
// Every byte written is also fed to the optional taps (hashers). Source read
// failures wrap ErrSourceRead; the destination is left untouched on any error.
func WriteStreamAtomic(path string, source io.Reader, mode os.FileMode, taps ...io.Writer) (int64, error) {
	parent := filepath.Dir(path)
	base := filepath.Base(path)

	tempFile, err := os.CreateTemp(parent, "."+base+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempPath)
		}
	}()

	writers := append([]io.Writer{tempFile}, taps...)
	written, err := copyStream(io.MultiWriter(writers...), source)
	if err != nil {
		_ = tempFile.Close()
		return 0, err
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return 0, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Chmod(mode); err != nil {
		_ = tempFile.Close()
		return 0, fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := renameReplace(tempPath, path); err != nil {
		return 0, err
	}
	cleanup = false
	SyncDir(parent)
	return written, nil
}

// MkdirExclusive creates path and fails with os.ErrExist when it is already
// present. Parents are created as needed.
func MkdirExclusive(path string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	if err := os.Mkdir(path, mode); err != nil {
		return err
	}
	SyncDir(filepath.Dir(path))
	return nil
}

func SyncDir(path string) {
	// #nosec G304 -- directory path is derived from explicit caller-provided destination path.
	if dirHandle, err := os.Open(path); err == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}
}

func copyStream(dst io.Writer, src io.Reader) (int64, error) {
	buffer := make([]byte, 64*1024)
	var written int64
	for {
		n, readErr := src.Read(buffer)
		if n > 0 {
			if _, err := dst.Write(buffer[:n]); err != nil {
				return written, fmt.Errorf("write temp file: %w", err)
			}
			written += int64(n)
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("%w: %w", ErrSourceRead, readErr)
		}
	}
}

func renameReplace(tempPath, path string) error {
	if err := os.Rename(tempPath, path); err != nil {
		if runtime.GOOS != "windows" {
			return fmt.Errorf("rename temp file: %w", err)
		}
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("remove destination before rename: %w", removeErr)
		}
		if renameErr := os.Rename(tempPath, path); renameErr != nil {
			return fmt.Errorf("rename temp file after remove: %w", renameErr)
		}
	}
	return nil
}
