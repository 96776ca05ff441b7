package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// SyncToFile makes path hold a copy of the object at key. The local copy is
// fresh, and downloaded is false, when its size matches the object and so
// does the ETag recorded at the last download; objects without an ETag
// compare LastModified against the file mtime instead. The object is written
// to a temporary file next to path and renamed into place, so readers never
// see a partial database.
func SyncToFile(ctx context.Context, store ObjectStore, key, path string) (bool, error) {
	info, err := store.Stat(ctx, key)
	if err != nil {
		return false, fmt.Errorf("stat %q: %w", key, err)
	}
	fresh, err := localCopyFresh(path, info)
	if err != nil {
		return false, err
	}
	if fresh {
		return false, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %q: %w", dir, err)
	}
	body, err := store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("get %q: %w", key, err)
	}
	defer func() { _ = body.Close() }()

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return false, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	written, err := io.Copy(tmp, body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return false, fmt.Errorf("download %q: %w", key, err)
	}
	if info.Size > 0 && written != info.Size {
		return false, fmt.Errorf("download %q: got %d bytes, want %d", key, written, info.Size)
	}
	if !info.LastModified.IsZero() {
		if err := os.Chtimes(tmpName, info.LastModified, info.LastModified); err != nil {
			return false, fmt.Errorf("set modification time: %w", err)
		}
	}
	// A stale tag must not outlive the file it described.
	if err := os.Remove(etagPath(path)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("remove etag record: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return false, fmt.Errorf("move download into place: %w", err)
	}
	if info.ETag != "" {
		if err := os.WriteFile(etagPath(path), []byte(info.ETag), 0o644); err != nil {
			return false, fmt.Errorf("record etag: %w", err)
		}
	}
	return true, nil
}

func etagPath(path string) string {
	return path + ".etag"
}

func localCopyFresh(path string, info ObjectInfo) (bool, error) {
	local, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat local file: %w", err)
	}
	if local.Size() != info.Size {
		return false, nil
	}
	if info.ETag != "" {
		recorded, err := os.ReadFile(etagPath(path))
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("read etag record: %w", err)
		}
		return strings.TrimSpace(string(recorded)) == info.ETag, nil
	}
	if info.LastModified.IsZero() {
		return false, nil
	}
	return local.ModTime().Equal(info.LastModified), nil
}

// UploadFile puts the file at path under key.
func UploadFile(ctx context.Context, store ObjectStore, key, path, contentType string) (ObjectInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("open %q: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	stat, err := file.Stat()
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("stat %q: %w", path, err)
	}
	info, err := store.Put(ctx, key, file, stat.Size(), PutOptions{ContentType: contentType})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("upload %q: %w", path, err)
	}
	return info, nil
}
