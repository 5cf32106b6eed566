package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type LocalStore struct {
	rootDir string
}

func NewLocalStore(rootDir string) (*LocalStore, error) {
	root := strings.TrimSpace(rootDir)
	if root == "" {
		return nil, errors.New("capture root dir is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create capture root: %w", err)
	}
	return &LocalStore{rootDir: root}, nil
}

func (s *LocalStore) Put(ctx context.Context, key, contentType string, body []byte) (UploadInfo, error) {
	if ctx.Err() != nil {
		return UploadInfo{}, ctx.Err()
	}
	if err := validateKey(key); err != nil {
		return UploadInfo{}, err
	}

	path := s.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return UploadInfo{}, fmt.Errorf("create capture directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return UploadInfo{}, fmt.Errorf("create capture tmp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return UploadInfo{}, fmt.Errorf("write capture tmp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return UploadInfo{}, fmt.Errorf("close capture tmp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return UploadInfo{}, fmt.Errorf("commit capture: %w", err)
	}

	return describe(contentType, body), nil
}

func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read capture %s: %w", key, err)
	}
	return raw, nil
}

func (s *LocalStore) pathFor(key string) string {
	return filepath.Join(s.rootDir, filepath.FromSlash(strings.TrimSpace(key)))
}

func RootDirFromEnv(value string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return filepath.Join(os.TempDir(), "megatest-captures")
}
