package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
)

var ErrNotFound = errors.New("capture object not found")

const (
	ContentTypeJSON = "application/json"
	ContentTypePNG  = "image/png"
)

// UploadInfo describes a stored object. It is derived from content only, so
// writing the same bytes twice yields the same UploadInfo.
type UploadInfo struct {
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
}

// Store is blob storage keyed by slash-separated paths. Put overwrites.
type Store interface {
	Put(ctx context.Context, key, contentType string, body []byte) (UploadInfo, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

func DefinitionKey(testID string) string {
	return testID + "/definition.json"
}

func DeviceDefinitionKey(testID, deviceID string) string {
	return testID + "/" + deviceID + "/definition.json"
}

func ArtifactKey(testID, deviceID, name string) string {
	return testID + "/" + deviceID + "/" + sanitizeName(name) + ".png"
}

func ManifestKey(testID, deviceID string) string {
	return testID + "/" + deviceID + "/captures.json"
}

// ContentTypeFor guesses a content type from the key extension.
func ContentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".png":
		return ContentTypePNG
	case ".json":
		return ContentTypeJSON
	default:
		return "application/octet-stream"
	}
}

func describe(contentType string, body []byte) UploadInfo {
	sum := sha256.Sum256(body)
	return UploadInfo{
		ContentType: contentType,
		Size:        int64(len(body)),
		SHA256:      hex.EncodeToString(sum[:]),
	}
}

func validateKey(key string) error {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return errors.New("capture key is required")
	}
	if strings.HasPrefix(trimmed, "/") {
		return fmt.Errorf("capture key %q must be relative", key)
	}
	for _, part := range strings.Split(trimmed, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("capture key %q has an invalid path segment", key)
		}
	}
	return nil
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		return "capture"
	}
	return name
}
