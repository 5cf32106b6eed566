package capture

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Record is one entry of a device's captures.json. A nil *Record marks a capture
// step whose screenshot could not be stored.
type Record struct {
	Key    string      `json:"key"`
	Upload *UploadInfo `json:"upload,omitempty"`
}

func EncodeManifest(records []*Record) ([]byte, error) {
	if records == nil {
		records = []*Record{}
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode capture manifest: %w", err)
	}
	return raw, nil
}

func DecodeManifest(raw []byte) ([]*Record, error) {
	var records []*Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode capture manifest: %w", err)
	}
	return records, nil
}

// Keys returns the keys of successful captures in manifest order.
func Keys(records []*Record) []string {
	keys := make([]string, 0, len(records))
	for _, record := range records {
		if record == nil || strings.TrimSpace(record.Key) == "" {
			continue
		}
		keys = append(keys, record.Key)
	}
	return keys
}

// DecodeScreenshot strips an optional data-URI prefix and decodes the base64 payload.
func DecodeScreenshot(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "data:") {
		parts := strings.SplitN(payload, ",", 2)
		if len(parts) != 2 {
			return nil, errors.New("invalid data url payload")
		}
		payload = parts[1]
	}
	if payload == "" {
		return nil, errors.New("screenshot payload is empty")
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode base64 payload: %w", err)
	}
	if len(decoded) == 0 {
		return nil, errors.New("decoded payload is empty")
	}
	return decoded, nil
}
