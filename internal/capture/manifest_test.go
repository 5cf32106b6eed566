package capture

import (
	"encoding/base64"
	"testing"
)

func TestManifestPreservesOrderAndNulls(t *testing.T) {
	records := []*Record{
		{Key: "t/Device_0/b.png"},
		nil,
		{Key: "t/Device_0/a.png", Upload: &UploadInfo{ContentType: ContentTypePNG, Size: 3, SHA256: "abc"}},
	}
	raw, err := EncodeManifest(records)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `[{"key":"t/Device_0/b.png"},null,{"key":"t/Device_0/a.png","upload":{"contentType":"image/png","size":3,"sha256":"abc"}}]`
	if string(raw) != want {
		t.Fatalf("unexpected manifest %s", raw)
	}

	decoded, err := DecodeManifest(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	keys := Keys(decoded)
	if len(keys) != 2 || keys[0] != "t/Device_0/b.png" || keys[1] != "t/Device_0/a.png" {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestEncodeEmptyManifest(t *testing.T) {
	raw, err := EncodeManifest(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(raw) != "[]" {
		t.Fatalf("expected empty array, got %s", raw)
	}
}

func TestDecodeScreenshotStripsDataURI(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	for _, input := range []string{payload, "data:image/png;base64," + payload} {
		decoded, err := DecodeScreenshot(input)
		if err != nil {
			t.Fatalf("decode %q: %v", input, err)
		}
		if string(decoded) != "png-bytes" {
			t.Fatalf("unexpected bytes %q", decoded)
		}
	}
	if _, err := DecodeScreenshot("data:image/png;base64"); err == nil {
		t.Fatalf("expected malformed data url to fail")
	}
	if _, err := DecodeScreenshot(""); err == nil {
		t.Fatalf("expected empty payload to fail")
	}
}
