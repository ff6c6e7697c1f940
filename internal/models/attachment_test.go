package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestAttachmentJSONOmitsUnsetExpiry(t *testing.T) {
	att := Attachment{Ref: "r1", DisplayName: "scan.png", CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	data, err := json.Marshal(att)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "expires_at") {
		t.Fatalf("zero expiry should be omitted: %s", data)
	}
	if strings.Contains(string(data), "StoredPath") || strings.Contains(string(data), "stored_path") {
		t.Fatalf("stored path must not be exposed: %s", data)
	}

	att.ExpiresAt = att.CreatedAt.Add(time.Hour)
	data, err = json.Marshal(att)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"expires_at":"2024-01-01T01:00:00Z"`) {
		t.Fatalf("expiry missing: %s", data)
	}
}

func TestAttachmentExpired(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var att Attachment
	if att.Expired(now) {
		t.Fatalf("attachment without ttl never expires")
	}
	att.ExpiresAt = now
	if !att.Expired(now) {
		t.Fatalf("attachment should expire at its deadline")
	}
	if att.Expired(now.Add(-time.Second)) {
		t.Fatalf("attachment expired early")
	}
}

func TestKindForMime(t *testing.T) {
	cases := map[string]MediaKind{
		"image/png":       MediaImage,
		"IMAGE/JPEG":      MediaImage,
		"application/pdf": MediaDocument,
		"text/plain":      MediaDocument,
	}
	for mime, want := range cases {
		if got := KindForMime(mime); got != want {
			t.Errorf("KindForMime(%q) = %s, want %s", mime, got, want)
		}
	}
}
