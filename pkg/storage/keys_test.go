package storage

import (
	"context"
	"io"
	"strings"
	"testing"
)

func TestKeyFromReference(t *testing.T) {
	tests := map[string]string{
		"https://images.example.com/abc123.jpg":         "abc123.jpg",
		"https://images.example.com/a/b/abc123.png?v=2": "abc123.png",
		"abc123.webp":  "abc123.webp",
		"/abc123.webp": "abc123.webp",
		"":             "",
	}
	for in, want := range tests {
		if got := KeyFromReference(in); got != want {
			t.Fatalf("KeyFromReference(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPublicURL(t *testing.T) {
	if got := PublicURL("https://images.example.com/", GeneratedImageKey("s1")); got != "https://images.example.com/s1.png" {
		t.Fatalf("PublicURL = %q", got)
	}
}

func TestMemoryStoreGetReportsAbsentKeys(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, ok, err := s.Get(ctx, "missing.png"); ok || err != nil {
		t.Fatalf("expected absent without error, got ok=%v err=%v", ok, err)
	}
	if err := s.Put(ctx, "s1.png", strings.NewReader("img"), 3, ContentTypePNG); err != nil {
		t.Fatalf("put: %v", err)
	}
	rc, ok, err := s.Get(ctx, "s1.png")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "img" {
		t.Fatalf("unexpected payload %q", data)
	}
	obj, _ := s.Object("s1.png")
	if obj.ContentType != ContentTypePNG {
		t.Fatalf("content type = %q", obj.ContentType)
	}
}
