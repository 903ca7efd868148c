package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "path/file.jsonl.gz", "application/gzip", bytes.NewReader([]byte("content")))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://path/file.jsonl.gz" {
		t.Fatalf("unexpected uri %s", uri)
	}
	body, kind, ok := store.Object("path/file.jsonl.gz")
	if !ok || string(body) != "content" || kind != "application/gzip" {
		t.Fatalf("unexpected object %q %q %v", body, kind, ok)
	}
	body[0] = 'C'
	again, _, _ := store.Object("path/file.jsonl.gz")
	if string(again) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", again)
	}
	if keys := store.Keys(); len(keys) != 1 {
		t.Fatalf("expected one key, got %v", keys)
	}
	if _, err := store.PutObject(context.Background(), "", "", bytes.NewReader(nil)); err == nil {
		t.Fatal("expected error for empty path")
	}
}
