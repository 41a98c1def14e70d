package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"virtool/internal/blob/core"
)

func TestMockStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMockForTests()
	if s.Driver() != core.DriverS3 {
		t.Fatalf("unexpected driver")
	}
	if _, err := s.Put(ctx, "exports/quality/s1.json", bytes.NewBufferString(`{"count":1}`), core.PutOptions{ContentType: "application/json"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Put(ctx, "exports/quality/s1.json", bytes.NewBufferString("again"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	_, rc, err := s.Get(ctx, "exports/quality/s1.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != `{"count":1}` {
		t.Fatalf("unexpected body %q", body)
	}
	list, err := s.List(ctx, "exports/")
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %+v %v", list, err)
	}
	url, err := s.PresignURL(ctx, "exports/quality/s1.json", core.SignedURLOptions{})
	if err != nil || url == "" {
		t.Fatalf("presign: %v", err)
	}
	if ok, err := s.Delete(ctx, "exports/quality/s1.json"); !ok || err != nil {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := s.Delete(ctx, "exports/quality/s1.json"); ok || err != nil {
		t.Fatalf("second delete: %v %v", ok, err)
	}
	if _, _, err := s.Get(ctx, "exports/quality/s1.json"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDecodeChunked(t *testing.T) {
	raw := []byte("4;chunk-signature=abc\r\nACGT\r\n2\r\nTT\r\n0\r\nx-amz-checksum-crc32:AAAA\r\n\r\n")
	if got := string(decodeChunked(raw)); got != "ACGTTT" {
		t.Fatalf("expected ACGTTT, got %q", got)
	}
	if got := string(decodeChunked([]byte("plain"))); got != "plain" {
		t.Fatalf("expected passthrough, got %q", got)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error")
	}
}
