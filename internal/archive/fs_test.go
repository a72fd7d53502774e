package archive

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
)

func newTempFilesystem(t *testing.T) *FilesystemStore {
	t.Helper()
	store, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("new filesystem store: %v", err)
	}
	return store
}

func TestFilesystemPutGetHeadListDelete(t *testing.T) {
	ctx := context.Background()
	store := newTempFilesystem(t)

	body := []byte(`[{"action":"create"}]`)
	info, err := store.Put(ctx, "activity_logs/20260101T000000Z.json", bytes.NewReader(body), PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"rows": "1"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len(body)) || info.ETag == "" {
		t.Fatalf("unexpected put info %+v", info)
	}

	// Archive documents are write-once.
	if _, err := store.Put(ctx, "activity_logs/20260101T000000Z.json", bytes.NewReader([]byte("x")), PutOptions{}); err == nil {
		t.Fatalf("duplicate put must be refused")
	}

	head, err := store.Head(ctx, "activity_logs/20260101T000000Z.json")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.ContentType != "application/json" || head.Metadata["rows"] != "1" {
		t.Fatalf("metadata lost: %+v", head)
	}

	got, rc, err := store.Get(ctx, "activity_logs/20260101T000000Z.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	read, _ := io.ReadAll(rc)
	if err := rc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !bytes.Equal(read, body) || got.ETag != head.ETag {
		t.Fatalf("content round trip failed")
	}

	list, err := store.List(ctx, "activity_logs/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Key != "activity_logs/20260101T000000Z.json" {
		t.Fatalf("unexpected listing %+v", list)
	}
	if other, err := store.List(ctx, "invoices/"); err != nil || len(other) != 0 {
		t.Fatalf("prefix filter failed: %v %v", other, err)
	}

	ok, err := store.Delete(ctx, "activity_logs/20260101T000000Z.json")
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	ok, err = store.Delete(ctx, "activity_logs/20260101T000000Z.json")
	if err != nil || ok {
		t.Fatalf("second delete must report absence")
	}
}

func TestFilesystemRejectsTraversalKeys(t *testing.T) {
	ctx := context.Background()
	store := newTempFilesystem(t)

	for _, key := range []string{"", "  ", "../escape.json", "/abs.json", "a/../../b"} {
		if _, err := store.Put(ctx, key, strings.NewReader("x"), PutOptions{}); err == nil {
			t.Fatalf("key %q must be rejected", key)
		}
	}
}

func TestFilesystemPresignURL(t *testing.T) {
	ctx := context.Background()
	store := newTempFilesystem(t)

	url, err := store.PresignURL(ctx, "activity_logs/a.json", SignedURLOptions{})
	if err != nil || !strings.HasPrefix(url, "http://local.archive/") {
		t.Fatalf("presign: %v %s", err, url)
	}
	if _, err := store.PresignURL(ctx, "activity_logs/a.json", SignedURLOptions{Method: "PUT"}); err != ErrUnsupported {
		t.Fatalf("non-GET presign must be unsupported, got %v", err)
	}
}

func TestOpenSelectsDriverFromEnv(t *testing.T) {
	ctx := context.Background()

	t.Setenv("IQRACORE_ARCHIVE_DRIVER", "memory")
	store, err := Open(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if store.Driver() != DriverMemory {
		t.Fatalf("expected memory driver, got %s", store.Driver())
	}

	t.Setenv("IQRACORE_ARCHIVE_DRIVER", "fs")
	t.Setenv("IQRACORE_ARCHIVE_FS_ROOT", t.TempDir())
	store, err = Open(ctx)
	if err != nil {
		t.Fatalf("open fs: %v", err)
	}
	if store.Driver() != DriverFilesystem {
		t.Fatalf("expected fs driver, got %s", store.Driver())
	}

	t.Setenv("IQRACORE_ARCHIVE_DRIVER", "tape")
	if _, err := Open(ctx); err == nil {
		t.Fatalf("unknown driver must fail")
	}
}
