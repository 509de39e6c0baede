// Package storagetest holds the behavioural contract every storage.Backend
// must satisfy. Backend packages call Run from their own tests.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"pkt.systems/shardq/internal/storage"
)

// Factory returns a fresh, empty backend. Cleanup is registered on t.
type Factory func(t *testing.T) storage.Backend

// Run executes the conformance battery against backends produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(*testing.T, storage.Backend)
	}{
		{"PutGetRoundTrip", testPutGetRoundTrip},
		{"GetMissing", testGetMissing},
		{"IfNotExists", testIfNotExists},
		{"ExpectedETag", testExpectedETag},
		{"DeleteSemantics", testDeleteSemantics},
		{"ListOrderingAndPrefix", testListOrderingAndPrefix},
		{"ListPagination", testListPagination},
		{"NamespaceIsolation", testNamespaceIsolation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newBackend(t))
		})
	}
}

const ns = "conformance"

func put(t *testing.T, b storage.Backend, namespace, key, body string, opts storage.PutObjectOptions) *storage.ObjectInfo {
	t.Helper()
	info, err := b.PutObject(context.Background(), namespace, key, strings.NewReader(body), opts)
	if err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
	if info == nil || info.ETag == "" {
		t.Fatalf("put %s: expected etag, got %+v", key, info)
	}
	return info
}

func get(t *testing.T, b storage.Backend, namespace, key string) ([]byte, *storage.ObjectInfo) {
	t.Helper()
	res, err := b.GetObject(context.Background(), namespace, key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	data, err := storage.ReadAll(res)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return data, res.Info
}

func listKeys(t *testing.T, b storage.Backend, namespace string, opts storage.ListOptions) ([]string, *storage.ListResult) {
	t.Helper()
	res, err := b.ListObjects(context.Background(), namespace, opts)
	if err != nil {
		t.Fatalf("list %+v: %v", opts, err)
	}
	keys := make([]string, 0, len(res.Objects))
	for _, obj := range res.Objects {
		keys = append(keys, obj.Key)
	}
	return keys, res
}

func testPutGetRoundTrip(t *testing.T, b storage.Backend) {
	info := put(t, b, ns, "q/a/msg/1", `{"v":1}`, storage.PutObjectOptions{ContentType: storage.ContentTypeJSON})
	data, got := get(t, b, ns, "q/a/msg/1")
	if string(data) != `{"v":1}` {
		t.Fatalf("unexpected body %q", data)
	}
	if got.ETag != info.ETag {
		t.Fatalf("etag mismatch: put %q get %q", info.ETag, got.ETag)
	}
	if got.Size != int64(len(data)) {
		t.Fatalf("size mismatch: %d vs %d", got.Size, len(data))
	}
	again := put(t, b, ns, "q/a/msg/1", `{"v":2}`, storage.PutObjectOptions{ContentType: storage.ContentTypeJSON})
	if again.ETag == info.ETag {
		t.Fatal("expected etag to change after overwrite")
	}
}

func testGetMissing(t *testing.T, b storage.Backend) {
	_, err := b.GetObject(context.Background(), ns, "q/missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testIfNotExists(t *testing.T, b storage.Backend) {
	put(t, b, ns, "q/a/manifest.json", `{"shards":4}`, storage.PutObjectOptions{IfNotExists: true})
	_, err := b.PutObject(context.Background(), ns, "q/a/manifest.json", strings.NewReader(`{"shards":8}`), storage.PutObjectOptions{IfNotExists: true})
	if !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch, got %v", err)
	}
	data, _ := get(t, b, ns, "q/a/manifest.json")
	if string(data) != `{"shards":4}` {
		t.Fatalf("conditional create overwrote body: %q", data)
	}
}

func testExpectedETag(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	first := put(t, b, ns, "q/a/env", "one", storage.PutObjectOptions{})
	second, err := b.PutObject(ctx, ns, "q/a/env", strings.NewReader("two"), storage.PutObjectOptions{ExpectedETag: first.ETag})
	if err != nil {
		t.Fatalf("cas put: %v", err)
	}
	if _, err := b.PutObject(ctx, ns, "q/a/env", strings.NewReader("three"), storage.PutObjectOptions{ExpectedETag: first.ETag}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch for stale etag, got %v", err)
	}
	data, info := get(t, b, ns, "q/a/env")
	if string(data) != "two" || info.ETag != second.ETag {
		t.Fatalf("unexpected state %q etag %q", data, info.ETag)
	}
	_, err = b.PutObject(ctx, ns, "q/a/absent", strings.NewReader("x"), storage.PutObjectOptions{ExpectedETag: first.ETag})
	if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrNotFound or ErrCASMismatch for missing key, got %v", err)
	}
}

func testDeleteSemantics(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	info := put(t, b, ns, "q/a/del", "x", storage.PutObjectOptions{})
	if err := b.DeleteObject(ctx, ns, "q/a/del", storage.DeleteObjectOptions{ExpectedETag: "bogus"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch, got %v", err)
	}
	if err := b.DeleteObject(ctx, ns, "q/a/del", storage.DeleteObjectOptions{ExpectedETag: info.ETag}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := b.DeleteObject(ctx, ns, "q/a/del", storage.DeleteObjectOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if err := b.DeleteObject(ctx, ns, "q/a/del", storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("expected IgnoreNotFound to swallow, got %v", err)
	}
}

func testListOrderingAndPrefix(t *testing.T, b storage.Backend) {
	for _, key := range []string{"q/b/shard/0001/msg/5-b", "q/b/shard/0001/msg/0-z", "q/b/shard/0000/msg/9-a", "q/bb/other", "q/b/shard/0001/msg/5-a"} {
		put(t, b, ns, key, key, storage.PutObjectOptions{})
	}
	keys, res := listKeys(t, b, ns, storage.ListOptions{Prefix: "q/b/shard/0001/msg/"})
	want := []string{"q/b/shard/0001/msg/0-z", "q/b/shard/0001/msg/5-a", "q/b/shard/0001/msg/5-b"}
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected keys %v", keys)
	}
	if res.Truncated {
		t.Fatal("unexpected truncation")
	}
	for _, obj := range res.Objects {
		if obj.ETag == "" {
			t.Fatalf("list entry %s missing etag", obj.Key)
		}
	}
	keys, _ = listKeys(t, b, ns, storage.ListOptions{Prefix: "q/b/"})
	if len(keys) != 4 {
		t.Fatalf("prefix q/b/ leaked or missed keys: %v", keys)
	}
}

func testListPagination(t *testing.T, b storage.Backend) {
	var want []string
	for i := 0; i < 7; i++ {
		key := fmt.Sprintf("q/p/msg/%02d", i)
		want = append(want, key)
		put(t, b, ns, key, key, storage.PutObjectOptions{})
	}
	var got []string
	startAfter := ""
	for page := 0; page < 10; page++ {
		keys, res := listKeys(t, b, ns, storage.ListOptions{Prefix: "q/p/", StartAfter: startAfter, Limit: 3})
		if len(keys) > 3 {
			t.Fatalf("page exceeded limit: %v", keys)
		}
		got = append(got, keys...)
		if !res.Truncated {
			break
		}
		startAfter = res.NextStartAfter
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("paged keys %v, want %v", got, want)
	}
	var walked []string
	err := storage.ListAll(context.Background(), b, ns, "q/p/", 2, func(obj storage.ObjectInfo) error {
		walked = append(walked, obj.Key)
		return nil
	})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(walked) != len(want) {
		t.Fatalf("ListAll visited %v", walked)
	}
}

func testNamespaceIsolation(t *testing.T, b storage.Backend) {
	put(t, b, "ns-one", "q/x/k", "one", storage.PutObjectOptions{})
	put(t, b, "ns-two", "q/x/k", "two", storage.PutObjectOptions{})
	one, _ := get(t, b, "ns-one", "q/x/k")
	two, _ := get(t, b, "ns-two", "q/x/k")
	if !bytes.Equal(one, []byte("one")) || !bytes.Equal(two, []byte("two")) {
		t.Fatalf("namespaces bled: %q %q", one, two)
	}
	keys, _ := listKeys(t, b, "ns-one", storage.ListOptions{Prefix: "q/"})
	if len(keys) != 1 {
		t.Fatalf("expected one key in ns-one, got %v", keys)
	}
}
