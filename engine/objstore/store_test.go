package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/traceplane/traceplane/engine/domain"
)

// fakeS3 serves a minimal slice of the S3 REST API from an in-memory map:
// ListObjectsV2 with pagination, GetObject, and the NoSuchKey error envelope.
type fakeS3 struct {
	bucket   string
	objects  map[string][]byte
	pageSize int
}

func (f *fakeS3) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("list-type") == "2" {
			f.list(w, r)
			return
		}
		key := strings.TrimPrefix(r.URL.Path, "/"+f.bucket+"/")
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message><Key>%s</Key></Error>`, key)
			return
		}
		w.Write(data)
	})
}

func (f *fakeS3) list(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	token := r.URL.Query().Get("continuation-token")

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if token != "" {
		start, _ = strconv.Atoi(token)
	}
	end := start + f.pageSize
	if end > len(keys) {
		end = len(keys)
	}

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
	fmt.Fprintf(&b, "<Name>%s</Name><Prefix>%s</Prefix><KeyCount>%d</KeyCount>", f.bucket, prefix, end-start)
	if end < len(keys) {
		fmt.Fprintf(&b, "<IsTruncated>true</IsTruncated><NextContinuationToken>%d</NextContinuationToken>", end)
	} else {
		b.WriteString("<IsTruncated>false</IsTruncated>")
	}
	for _, k := range keys[start:end] {
		fmt.Fprintf(&b, "<Contents><Key>%s</Key></Contents>", k)
	}
	b.WriteString("</ListBucketResult>")
	w.Header().Set("Content-Type", "application/xml")
	w.Write([]byte(b.String()))
}

func newTestStore(t *testing.T, objects map[string][]byte) *Store {
	t.Helper()
	fake := &fakeS3{bucket: "traces", objects: objects, pageSize: 2}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	st, err := New(context.Background(), Options{
		Endpoint:  srv.URL,
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "traces",
		PathStyle: true,
		MaxRPS:    1000,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return st
}

func TestListJSON(t *testing.T) {
	st := newTestStore(t, map[string][]byte{
		"incoming/traces-003.json": []byte("{}"),
		"incoming/traces-001.json": []byte("{}"),
		"incoming/traces-002.json": []byte("{}"),
		"incoming/notes.txt":       []byte("ignore me"),
		"logs/logs-001.json":       []byte("{}"),
	})

	keys, err := st.ListJSON(context.Background(), "incoming/")
	if err != nil {
		t.Fatalf("ListJSON: %v", err)
	}
	want := []string{
		"incoming/traces-001.json",
		"incoming/traces-002.json",
		"incoming/traces-003.json",
	}
	if len(keys) != len(want) {
		t.Fatalf("got %d keys, want %d: %v", len(keys), len(want), keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestListJSON_Empty(t *testing.T) {
	st := newTestStore(t, map[string][]byte{})
	keys, err := st.ListJSON(context.Background(), "incoming/")
	if err != nil {
		t.Fatalf("ListJSON: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no keys, got %v", keys)
	}
}

func TestFetch(t *testing.T) {
	body := []byte(`{"resourceSpans":[]}`)
	st := newTestStore(t, map[string][]byte{"incoming/traces-001.json": body})

	data, err := st.Fetch(context.Background(), "incoming/traces-001.json")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(data, body) {
		t.Fatalf("got %q, want %q", data, body)
	}
}

func TestFetch_Missing(t *testing.T) {
	st := newTestStore(t, map[string][]byte{})
	if _, err := st.Fetch(context.Background(), "incoming/nope.json"); err == nil {
		t.Fatal("expected error for missing object")
	}
}

func TestServiceInventory(t *testing.T) {
	st := newTestStore(t, map[string][]byte{
		InventoryKey: []byte(`{"services": ["payments", "auth-service", "payments"]}`),
	})

	services, err := st.ServiceInventory(context.Background())
	if err != nil {
		t.Fatalf("ServiceInventory: %v", err)
	}
	want := []string{"auth-service", "payments"}
	if len(services) != len(want) {
		t.Fatalf("got %v, want %v", services, want)
	}
	for i := range want {
		if services[i] != want[i] {
			t.Errorf("services[%d] = %q, want %q", i, services[i], want[i])
		}
	}
}

func TestServiceInventory_Missing(t *testing.T) {
	st := newTestStore(t, map[string][]byte{})
	_, err := st.ServiceInventory(context.Background())
	if !errors.Is(err, domain.ErrNoInventory) {
		t.Fatalf("expected ErrNoInventory, got %v", err)
	}
}

func TestServiceInventory_Malformed(t *testing.T) {
	st := newTestStore(t, map[string][]byte{InventoryKey: []byte("{not json")})
	_, err := st.ServiceInventory(context.Background())
	if err == nil {
		t.Fatal("expected parse error")
	}
	if errors.Is(err, domain.ErrNoInventory) {
		t.Fatal("malformed inventory must not read as missing")
	}
}
