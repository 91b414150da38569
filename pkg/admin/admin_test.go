package admin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPAdminClient_UnloadSuccess(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewHTTPAdminClient(srv.URL, 100, 10)
	if err := client.UnloadNamespaceBundle(context.Background(), "tenant/ns1", "0x00000000_0x80000000"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "/admin/v2/namespaces/tenant/ns1/unload/0x00000000_0x80000000"
	if gotPath != want {
		t.Fatalf("unexpected path: got %q want %q", gotPath, want)
	}
}

func TestHTTPAdminClient_UnloadServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewHTTPAdminClient(srv.URL, 100, 10)
	err := client.UnloadNamespaceBundle(context.Background(), "ns1", "0x00_0x80")
	if err == nil {
		t.Fatal("expected an error on a 500 response")
	}
	adminErr, ok := err.(*ErrAdmin)
	if !ok {
		t.Fatalf("expected *ErrAdmin, got %T", err)
	}
	if adminErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("unexpected status code: %d", adminErr.StatusCode)
	}
}

func TestHTTPNamespaceService_BundleCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"boundaries":["0x00","0x40","0x80","0xc0","0xff"]}`))
	}))
	defer srv.Close()

	svc := NewHTTPNamespaceService(srv.URL, 100, 10)
	count, err := svc.GetBundleCount(context.Background(), "tenant/ns1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected 4 bundles from 5 boundaries, got %d", count)
	}
}

func TestHTTPNamespaceService_CancelledContext(t *testing.T) {
	svc := NewHTTPNamespaceService("http://example.invalid", 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.GetBundleCount(ctx, "ns1"); err == nil {
		t.Fatal("expected an error against a cancelled context")
	}
}
