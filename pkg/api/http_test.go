package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/New-B/farm/pkg/kv"
	"github.com/New-B/farm/pkg/master"
	"github.com/New-B/farm/pkg/transport"
)

func TestHealthz(t *testing.T) {
	h := NewHTTPHandler(1, nil, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("missing X-Request-Id header")
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %v, want ok", body["status"])
	}
}

func TestStatsWithoutMasterReturns501(t *testing.T) {
	h := NewHTTPHandler(1, nil, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", resp.StatusCode)
	}
}

func TestStatsReturnsMasterSnapshot(t *testing.T) {
	lt := transport.NewLocal()
	m := master.New(1, lt)
	m.RegisterWorker(2)
	m.Update(2, 1024, 512)

	h := NewHTTPHandler(0, m, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var snapshot map[string]master.Stats
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	s, ok := snapshot["2"]
	if !ok {
		t.Fatalf("missing worker 2 in snapshot: %+v", snapshot)
	}
	if s.Total != 1024 || s.Free != 512 {
		t.Fatalf("stats = %+v, want {1024 512}", s)
	}
}

func TestKVPutThenGet(t *testing.T) {
	store := kv.New()
	h := NewHTTPHandler(1, nil, store)
	srv := httptest.NewServer(h)
	defer srv.Close()

	putBody, _ := json.Marshal(map[string]any{"value": []byte("hello")})
	resp, err := http.Post(srv.URL+"/kv/42", "application/json", bytes.NewReader(putBody))
	if err != nil {
		t.Fatalf("POST /kv/42: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d, want 200", resp.StatusCode)
	}

	getResp, err := http.Get(srv.URL + "/kv/42")
	if err != nil {
		t.Fatalf("GET /kv/42: %v", err)
	}
	defer getResp.Body.Close()
	var body struct {
		Value []byte `json:"value"`
	}
	if err := json.NewDecoder(getResp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(body.Value) != "hello" {
		t.Fatalf("value = %q, want %q", body.Value, "hello")
	}
}

func TestKVGetMissingReturns404(t *testing.T) {
	store := kv.New()
	h := NewHTTPHandler(1, nil, store)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/kv/999")
	if err != nil {
		t.Fatalf("GET /kv/999: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestKVWithoutStoreReturns501(t *testing.T) {
	h := NewHTTPHandler(1, nil, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/kv/1")
	if err != nil {
		t.Fatalf("GET /kv/1: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", resp.StatusCode)
	}
}

func TestKVBadKeyReturns400(t *testing.T) {
	store := kv.New()
	h := NewHTTPHandler(1, nil, store)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/kv/not-a-number")
	if err != nil {
		t.Fatalf("GET /kv/not-a-number: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
