package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestContent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.URL.EscapedPath() != "/content/videos/my%20clip.mp4" {
			t.Errorf("path = %s", r.URL.EscapedPath())
		}
		addrs := r.URL.Query()["address"]
		if len(addrs) != 2 || addrs[0] != "0xAAA" || addrs[1] != "0xBBB" {
			t.Errorf("addresses = %v, want [0xAAA 0xBBB] in order", addrs)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ContentResponse{URL: "https://cdn.example/videos/my%20clip.mp4?Policy=x"})
	}))
	defer ts.Close()

	c := NewClient(ts.URL + "/")
	resp, err := c.Content(context.Background(), "/videos/my clip.mp4", "0xAAA", "0xBBB")
	if err != nil {
		t.Fatalf("Content: %v", err)
	}
	if resp.URL != "https://cdn.example/videos/my%20clip.mp4?Policy=x" {
		t.Errorf("url = %s", resp.URL)
	}
}

func TestContentDenied(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "No membership"})
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL).Content(context.Background(), "a.mp4", "0xAAA")
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Message != "No membership" {
		t.Errorf("err = %+v", apiErr)
	}
	if err.Error() != "broker error (403): No membership" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestMembership(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/membership" || r.URL.Query().Get("address") != "0xAAA" {
			t.Errorf("unexpected request %s", r.URL)
		}
		json.NewEncoder(w).Encode(MembershipResponse{Status: "expired"})
	}))
	defer ts.Close()

	status, err := NewClient(ts.URL).Membership(context.Background(), "0xAAA")
	if err != nil {
		t.Fatalf("Membership: %v", err)
	}
	if status != "expired" {
		t.Errorf("status = %s, want expired", status)
	}
}

func TestHealth(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	}))
	defer ts.Close()

	health, err := NewClient(ts.URL).Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health["status"] != "ok" {
		t.Errorf("expected ok, got %v", health["status"])
	}
}

func TestNonJSONError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL).Health(context.Background())
	if err == nil || err.Error() != "broker error (502): bad gateway" {
		t.Errorf("err = %v", err)
	}
}

func TestContextCancelled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewClient(ts.URL).Health(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
