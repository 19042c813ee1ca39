package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testResolver() *Resolver {
	return New(
		map[string]string{
			"/badc/cira":        "spot-1234-cira",
			"/badc/cira/data2":  "spot-5678-cira2",
			"/neodc/sentinel1a": "spot-9999-s1a",
		},
		map[string]string{
			"spot-1234-cira":  "/datacentre/archvol/pan52/archive/spot-1234-cira",
			"spot-5678-cira2": "/datacentre/archvol/pan53/archive/spot-5678-cira2",
			"spot-9999-s1a":   "/datacentre/archvol/pan54/archive/spot-9999-s1a",
		},
	)
}

func TestSpotLongestPrefixWins(t *testing.T) {
	r := testResolver()

	prefix, spot, err := r.Spot("/badc/cira/data2/x.dat")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prefix != "/badc/cira/data2" {
		t.Errorf("expected longest prefix /badc/cira/data2, got %s", prefix)
	}
	if spot != "spot-5678-cira2" {
		t.Errorf("expected spot-5678-cira2, got %s", spot)
	}

	// A sibling path falls back to the shorter fileset
	_, spot, err = r.Spot("/badc/cira/data/y.dat")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spot != "spot-1234-cira" {
		t.Errorf("expected spot-1234-cira, got %s", spot)
	}
}

func TestSpotNoFileset(t *testing.T) {
	r := testResolver()

	_, _, err := r.Spot("/elsewhere/file.nc")
	if !errors.Is(err, ErrNoFileset) {
		t.Errorf("expected ErrNoFileset, got %v", err)
	}
}

func TestTapePathRoundTrip(t *testing.T) {
	r := testResolver()

	tp, err := r.TapePath("/badc/cira/data/x.dat")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tp != "/archive/spot-1234-cira/data/x.dat" {
		t.Errorf("unexpected tape path %s", tp)
	}

	lp, err := r.LogicalPath(tp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lp != "/badc/cira/data/x.dat" {
		t.Errorf("round trip gave %s", lp)
	}
}

func TestLogicalPathPassThrough(t *testing.T) {
	r := testResolver()

	// Paths outside /archive are left alone (test harness mode)
	lp, err := r.LogicalPath("/badc/cira/data/x.dat")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lp != "/badc/cira/data/x.dat" {
		t.Errorf("expected pass-through, got %s", lp)
	}
}

func TestArchiveVolume(t *testing.T) {
	r := testResolver()

	vol, err := r.ArchiveVolume("spot-1234-cira")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vol != "/datacentre/archvol/pan52/archive" {
		t.Errorf("unexpected volume %s", vol)
	}

	if _, err := r.ArchiveVolume("spot-nope"); !errors.Is(err, ErrUnknownSpot) {
		t.Errorf("expected ErrUnknownSpot, got %v", err)
	}
}

func TestLoaderLoad(t *testing.T) {
	downloadConf := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "spot-1234-cira /badc/cira")
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "spot-9999-s1a /neodc/sentinel1a")
	}))
	defer downloadConf.Close()

	storagePaths := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "/datacentre/archvol/pan52/archive/spot-1234-cira spot-1234-cira")
		fmt.Fprintln(w, "/datacentre/archvol/pan54/archive/spot-9999-s1a spot-9999-s1a")
	}))
	defer storagePaths.Close()

	loader := NewLoader(downloadConf.URL, storagePaths.URL)
	r, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	_, spot, err := r.Spot("/neodc/sentinel1a/x.zip")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spot != "spot-9999-s1a" {
		t.Errorf("expected spot-9999-s1a, got %s", spot)
	}

	sp, err := r.StoragePath("spot-1234-cira")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sp != "/datacentre/archvol/pan52/archive/spot-1234-cira" {
		t.Errorf("unexpected storage path %s", sp)
	}
}

func TestLoaderBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	loader := NewLoader(srv.URL, srv.URL)
	if _, err := loader.Load(context.Background()); err == nil {
		t.Error("expected error for non-200 feed")
	}
}

func TestHolderSwap(t *testing.T) {
	h := NewHolder(nil)
	if h.Get() != nil {
		t.Fatal("expected nil before first Set")
	}

	first := testResolver()
	h.Set(first)
	if h.Get() != first {
		t.Error("expected first resolver")
	}

	second := New(map[string]string{"/a": "spot-a"}, map[string]string{"spot-a": "/vol/a"})
	h.Set(second)
	if h.Get() != second {
		t.Error("expected second resolver after swap")
	}
}
