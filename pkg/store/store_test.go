package store_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/linkmark/linkmark/pkg/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "crawl.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSnapshotRoundtrip(t *testing.T) {
	s := openTestStore(t)

	snap := store.NewSnapshot()
	snap.Links = []string{
		"https://site.example/a",
		"https://site.example/b",
		"https://site.example/c",
	}
	snap.Follow.Add(1)
	snap.NoFollow.Add(2)
	snap.Visited.Add(0)

	if err := s.SaveSnapshot(snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	loaded, err := s.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}

	if len(loaded.Links) != 3 {
		t.Fatalf("loaded %d links, want 3", len(loaded.Links))
	}
	for i, want := range snap.Links {
		if loaded.Links[i] != want {
			t.Errorf("links[%d] = %q, want %q", i, loaded.Links[i], want)
		}
	}
	if !loaded.Follow.Contains(1) || loaded.Follow.GetCardinality() != 1 {
		t.Error("follow bitmap did not survive the roundtrip")
	}
	if !loaded.NoFollow.Contains(2) {
		t.Error("nofollow bitmap did not survive the roundtrip")
	}
	if !loaded.Visited.Contains(0) {
		t.Error("visited bitmap did not survive the roundtrip")
	}
	if loaded.SavedAt.IsZero() {
		t.Error("SavedAt should be set by SaveSnapshot")
	}
}

func TestLoadSnapshotFreshDatabase(t *testing.T) {
	s := openTestStore(t)

	snap, err := s.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(snap.Links) != 0 {
		t.Errorf("fresh snapshot has %d links, want 0", len(snap.Links))
	}
	if !snap.Follow.IsEmpty() || !snap.NoFollow.IsEmpty() || !snap.Visited.IsEmpty() {
		t.Error("fresh snapshot bitmaps should be empty")
	}
	if !snap.SavedAt.IsZero() {
		t.Error("fresh snapshot should have zero SavedAt")
	}
}

func TestSaveSnapshotReplacesCatalog(t *testing.T) {
	s := openTestStore(t)

	first := store.NewSnapshot()
	first.Links = []string{"a", "b", "c"}
	if err := s.SaveSnapshot(first); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	second := store.NewSnapshot()
	second.Links = []string{"only"}
	if err := s.SaveSnapshot(second); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	loaded, err := s.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(loaded.Links) != 1 || loaded.Links[0] != "only" {
		t.Errorf("loaded links = %v, want [only]", loaded.Links)
	}
}

func TestPageRoundtrip(t *testing.T) {
	s := openTestStore(t)

	body := bytes.Repeat([]byte("<p>compressible page content</p>\n"), 64)
	if err := s.PutPage("https://site.example/page", body); err != nil {
		t.Fatalf("PutPage: %v", err)
	}

	got, found, err := s.GetPage("https://site.example/page")
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if !found {
		t.Fatal("stored page not found")
	}
	if !bytes.Equal(got, body) {
		t.Error("page body changed across the roundtrip")
	}

	if _, found, err = s.GetPage("https://site.example/absent"); err != nil {
		t.Fatalf("GetPage: %v", err)
	} else if found {
		t.Error("absent page reported as found")
	}
}

func TestCounts(t *testing.T) {
	s := openTestStore(t)

	snap := store.NewSnapshot()
	snap.Links = []string{"a", "b"}
	if err := s.SaveSnapshot(snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := s.PutPage("a", []byte("body")); err != nil {
		t.Fatalf("PutPage: %v", err)
	}

	links, pages, err := s.Counts()
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if links != 2 || pages != 1 {
		t.Errorf("Counts = %d links, %d pages; want 2, 1", links, pages)
	}
}
