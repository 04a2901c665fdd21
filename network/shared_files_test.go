package network

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestSharedFilesAddUsesBaseName(t *testing.T) {
	files := NewSharedFiles()

	name, err := files.Add(filepath.Join("some", "dir", "report.pdf"))
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if name != "report.pdf" {
		t.Fatalf("expected base name, got %q", name)
	}

	path, err := files.Lookup("report.pdf")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if path != filepath.Join("some", "dir", "report.pdf") {
		t.Fatalf("unexpected path %q", path)
	}
}

func TestSharedFilesReofferReplacesPath(t *testing.T) {
	files := NewSharedFiles()
	if _, err := files.Add("/a/notes.txt"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := files.Add("/b/notes.txt"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	entries := files.Entries()
	if len(entries) != 1 || entries[0].LocalPath != "/b/notes.txt" {
		t.Fatalf("expected single replaced entry, got %+v", entries)
	}
}

func TestSharedFilesRemoveAndLookup(t *testing.T) {
	files := NewSharedFiles()
	if err := files.AddAs("x.bin", "/tmp/x.bin"); err != nil {
		t.Fatalf("AddAs failed: %v", err)
	}

	if !files.Remove("x.bin") {
		t.Fatalf("expected Remove to report true")
	}
	if files.Remove("x.bin") {
		t.Fatalf("second Remove should report false")
	}
	if _, err := files.Lookup("x.bin"); !errors.Is(err, ErrFileNotOffered) {
		t.Fatalf("expected ErrFileNotOffered, got %v", err)
	}
}

func TestSharedFilesRejectsInvalidInput(t *testing.T) {
	files := NewSharedFiles()
	if _, err := files.Add("  "); err == nil {
		t.Fatalf("expected error for blank path")
	}
	if err := files.AddAs("", "/tmp/x"); err == nil {
		t.Fatalf("expected error for empty name")
	}
	if err := files.AddAs("x", ""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestSharedFilesOpenChecksLazily(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "later.txt")

	files := NewSharedFiles()
	if _, err := files.Add(path); err != nil {
		t.Fatalf("offering a path that does not exist yet must succeed: %v", err)
	}
	if _, _, err := files.open("later.txt"); err == nil {
		t.Fatalf("expected open to fail while the file is missing")
	}

	if err := os.WriteFile(path, []byte("now here"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	file, info, err := files.open("later.txt")
	if err != nil {
		t.Fatalf("open failed after file appeared: %v", err)
	}
	defer file.Close()
	if info.Size() != int64(len("now here")) {
		t.Fatalf("unexpected size %d", info.Size())
	}

	if err := files.AddAs("dir", dir); err != nil {
		t.Fatalf("AddAs failed: %v", err)
	}
	if _, _, err := files.open("dir"); err == nil {
		t.Fatalf("expected directories to be refused")
	}
}

func TestSharedFilesConcurrentAccess(t *testing.T) {
	files := NewSharedFiles()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				name := fmt.Sprintf("w%d-%d.txt", worker, j%10)
				_ = files.AddAs(name, "/tmp/"+name)
				_, _ = files.Lookup(name)
				_ = files.Entries()
				if j%3 == 0 {
					files.Remove(name)
				}
			}
		}(i)
	}
	wg.Wait()

	entries := files.Entries()
	for i := 1; i < len(entries); i++ {
		if entries[i-1].FileName >= entries[i].FileName {
			t.Fatalf("entries not sorted: %q before %q", entries[i-1].FileName, entries[i].FileName)
		}
	}
}
