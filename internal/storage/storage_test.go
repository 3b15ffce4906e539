package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fsStore, err := NewFS(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return map[string]Store{
		"fs":     fsStore,
		"memory": NewMemory(),
		"s3":     newMockS3(t, "runs/test"),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			info, err := PutBytes(ctx, s, "simulations/E0.csv", []byte(",E0_1\ng,1\n"), "text/csv")
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			if info.Size != 10 {
				t.Errorf("Put size = %d, want 10", info.Size)
			}

			got, err := ReadAll(ctx, s, "simulations/E0.csv")
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if string(got) != ",E0_1\ng,1\n" {
				t.Errorf("content = %q", got)
			}

			ok, err := Exists(ctx, s, "simulations/E0.csv")
			if err != nil || !ok {
				t.Errorf("Exists = %v, %v", ok, err)
			}
		})
	}
}

func TestStorePutOverwrites(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := PutBytes(ctx, s, "a.csv", []byte("first"), ""); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if _, err := PutBytes(ctx, s, "a.csv", []byte("second"), ""); err != nil {
				t.Fatalf("second Put: %v", err)
			}
			got, _ := ReadAll(ctx, s, "a.csv")
			if string(got) != "second" {
				t.Errorf("content = %q, want second", got)
			}
		})
	}
}

func TestStoreNotFound(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, _, err := s.Get(ctx, "missing.csv"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get error = %v, want ErrNotFound", err)
			}
			if _, err := s.Head(ctx, "missing.csv"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Head error = %v, want ErrNotFound", err)
			}
			ok, err := Exists(ctx, s, "missing.csv")
			if err != nil || ok {
				t.Errorf("Exists = %v, %v; want false, nil", ok, err)
			}
		})
	}
}

func TestStoreListAndDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"simulations/E1.csv", "simulations/E0.csv", "ClusterIds.csv"} {
				if _, err := PutBytes(ctx, s, k, []byte(k), ""); err != nil {
					t.Fatalf("Put %s: %v", k, err)
				}
			}

			infos, err := s.List(ctx, "simulations/")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(infos) != 2 || infos[0].Key != "simulations/E0.csv" || infos[1].Key != "simulations/E1.csv" {
				t.Fatalf("List = %+v", infos)
			}

			deleted, err := s.Delete(ctx, "ClusterIds.csv")
			if err != nil || !deleted {
				t.Fatalf("Delete = %v, %v", deleted, err)
			}
			deleted, err = s.Delete(ctx, "ClusterIds.csv")
			if err != nil || deleted {
				t.Errorf("second Delete = %v, %v; want false, nil", deleted, err)
			}
		})
	}
}

func TestCleanKey(t *testing.T) {
	tests := []struct {
		key     string
		want    string
		wantErr bool
	}{
		{"simulations/E0.csv", "simulations/E0.csv", false},
		{"a//b", "a/b", false},
		{"./a", "a", false},
		{"", "", true},
		{"  ", "", true},
		{"/etc/passwd", "", true},
		{"../x", "", true},
		{"a/../../x", "", true},
	}

	for _, tt := range tests {
		got, err := CleanKey(tt.key)
		if (err != nil) != tt.wantErr {
			t.Errorf("CleanKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, ErrInvalidKey) {
			t.Errorf("CleanKey(%q) error should wrap ErrInvalidKey", tt.key)
		}
		if got != tt.want {
			t.Errorf("CleanKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestFSWritesPlainFiles(t *testing.T) {
	root := t.TempDir()
	s, err := NewFS(root)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	if _, err := PutBytes(context.Background(), s, "simulations/E3.csv", []byte("x"), ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(root, "simulations", "E3.csv"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(b) != "x" {
		t.Errorf("file content = %q", b)
	}
	entries, _ := os.ReadDir(filepath.Join(root, "simulations"))
	if len(entries) != 1 {
		t.Errorf("expected no leftover temp files, got %d entries", len(entries))
	}
}

func TestFSConcurrentPuts(t *testing.T) {
	s, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := PutBytes(ctx, s, fmt.Sprintf("simulations/E%d.csv", i), []byte("v"), ""); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Put: %v", err)
	}

	infos, _ := s.List(ctx, "simulations/")
	if len(infos) != 32 {
		t.Errorf("List returned %d objects, want 32", len(infos))
	}
}

func TestNewFSRequiresRoot(t *testing.T) {
	if _, err := NewFS(""); err == nil {
		t.Error("NewFS(\"\") should fail")
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		cfg     Config
		want    Driver
		wantErr bool
	}{
		{Config{}, DriverFilesystem, false},
		{Config{Driver: DriverFilesystem}, DriverFilesystem, false},
		{Config{Driver: DriverMemory}, DriverMemory, false},
		{Config{Driver: DriverS3}, "", true},
		{Config{Driver: "ftp"}, "", true},
	}

	for _, tt := range tests {
		s, err := Open(ctx, tt.cfg, t.TempDir())
		if (err != nil) != tt.wantErr {
			t.Errorf("Open(%+v) error = %v, wantErr %v", tt.cfg, err, tt.wantErr)
			continue
		}
		if err == nil && s.Driver() != tt.want {
			t.Errorf("Open(%+v).Driver() = %q, want %q", tt.cfg, s.Driver(), tt.want)
		}
	}
}
