package fs

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "copy")

	if err := os.MkdirAll(filepath.Join(src, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "bin", "app"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("bin/app", filepath.Join(src, "entry")); err != nil {
		t.Fatal(err)
	}

	if err := CopyTree(context.Background(), src, dst); err != nil {
		t.Fatalf("CopyTree: %v", err)
	}

	info, err := os.Stat(filepath.Join(dst, "bin", "app"))
	if err != nil {
		t.Fatalf("stat copied file: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("mode = %s, want 0755", info.Mode().Perm())
	}

	link, err := os.Readlink(filepath.Join(dst, "entry"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if link != "bin/app" {
		t.Errorf("link = %q, want bin/app", link)
	}

	// copies are independent of the source
	if err := os.WriteFile(filepath.Join(dst, "bin", "app"), []byte("changed"), 0o755); err != nil {
		t.Fatal(err)
	}
	orig, _ := os.ReadFile(filepath.Join(src, "bin", "app"))
	if string(orig) != "#!/bin/sh\n" {
		t.Error("writing the copy modified the source")
	}
}

func TestCopyTreeCancelled(t *testing.T) {
	src := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := CopyTree(ctx, src, t.TempDir()); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestWriteJSONAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "service.json")

	if err := WriteJSONAtomic(path, map[string]int{"cpus": 2}); err != nil {
		t.Fatalf("WriteJSONAtomic: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]int
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["cpus"] != 2 {
		t.Errorf("got %v", got)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestSandboxConfigWriter(t *testing.T) {
	root := t.TempDir()

	writer := NewSandboxConfigWriter(LaunchSpec{
		Argv:    []string{"/usr/bin/redis-server", "--port", "6379"},
		Env:     []string{"PATH=/usr/bin", "MODE=test"},
		Workdir: "/data",
	})

	if err := writer.WriteConfig(context.Background(), root); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}

	argv, _ := os.ReadFile(filepath.Join(root, ConfigDir, "argv"))
	if got := strings.Split(strings.TrimSpace(string(argv)), "\n"); len(got) != 3 || got[2] != "6379" {
		t.Errorf("argv = %q", argv)
	}

	env, _ := os.ReadFile(filepath.Join(root, ConfigDir, "env"))
	if !strings.Contains(string(env), "MODE=test\n") {
		t.Errorf("env = %q", env)
	}

	workdir, _ := os.ReadFile(filepath.Join(root, ConfigDir, "workdir"))
	if string(workdir) != "/data\n" {
		t.Errorf("workdir = %q", workdir)
	}
}

func TestSandboxConfigWriterRejectsNewlines(t *testing.T) {
	writer := NewSandboxConfigWriter(LaunchSpec{Env: []string{"A=1\nB=2"}})

	if err := writer.WriteConfig(context.Background(), t.TempDir()); err == nil {
		t.Error("expected error for env entry with newline")
	}
}
