package fs

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"strings"
)

// ConfigDir is where the guest init looks for its launch metadata.
const ConfigDir = ".sandboxd"

// LaunchSpec is the resolved process a sandbox runs.
type LaunchSpec struct {
	Argv    []string
	Env     []string // KEY=VALUE
	Workdir string
}

// ConfigWriter injects launch metadata into a prepared rootfs.
type ConfigWriter interface {
	WriteConfig(ctx context.Context, rootfsDir string) error
}

// SandboxConfigWriter writes /.sandboxd/env, /.sandboxd/argv and /.sandboxd/workdir.
type SandboxConfigWriter struct {
	spec LaunchSpec
}

func NewSandboxConfigWriter(spec LaunchSpec) *SandboxConfigWriter {
	return &SandboxConfigWriter{spec: spec}
}

func (w *SandboxConfigWriter) WriteConfig(ctx context.Context, rootfsDir string) error {
	configDir := path.Join(rootfsDir, ConfigDir)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("create %s directory: %w", ConfigDir, err)
	}

	if err := writeLines(path.Join(configDir, "env"), w.spec.Env); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}

	if err := writeLines(path.Join(configDir, "argv"), w.spec.Argv); err != nil {
		return fmt.Errorf("write argv file: %w", err)
	}

	workdir := "/"
	if len(w.spec.Workdir) > 0 {
		workdir = w.spec.Workdir
	}
	if err := WriteFileAtomic(path.Join(configDir, "workdir"), []byte(workdir+"\n"), 0o644); err != nil {
		return fmt.Errorf("write workdir file: %w", err)
	}

	return nil
}

// writeLines writes one entry per line. Entries containing a newline are rejected
// since the guest reads the files line by line.
func writeLines(filePath string, lines []string) error {
	var buf bytes.Buffer
	writer := bufio.NewWriter(&buf)

	for _, line := range lines {
		if strings.ContainsRune(line, '\n') {
			return fmt.Errorf("entry %q contains a newline", line)
		}
		if _, err := writer.WriteString(line); err != nil {
			return fmt.Errorf("write to buffer: %w", err)
		}
		if _, err := writer.WriteRune('\n'); err != nil {
			return fmt.Errorf("write newline to buffer: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush writer: %w", err)
	}

	return WriteFileAtomic(filePath, buf.Bytes(), 0o644)
}
