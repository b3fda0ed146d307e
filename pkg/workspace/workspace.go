// Package workspace manages the script folder shared by all workers of one
// orchestrator instance: the generated program files, copied support
// libraries, and the artifact files workers drop (checkpoint, diagrams).
package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"trainer/pkg/logx"
)

// CheckpointFile is the fixed checkpoint filename written by worker 0 on save
// and read by every worker on load.
const CheckpointFile = "model.ckpt"

// DiagramGlob matches the diagram-description files workers drop into the
// folder.
const DiagramGlob = "*.dot"

// FileRecord is one generated file as produced by the external code
// generator. Contents are written verbatim.
type FileRecord struct {
	Path string
	Data []byte
}

// Folder is one per-instance script folder. Created once per orchestrator
// instance and never reused across instances.
type Folder struct {
	path   string
	logger *logx.Logger
}

// Create makes a fresh unique folder under baseDir.
func Create(baseDir string) (*Folder, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	path, err := os.MkdirTemp(baseDir, "scripts-")
	if err != nil {
		return nil, fmt.Errorf("failed to create script folder: %w", err)
	}
	return &Folder{
		path:   path,
		logger: logx.NewLogger("workspace"),
	}, nil
}

// Open wraps an existing directory as a script folder.
func Open(path string) (*Folder, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("script folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("script folder %s is not a directory", path)
	}
	return &Folder{
		path:   path,
		logger: logx.NewLogger("workspace"),
	}, nil
}

// Path returns the folder's absolute location.
func (f *Folder) Path() string {
	return f.path
}

// WriteFiles writes generator output into the folder verbatim, creating
// subdirectories as needed. Paths escaping the folder are rejected.
func (f *Folder) WriteFiles(files []FileRecord) error {
	for _, file := range files {
		target, err := f.resolve(file.Path)
		if err != nil {
			return err
		}
		if dir := filepath.Dir(target); dir != f.path {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create directory for %s: %w", file.Path, err)
			}
		}
		if err := os.WriteFile(target, file.Data, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
	}
	f.logger.Debug("wrote %d generated files", len(files))
	return nil
}

// CopySupportFiles copies every regular file from srcDir into the folder,
// preserving relative paths.
func (f *Folder) CopySupportFiles(srcDir string) error {
	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read support file %s: %w", path, err)
		}
		return f.WriteFiles([]FileRecord{{Path: rel, Data: data}})
	})
}

// CheckpointPath returns the location of the fixed checkpoint file.
func (f *Folder) CheckpointPath() string {
	return filepath.Join(f.path, CheckpointFile)
}

// OpenCheckpoint returns a readable stream over the checkpoint file.
func (f *Folder) OpenCheckpoint() (io.ReadCloser, error) {
	file, err := os.Open(f.CheckpointPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	return file, nil
}

// DiagramFiles returns the diagram-description files currently present,
// sorted by name.
func (f *Folder) DiagramFiles() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(f.path, DiagramGlob))
	if err != nil {
		return nil, fmt.Errorf("failed to list diagram files: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

// CleanContents removes everything inside the folder without removing the
// folder itself.
func (f *Folder) CleanContents() error {
	entries, err := os.ReadDir(f.path)
	if err != nil {
		return fmt.Errorf("failed to read script folder: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(f.path, entry.Name())); err != nil {
			return fmt.Errorf("failed to remove %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Remove deletes the folder and everything in it.
func (f *Folder) Remove() error {
	return os.RemoveAll(f.path)
}

func (f *Folder) resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("generated file path must be relative: %s", rel)
	}
	target := filepath.Join(f.path, rel)
	if target != f.path && !strings.HasPrefix(target, f.path+string(filepath.Separator)) {
		return "", fmt.Errorf("generated file path escapes script folder: %s", rel)
	}
	return target, nil
}
