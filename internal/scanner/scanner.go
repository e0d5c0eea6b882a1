// Package scanner discovers collection definition sources.
//
// The scanner walks the configured source root, keeps files carrying the
// source extension, and skips the reserved support modules (index, types,
// categories, manager), declaration files, hidden directories and
// node_modules. Results are sorted by relative path so a compile pass visits
// files in a stable order. The scanner never writes.
package scanner

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/conneroisu/strata/internal/errors"
	"github.com/conneroisu/strata/internal/validation"
)

// SourceFile is one collection definition read from disk. It is re-read on
// every pass and never mutated afterwards.
type SourceFile struct {
	// RelPath is slash separated and relative to the source root
	RelPath string
	// AbsPath is the absolute path on disk
	AbsPath string
	ModTime time.Time
	Content []byte
}

// Name is the collection name the file defines: its base name without extension.
func (f SourceFile) Name() string {
	base := filepath.Base(f.RelPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// TreeNode is one entry of the source directory structure.
type TreeNode struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Type     string      `json:"type"`
	Children []*TreeNode `json:"children,omitempty"`
}

const (
	NodeDirectory = "directory"
	NodeFile      = "file"
)

// Options configures a Scanner.
type Options struct {
	Root      string
	Extension string
	Reserved  []string
}

// Scanner enumerates collection sources under a root directory.
type Scanner struct {
	root      string
	extension string
	reserved  map[string]struct{}

	// absRoot is resolved lazily and cached
	absMu   sync.RWMutex
	absRoot string
}

// New creates a scanner. An empty extension defaults to ".ts".
func New(opts Options) *Scanner {
	ext := opts.Extension
	if ext == "" {
		ext = ".ts"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	reserved := make(map[string]struct{}, len(opts.Reserved))
	for _, name := range opts.Reserved {
		reserved[strings.ToLower(name)] = struct{}{}
	}

	return &Scanner{
		root:      opts.Root,
		extension: ext,
		reserved:  reserved,
	}
}

// Root returns the absolute source root.
func (s *Scanner) Root() (string, error) {
	s.absMu.RLock()
	if s.absRoot != "" {
		root := s.absRoot
		s.absMu.RUnlock()
		return root, nil
	}
	s.absMu.RUnlock()

	abs, err := filepath.Abs(s.root)
	if err != nil {
		return "", errors.NewScanError(s.root, err)
	}

	s.absMu.Lock()
	s.absRoot = abs
	s.absMu.Unlock()

	return abs, nil
}

// Extension returns the source extension including the leading dot.
func (s *Scanner) Extension() string {
	return s.extension
}

// IsSource reports whether a file path names a collection source.
func (s *Scanner) IsSource(path string) bool {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, s.extension) {
		return false
	}
	if strings.HasSuffix(base, ".d"+s.extension) {
		return false
	}
	if strings.HasPrefix(base, ".") {
		return false
	}

	name := strings.TrimSuffix(base, s.extension)
	_, reserved := s.reserved[strings.ToLower(name)]
	return !reserved
}

// SkipDir reports whether a directory is never descended into.
func SkipDir(name string) bool {
	return name == "node_modules" || (strings.HasPrefix(name, ".") && name != "." && name != "..")
}

// Scan walks the root and returns every collection source, sorted by
// relative path.
func (s *Scanner) Scan(ctx context.Context) ([]SourceFile, error) {
	root, err := s.Root()
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.NewScanError(root, err)
	}
	if !info.IsDir() {
		return nil, errors.NewScanError(root, fs.ErrInvalid).WithContext("reason", "source root is not a directory")
	}

	var files []SourceFile
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return errors.NewScanError(path, walkErr)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() {
			if path != root && SkipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() || !s.IsSource(path) {
			return nil
		}

		file, err := s.read(root, path)
		if err != nil {
			return err
		}
		files = append(files, file)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].RelPath < files[j].RelPath
	})

	return files, nil
}

// Files returns the relative paths of every collection source.
func (s *Scanner) Files(ctx context.Context) ([]string, error) {
	files, err := s.Scan(ctx)
	if err != nil {
		return nil, err
	}

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.RelPath
	}
	return paths, nil
}

// Tree returns the directory structure of the root. Directories are listed
// before files and each level is sorted by name.
func (s *Scanner) Tree(ctx context.Context) (*TreeNode, error) {
	root, err := s.Root()
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(root); err != nil {
		return nil, errors.NewScanError(root, err)
	}

	node := &TreeNode{Name: filepath.Base(root), Path: "", Type: NodeDirectory}
	if err := s.fillTree(ctx, root, "", node); err != nil {
		return nil, err
	}
	return node, nil
}

func (s *Scanner) fillTree(ctx context.Context, dir, rel string, node *TreeNode) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.NewScanError(dir, err)
	}

	var dirs, files []*TreeNode
	for _, entry := range entries {
		childRel := entry.Name()
		if rel != "" {
			childRel = rel + "/" + entry.Name()
		}

		if entry.IsDir() {
			if SkipDir(entry.Name()) {
				continue
			}
			child := &TreeNode{Name: entry.Name(), Path: childRel, Type: NodeDirectory}
			if err := s.fillTree(ctx, filepath.Join(dir, entry.Name()), childRel, child); err != nil {
				return err
			}
			dirs = append(dirs, child)
			continue
		}

		if s.IsSource(entry.Name()) {
			files = append(files, &TreeNode{Name: entry.Name(), Path: childRel, Type: NodeFile})
		}
	}

	node.Children = append(dirs, files...)
	return nil
}

// ReadFile reads a single collection source by its path relative to the root.
// Paths escaping the root are rejected before touching the filesystem.
func (s *Scanner) ReadFile(rel string) (*SourceFile, error) {
	root, err := s.Root()
	if err != nil {
		return nil, err
	}

	abs, err := validation.SafeJoin(root, rel)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateFileExtension(abs, []string{s.extension}); err != nil {
		return nil, err
	}

	file, err := s.read(root, abs)
	if err != nil {
		if os.IsNotExist(errors.ExtractCause(err)) {
			return nil, errors.NewNotFoundError(errors.ErrCodeFileNotFound, "file not found: "+rel)
		}
		return nil, err
	}
	return &file, nil
}

func (s *Scanner) read(root, path string) (SourceFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return SourceFile{}, errors.NewScanError(path, err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return SourceFile{}, errors.NewScanError(path, err)
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		return SourceFile{}, errors.NewScanError(path, err)
	}

	return SourceFile{
		RelPath: filepath.ToSlash(rel),
		AbsPath: path,
		ModTime: info.ModTime(),
		Content: content,
	}, nil
}
