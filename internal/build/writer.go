package build

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/conneroisu/strata/internal/errors"
	"github.com/conneroisu/strata/internal/schema"
)

// ArtifactWriter places artifacts and descriptor sidecars under the output root.
type ArtifactWriter struct {
	root string
}

// NewArtifactWriter creates a writer for the given output root.
func NewArtifactWriter(root string) *ArtifactWriter {
	return &ArtifactWriter{root: root}
}

// Root returns the output root.
func (w *ArtifactWriter) Root() string {
	return w.root
}

// Path returns the absolute artifact path for an artifact relative path.
func (w *ArtifactWriter) Path(rel string) string {
	return filepath.Join(w.root, filepath.FromSlash(rel))
}

// Write stores out at the artifact path rel with the hash marker of source.
// The sidecar goes first so a completed artifact always has a descriptor.
func (w *ArtifactWriter) Write(rel string, out *Output, source []byte) (string, error) {
	path := w.Path(rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.NewWriteError(rel, err)
	}

	desc, err := json.MarshalIndent(out.Descriptor, "", "  ")
	if err != nil {
		return "", errors.NewWriteError(rel, err)
	}
	if err := writeAtomic(SidecarPath(path), append(desc, '\n')); err != nil {
		return "", errors.NewWriteError(rel, err)
	}

	hash := ContentHash(source)
	if err := writeAtomic(path, FormatArtifact(hash, out.Code)); err != nil {
		return "", errors.NewWriteError(rel, err)
	}
	return hash, nil
}

// Remove deletes an artifact and its sidecar. Missing files are ignored.
func (w *ArtifactWriter) Remove(rel string) error {
	path := w.Path(rel)
	for _, p := range []string{path, SidecarPath(path)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.NewWriteError(rel, err)
		}
	}
	return nil
}

// Artifacts lists artifact relative paths (slash separated) under the output root.
func (w *ArtifactWriter) Artifacts() ([]string, error) {
	var rels []string
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == w.root {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".js") {
			return nil
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return err
		}
		rels = append(rels, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.NewScanError(w.root, err)
	}
	return rels, nil
}

// ReadDescriptor loads the sidecar for an artifact relative path.
func (w *ArtifactWriter) ReadDescriptor(rel string) (*schema.CollectionDescriptor, error) {
	return ReadDescriptor(SidecarPath(w.Path(rel)))
}

// ReadDescriptor decodes a descriptor sidecar file.
func ReadDescriptor(path string) (*schema.CollectionDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var desc schema.CollectionDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, errors.NewScanError(path, err).WithContext("reason", "malformed descriptor")
	}
	return &desc, nil
}

// writeAtomic writes data to a temporary file in the target directory and
// renames it over path.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
