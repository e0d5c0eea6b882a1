// Package testutils builds throwaway collection projects for tests.
package testutils

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/strata/internal/config"
)

// PostsSource is a collection with a label, one field and a validator schema.
const PostsSource = `import { z } from "zod";

export default {
  name: "posts",
  label: "Posts",
  fields: [{ name: "title", type: "text", required: true }],
  schema: z.object({ title: z.string() }),
};
`

// AuthorsSource is a collection whose label is derived from its name.
const AuthorsSource = `import { z } from "zod";

export default {
  name: "authors",
  schema: z.object({ name: z.string(), bio: z.string().optional() }),
};
`

// BrokenSource does not parse.
const BrokenSource = "export default {{{"

// Project is a temporary collection project.
type Project struct {
	Root      string
	SourceDir string
	OutputDir string
	StorePath string
}

// CreateTempProject creates a project with an empty collections directory.
func CreateTempProject(t *testing.T) *Project {
	t.Helper()
	root := t.TempDir()
	p := &Project{
		Root:      root,
		SourceDir: filepath.Join(root, "collections"),
		OutputDir: filepath.Join(root, ".strata", "compiled"),
		StorePath: filepath.Join(root, ".strata", "strata.db"),
	}
	require.NoError(t, os.MkdirAll(p.SourceDir, 0o755))
	return p
}

// WriteCollection writes a source file under the collections directory,
// creating parent directories for nested names like "blog/posts".
func (p *Project) WriteCollection(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(p.SourceDir, filepath.FromSlash(name)+".ts")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// RemoveCollection deletes a source file.
func (p *Project) RemoveCollection(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, os.Remove(filepath.Join(p.SourceDir, filepath.FromSlash(name)+".ts")))
}

// Config returns a validated configuration pointing at the project, with no
// cooldown and a short debounce.
func (p *Project) Config(t *testing.T) *config.Config {
	t.Helper()
	v := viper.New()
	v.Set("compile.source_dir", p.SourceDir)
	v.Set("compile.output_dir", p.OutputDir)
	v.Set("compile.cooldown", time.Duration(0))
	v.Set("compile.debounce", 20*time.Millisecond)
	v.Set("store.path", p.StorePath)
	v.Set("server.host", "127.0.0.1")
	v.Set("server.rate_limit.enabled", false)
	v.Set("log.level", "error")

	cfg, err := config.LoadFrom(v)
	require.NoError(t, err)
	return cfg
}

// WriteConfigFile writes the project configuration as .strata.yml and
// returns its path.
func (p *Project) WriteConfigFile(t *testing.T) string {
	t.Helper()
	body := fmt.Sprintf(`compile:
  source_dir: %s
  output_dir: %s
  cooldown: 0s
store:
  path: %s
log:
  level: error
`, p.SourceDir, p.OutputDir, p.StorePath)

	path := filepath.Join(p.Root, ".strata.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// WaitForFile waits until path exists and, when modTime is non-zero, was
// modified after it.
func WaitForFile(t *testing.T, path string, modTime time.Time, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		info, err := os.Stat(path)
		if err == nil && (modTime.IsZero() || info.ModTime().After(modTime)) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("File %s was not written within %v", path, timeout)
}
