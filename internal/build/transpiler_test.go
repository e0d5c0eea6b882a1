package build

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/strata/internal/errors"
	"github.com/conneroisu/strata/internal/scanner"
	"github.com/conneroisu/strata/internal/schema"
)

const postsSource = `import { z } from "zod";
import { slugField } from "./fields";

export default {
  name: "posts",
  label: "Posts",
  fields: [{ name: "title", type: "text", required: true }],
  schema: z.object({ title: z.string(), slug: slugField }),
};
`

func newTestTranspiler(t *testing.T) *Transpiler {
	t.Helper()
	tr, err := NewTranspiler(DefaultRuntimeImport, ".ts", NewTranspileMemo(16))
	require.NoError(t, err)
	return tr
}

func sourceFile(rel, content string) scanner.SourceFile {
	return scanner.SourceFile{
		RelPath: rel,
		AbsPath: "/src/" + rel,
		ModTime: time.Now(),
		Content: []byte(content),
	}
}

func TestTranspileRewritesOutput(t *testing.T) {
	tr := newTestTranspiler(t)

	out, hit, err := tr.Transpile(sourceFile("posts.ts", postsSource))
	require.NoError(t, err)
	assert.False(t, hit)

	code := string(out.Code)
	assert.NotContains(t, code, `from "zod"`)
	assert.Contains(t, code, "globalThis.z.object(")
	assert.Contains(t, code, "globalThis.z.string()")
	assert.NotContains(t, code, "globalThis.globalThis")
	assert.Contains(t, code, `from "./fields.js"`)

	require.NotNil(t, out.Descriptor)
	assert.Equal(t, "posts", out.Descriptor.Name)
	assert.Equal(t, "posts.ts", out.Descriptor.Source)
	assert.Equal(t, ContentHash([]byte(postsSource)), out.Descriptor.Hash)
	require.Len(t, out.Descriptor.Fields, 1)
}

func TestTranspileMemoizes(t *testing.T) {
	tr := newTestTranspiler(t)
	src := sourceFile("posts.ts", postsSource)

	first, _, err := tr.Transpile(src)
	require.NoError(t, err)

	second, hit, err := tr.Transpile(src)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Same(t, first, second)

	src.Content = []byte(strings.Replace(postsSource, `"Posts"`, `"Articles"`, 1))
	third, hit, err := tr.Transpile(src)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "Articles", third.Descriptor.Label)
	assert.Equal(t, 2, tr.Memo().Len())
}

func TestTranspileErrors(t *testing.T) {
	tr := newTestTranspiler(t)

	tests := []struct {
		name string
		src  string
	}{
		{"syntax error", "export default {\n  name: \"posts\",\n"},
		{"no default export", "export const posts = { name: \"posts\" };\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := tr.Transpile(sourceFile("broken.ts", tt.src))
			require.Error(t, err)
			assert.Equal(t, errors.ErrorTypeTranspile, errors.TypeOf(err))
			assert.Contains(t, err.Error(), "broken.ts")
		})
	}
}

func TestRewrite(t *testing.T) {
	tr := newTestTranspiler(t)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "named runtime import removed",
			in:   "import { z } from \"zod\";\nconst s = globalThis.z.string();\n",
			want: "const s = globalThis.z.string();\n",
		},
		{
			name: "namespace runtime import removed",
			in:   "import * as z from 'zod';\nexport {};\n",
			want: "export {};\n",
		},
		{
			name: "relative specifier gains extension",
			in:   "import { a } from \"./fields\";\n",
			want: "import { a } from \"./fields.js\";\n",
		},
		{
			name: "ts extension replaced",
			in:   "import b from '../shared/b.ts';\n",
			want: "import b from '../shared/b.js';\n",
		},
		{
			name: "js extension kept",
			in:   "import c from \"./c.js\";\n",
			want: "import c from \"./c.js\";\n",
		},
		{
			name: "bare specifier kept",
			in:   "import d from \"lodash\";\n",
			want: "import d from \"lodash\";\n",
		},
		{
			name: "re-export and dynamic import",
			in:   "export * from \"./re\";\nconst m = await import(\"./lazy\");\n",
			want: "export * from \"./re.js\";\nconst m = await import(\"./lazy.js\");\n",
		},
		{
			name: "directory import",
			in:   "import e from \"./dir/\";\n",
			want: "import e from \"./dir/index.js\";\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(tr.Rewrite([]byte(tt.in))))
		})
	}
}

func TestTranspileRuntimeReferences(t *testing.T) {
	tr := newTestTranspiler(t)

	src := "import { z } from \"zod\";\n\n" +
		"function local(z: { x: number }) { return z.x; }\n" +
		"export default {\n" +
		"  name: \"links\",\n" +
		"  label: \"see z.ai\",\n" +
		"  description: `z.${local({ x: 1 })}`,\n" +
		"  schema: z.object({ url: z.string() }),\n" +
		"};\n"

	out, _, err := tr.Transpile(sourceFile("links.ts", src))
	require.NoError(t, err)

	code := string(out.Code)
	assert.Contains(t, code, "globalThis.z.object(")
	assert.Contains(t, code, "globalThis.z.string()")
	assert.Contains(t, code, `"see z.ai"`, "string contents are not rewritten")
	assert.NotContains(t, code, "globalThis.z.ai")
	assert.Contains(t, code, "`z.${", "template text is not rewritten")
	assert.Contains(t, code, "return z.x", "a shadowing binding keeps its name")
	assert.NotContains(t, code, `from "zod"`)
	assert.Equal(t, "see z.ai", out.Descriptor.Label)
	require.Len(t, out.Descriptor.Fields, 1)
	assert.Equal(t, "url", out.Descriptor.Fields[0].Name)
	assert.Equal(t, "text", out.Descriptor.Fields[0].Type)
}

func TestTranspileDescriptorFromTypeScript(t *testing.T) {
	tr := newTestTranspiler(t)

	src := `import { z } from "zod";
import type { CollectionConfig } from "./types";

const statuses = ["draft", "live"] as const;

const articles: CollectionConfig<Article> = defineCollection<Article>({
  name: "articles",
  description: ` + "`Long form`" + `,
  schema: z.object({
    title: z.string().min(1) as z.ZodString,
    status: z.enum(["draft", "live"]),
    slug: z.string().regex(/^[a-z0-9-]+$/).describe("URL slug"),
    views: z.coerce.number().default(-1),
  }),
} satisfies CollectionConfig<Article>);

export default articles;
`

	out, _, err := tr.Transpile(sourceFile("articles.ts", src))
	require.NoError(t, err)

	desc := out.Descriptor
	assert.Equal(t, "articles", desc.Name)
	assert.Equal(t, "Long form", desc.Description)
	require.Len(t, desc.Fields, 4)
	assert.Equal(t, "text", desc.Fields[0].Type)
	assert.True(t, desc.Fields[0].Required)
	assert.Equal(t, []string{"draft", "live"}, desc.Fields[1].Options)
	assert.Equal(t, "URL slug", desc.Fields[2].Label)
	assert.Equal(t, float64(-1), desc.Fields[3].Default)
	assert.False(t, desc.Fields[3].Required)
}

func TestTranspileCustomRuntime(t *testing.T) {
	tr, err := NewTranspiler(RuntimeImport{Module: "valibot", Identifier: "v", Global: "window.v"}, ".ts", nil)
	require.NoError(t, err)

	src := "import { v } from \"valibot\";\nexport default { name: \"tags\", schema: v.string() };\n"
	out, _, err := tr.Transpile(sourceFile("tags.ts", src))
	require.NoError(t, err)
	assert.Contains(t, string(out.Code), "window.v.string()")
	assert.NotContains(t, string(out.Code), "valibot")

	_, err = NewTranspiler(RuntimeImport{Module: "zod", Identifier: "z", Global: "globalThis[z]"}, ".ts", nil)
	assert.Error(t, err)
}

func TestTranspileErrorKeepsSourceLine(t *testing.T) {
	tr := newTestTranspiler(t)

	_, _, err := tr.Transpile(sourceFile("broken.ts", "import { z } from \"zod\";\nexport default {\n  name: ,\n};\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.ts:3")
}

func TestArtifactPaths(t *testing.T) {
	assert.Equal(t, "blog/posts.js", ArtifactRel("blog/posts.ts", ".ts"))
	assert.Equal(t, "/out/blog/posts.schema.json", SidecarPath("/out/blog/posts.js"))
}

func TestCheck(t *testing.T) {
	tr := newTestTranspiler(t)
	dir := t.TempDir()
	w := NewArtifactWriter(dir)

	src := sourceFile("posts.ts", postsSource)
	src.ModTime = time.Now().Add(-time.Hour)
	outPath := w.Path("posts.js")

	needed, reason, err := tr.Check(src, outPath)
	require.NoError(t, err)
	assert.True(t, needed)
	assert.Equal(t, ReasonMissingArtifact, reason)

	out, _, err := tr.Transpile(src)
	require.NoError(t, err)
	_, err = w.Write("posts.js", out, src.Content)
	require.NoError(t, err)

	needed, reason, err = tr.Check(src, outPath)
	require.NoError(t, err)
	assert.False(t, needed)
	assert.Equal(t, ReasonUpToDate, reason)

	changed := src
	changed.Content = append([]byte("// edited\n"), src.Content...)
	needed, reason, err = tr.Check(changed, outPath)
	require.NoError(t, err)
	assert.True(t, needed)
	assert.Equal(t, ReasonHashMismatch, reason)

	touched := src
	touched.ModTime = time.Now().Add(time.Hour)
	needed, reason, err = tr.Check(touched, outPath)
	require.NoError(t, err)
	assert.True(t, needed)
	assert.Equal(t, ReasonSourceNewer, reason)

	require.NoError(t, os.Remove(SidecarPath(outPath)))
	needed, reason, err = tr.Check(src, outPath)
	require.NoError(t, err)
	assert.True(t, needed)
	assert.Equal(t, ReasonMissingSidecar, reason)
}

func TestNeedsCompileSourceRemoved(t *testing.T) {
	tr := newTestTranspiler(t)
	dir := t.TempDir()

	outPath := filepath.Join(dir, "gone.js")
	require.NoError(t, os.WriteFile(outPath, FormatArtifact(ContentHash([]byte("x")), []byte("x")), 0o644))

	needed, reason, err := tr.NeedsCompile(filepath.Join(dir, "gone.ts"), outPath)
	require.NoError(t, err)
	assert.False(t, needed)
	assert.Equal(t, ReasonSourceRemoved, reason)

	_, _, err = tr.NeedsCompile(filepath.Join(dir, "missing.ts"), filepath.Join(dir, "missing.js"))
	assert.Error(t, err)
}

func TestNeedsCompileFromDisk(t *testing.T) {
	tr := newTestTranspiler(t)
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "posts.ts")
	require.NoError(t, os.WriteFile(srcPath, []byte(postsSource), 0o644))

	needed, reason, err := tr.NeedsCompile(srcPath, filepath.Join(dir, "out", "posts.js"))
	require.NoError(t, err)
	assert.True(t, needed)
	assert.Equal(t, ReasonMissingArtifact, reason)
}

func TestWriterWritesArtifactAndSidecar(t *testing.T) {
	dir := t.TempDir()
	w := NewArtifactWriter(dir)

	out := &Output{
		Code:       []byte("export default {};\n"),
		Descriptor: &schema.CollectionDescriptor{Name: "authors", Label: "Authors", Fields: []schema.Field{}},
	}
	hash, err := w.Write("blog/authors.js", out, []byte("source"))
	require.NoError(t, err)
	assert.Equal(t, ContentHash([]byte("source")), hash)

	data, err := os.ReadFile(filepath.Join(dir, "blog", "authors.js"))
	require.NoError(t, err)
	assert.Equal(t, "// "+hash+"\nexport default {};\n", string(data))

	desc, err := w.ReadDescriptor("blog/authors.js")
	require.NoError(t, err)
	assert.Equal(t, "authors", desc.Name)

	rels, err := w.Artifacts()
	require.NoError(t, err)
	assert.Equal(t, []string{"blog/authors.js"}, rels)

	entries, err := os.ReadDir(filepath.Join(dir, "blog"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "temp file left behind: %s", e.Name())
	}

	require.NoError(t, w.Remove("blog/authors.js"))
	require.NoError(t, w.Remove("blog/authors.js"))
	rels, err = w.Artifacts()
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestWriterMissingRoot(t *testing.T) {
	w := NewArtifactWriter(filepath.Join(t.TempDir(), "never-created"))
	rels, err := w.Artifacts()
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestWriterFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocked")
	require.NoError(t, os.WriteFile(blocker, []byte("file"), 0o644))

	w := NewArtifactWriter(blocker)
	_, err := w.Write("posts.js", &Output{Code: []byte("x"), Descriptor: &schema.CollectionDescriptor{Name: "posts"}}, []byte("x"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeWrite, errors.TypeOf(err))
}
