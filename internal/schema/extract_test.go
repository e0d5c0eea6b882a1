package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const postsSource = `import { z } from "zod";
import { slug } from "./fields";

// Blog posts shown on the landing page.
export default {
  name: "posts",
  label: 'Blog Posts',
  icon: "file-text",
  path: "blog/posts",
  description: ` + "`Long form articles`" + `,
  permissions: {
    admin: ["read", "write", "delete"],
    editor: ["read", "write"],
    viewer: [],
  },
  fields: [
    { name: "title", type: "text", required: true },
    { name: "status", type: "select", options: ["draft", "published"], default: "draft" },
    { name: "rating", type: "number", default: -1.5 },
    slug,
  ].filter(Boolean),
  schema: z.object({ title: z.string() }),
  hooks: {
    beforeSave(entry) { return entry; },
  },
};
`

func TestExtractFullLiteral(t *testing.T) {
	src := `import { z } from "zod";

export default {
  name: "posts",
  label: 'Blog Posts',
  icon: "file-text",
  path: "blog/posts",
  description: ` + "`Long form articles`" + `,
  permissions: {
    admin: ["read", "write", "delete"],
    editor: ["read", "write"],
    viewer: [],
  },
  fields: [
    { name: "title", type: "text", required: true },
    { name: "status", type: "select", options: ["draft", "published"], default: "draft" },
    { name: "rating", type: "number", default: -1.5 },
    { name: "publishedAt", type: "date" },
  ],
  hooks: {
    beforeSave(entry) { return entry; },
    afterSave: async (entry) => { await notify(entry); },
  },
  ...shared,
};
`

	desc, err := Extract([]byte(src), Options{Name: "fallback"})
	require.NoError(t, err)

	assert.Equal(t, "posts", desc.Name)
	assert.Equal(t, "Blog Posts", desc.Label)
	assert.Equal(t, "file-text", desc.Icon)
	assert.Equal(t, "blog/posts", desc.Path)
	assert.Equal(t, "Long form articles", desc.Description)
	assert.Equal(t, map[string][]string{
		"admin":  {"read", "write", "delete"},
		"editor": {"read", "write"},
		"viewer": {},
	}, desc.Permissions)

	require.Len(t, desc.Fields, 4)
	assert.Equal(t, Field{Name: "title", Type: "text", Label: "Title", Required: true}, desc.Fields[0])
	assert.Equal(t, []string{"draft", "published"}, desc.Fields[1].Options)
	assert.Equal(t, "draft", desc.Fields[1].Default)
	assert.Equal(t, -1.5, desc.Fields[2].Default)
	assert.Equal(t, "Published At", desc.Fields[3].Label)
}

func TestExtractRuntimeValuesAreIgnored(t *testing.T) {
	desc, err := Extract([]byte(postsSource), Options{Name: "posts"})
	require.NoError(t, err)

	// The fields array is post-processed at run time, so the validator
	// schema is used instead.
	require.Len(t, desc.Fields, 1)
	assert.Equal(t, "title", desc.Fields[0].Name)
	assert.Equal(t, "text", desc.Fields[0].Type)
	assert.Equal(t, "Long form articles", desc.Description)
}

func TestExtractFromValidatorSchema(t *testing.T) {
	src := `import { z } from "zod";

const Collection = defineCollection({
  schema: z.object({
    title: z.string().min(1).max(120),
    body: z.string().optional(),
    views: z.coerce.number().default(0),
    status: z.enum(["draft", "live"]),
    slug: z.string().regex(/^[a-z0-9-]+$/).describe("URL slug"),
    tags: z.array(z.string()).nullish(),
  }),
});

export default Collection;
`

	desc, err := Extract([]byte(src), Options{Name: "articles"})
	require.NoError(t, err)

	assert.Equal(t, "articles", desc.Name)
	assert.Equal(t, "Articles", desc.Label)
	require.Len(t, desc.Fields, 6)

	byName := map[string]Field{}
	for _, f := range desc.Fields {
		byName[f.Name] = f
	}

	assert.Equal(t, "text", byName["title"].Type)
	assert.True(t, byName["title"].Required)
	assert.False(t, byName["body"].Required)
	assert.Equal(t, "number", byName["views"].Type)
	assert.Equal(t, float64(0), byName["views"].Default)
	assert.False(t, byName["views"].Required)
	assert.Equal(t, "select", byName["status"].Type)
	assert.Equal(t, []string{"draft", "live"}, byName["status"].Options)
	assert.Equal(t, "URL slug", byName["slug"].Label)
	assert.Equal(t, "array", byName["tags"].Type)
	assert.False(t, byName["tags"].Required)

	assert.Equal(t, "title", desc.Fields[0].Name)
	assert.Equal(t, "tags", desc.Fields[5].Name)
}

func TestExtractExportedBinding(t *testing.T) {
	src := `
const authors = {
  fields: { name: { type: "text", required: true }, bio: "richtext", "display-name": { type: "text" } },
};
export { authors as default };
`

	desc, err := Extract([]byte(src), Options{Name: "authors"})
	require.NoError(t, err)
	require.Len(t, desc.Fields, 3)
	assert.Equal(t, "name", desc.Fields[0].Name)
	assert.True(t, desc.Fields[0].Required)
	assert.Equal(t, "richtext", desc.Fields[1].Type)
	assert.Equal(t, "display-name", desc.Fields[2].Name)
	assert.Equal(t, "Display Name", desc.Fields[2].Label)
}

func TestExtractGlobalValidator(t *testing.T) {
	src := `export default {
  name: "links",
  schema: globalThis.z.object({
    url: globalThis.z.string().optional(),
    rank: globalThis.z.coerce.number(),
    meta: other.z.string(),
  }),
};
`

	desc, err := Extract([]byte(src), Options{Validator: "globalThis.z"})
	require.NoError(t, err)
	require.Len(t, desc.Fields, 3)

	assert.Equal(t, Field{Name: "url", Type: "text", Label: "Url"}, desc.Fields[0])
	assert.Equal(t, "number", desc.Fields[1].Type)
	assert.True(t, desc.Fields[1].Required)
	// not reached through the validator, so the type is unknown
	assert.Equal(t, "json", desc.Fields[2].Type)

	desc, err = Extract([]byte(src), Options{})
	require.NoError(t, err)
	assert.Empty(t, desc.Fields, "a bare z root does not match globalThis.z")
}

func TestExtractErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"no default export", `export const posts = { name: "posts" };`},
		{"default export of function", `export default function handler() { return 1 }`},
		{"unknown binding", `export default missing;`},
		{"unterminated object", `export default { name: "posts", `},
		{"unterminated string", `export default { name: "posts }`},
		{"duplicate fields", `export default { fields: [{ name: "a" }, { name: "a" }] }`},
		{"invalid name", `export default { name: "bad name" }`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Extract([]byte(tt.src), Options{Name: "fallback"})
			assert.Error(t, err)
		})
	}
}

func TestExtractIgnoresCommentsAndStrings(t *testing.T) {
	src := `/* export default { name: "wrong" } */
// export default { name: "also wrong" }
const note = "export default { name: 'nope' }";
export default { name: "right", label: "A \"quoted\" A" };
`

	desc, err := Extract([]byte(src), Options{})
	require.NoError(t, err)
	assert.Equal(t, "right", desc.Name)
	assert.Equal(t, `A "quoted" A`, desc.Label)
}

func TestLabel(t *testing.T) {
	tests := map[string]string{
		"posts":        "Posts",
		"blog_posts":   "Blog Posts",
		"blog-posts":   "Blog Posts",
		"blogPosts":    "Blog Posts",
		"publishedAt":  "Published At",
		"":             "",
		"faq_2024":     "Faq 2024",
		"  spaced__up": "Spaced Up",
	}

	for input, want := range tests {
		t.Run(input, func(t *testing.T) {
			assert.Equal(t, want, Label(input))
		})
	}
}
