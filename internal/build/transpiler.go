package build

import (
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/conneroisu/strata/internal/errors"
	"github.com/conneroisu/strata/internal/scanner"
	"github.com/conneroisu/strata/internal/schema"
)

// Hash gate decisions.
const (
	ReasonMissingArtifact = "artifact missing"
	ReasonMissingSidecar  = "descriptor missing"
	ReasonHashMismatch    = "content hash changed"
	ReasonSourceNewer     = "source newer than artifact"
	ReasonUpToDate        = "up to date"
	ReasonSourceRemoved   = "source removed"
)

// Output is the result of transpiling one source file.
type Output struct {
	Code       []byte
	Descriptor *schema.CollectionDescriptor
	Warnings   []string
}

// RuntimeImport names an import the runtime provides as a global binding.
type RuntimeImport struct {
	Module     string
	Identifier string
	Global     string
}

// DefaultRuntimeImport is the validator library collections import.
var DefaultRuntimeImport = RuntimeImport{Module: "zod", Identifier: "z", Global: "globalThis.z"}

// Transpiler turns TypeScript collection sources into ES modules.
type Transpiler struct {
	memo      *TranspileMemo
	runtime   RuntimeImport
	importRe  *regexp.Regexp
	define    map[string]string
	target    api.Target
	extension string
}

// relativeSpecifierRe matches module specifiers in static imports, re-exports
// and dynamic imports. Group 1 is the text before the quote, group 2 the quote,
// group 3 the specifier.
var relativeSpecifierRe = regexp.MustCompile(`((?:\bfrom|\bimport)\s*\(?\s*)(["'])(\.{1,2}/[^"'\n]*)["']`)

// globalRe matches a dotted identifier path such as globalThis.z.
var globalRe = regexp.MustCompile(`^[A-Za-z_$][\w$]*(\.[A-Za-z_$][\w$]*)*$`)

// NewTranspiler creates a transpiler sharing memo across passes.
func NewTranspiler(runtime RuntimeImport, extension string, memo *TranspileMemo) (*Transpiler, error) {
	if runtime.Module == "" || runtime.Identifier == "" || runtime.Global == "" {
		runtime = DefaultRuntimeImport
	}
	if extension == "" {
		extension = ".ts"
	}
	if memo == nil {
		memo = NewTranspileMemo(512)
	}

	ident := regexp.QuoteMeta(runtime.Identifier)
	module := regexp.QuoteMeta(runtime.Module)

	importRe, err := regexp.Compile(`(?m)^[ \t]*import\s*(?:\{\s*` + ident + `\s*,?\s*\}|\*\s*as\s+` + ident + `|` + ident + `)\s*from\s*["']` + module + `["'];?[ \t]*\r?\n?`)
	if err != nil {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "invalid runtime import").WithContext("cause", err.Error())
	}
	if !globalRe.MatchString(runtime.Global) {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "invalid runtime global").WithContext("global", runtime.Global)
	}

	return &Transpiler{
		memo:      memo,
		runtime:   runtime,
		importRe:  importRe,
		define:    map[string]string{runtime.Identifier: runtime.Global},
		target:    api.ES2020,
		extension: extension,
	}, nil
}

// Memo returns the shared transpile memo.
func (t *Transpiler) Memo() *TranspileMemo {
	return t.memo
}

// ArtifactRel maps a source path relative to the source root onto the
// artifact path relative to the output root.
func ArtifactRel(srcRel, extension string) string {
	return strings.TrimSuffix(srcRel, extension) + ".js"
}

// SidecarPath returns the descriptor path stored next to an artifact.
func SidecarPath(artifactPath string) string {
	return strings.TrimSuffix(artifactPath, ".js") + ".schema.json"
}

// NeedsCompile applies the hash gate to a source and artifact pair on disk.
// A vanished source whose artifact still exists is skipped, never compiled.
func (t *Transpiler) NeedsCompile(srcPath, outPath string) (bool, string, error) {
	info, err := os.Stat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			if _, outErr := os.Stat(outPath); outErr == nil {
				return false, ReasonSourceRemoved, nil
			}
		}
		return false, "", errors.NewScanError(srcPath, err)
	}

	content, err := os.ReadFile(srcPath)
	if err != nil {
		return false, "", errors.NewScanError(srcPath, err)
	}

	return t.Check(scanner.SourceFile{
		RelPath: srcPath,
		AbsPath: srcPath,
		ModTime: info.ModTime(),
		Content: content,
	}, outPath)
}

// Check applies the hash gate to an already read source.
func (t *Transpiler) Check(src scanner.SourceFile, outPath string) (bool, string, error) {
	outInfo, err := os.Stat(outPath)
	if err != nil {
		if os.IsNotExist(err) {
			return true, ReasonMissingArtifact, nil
		}
		return false, "", errors.NewScanError(outPath, err)
	}

	if _, err := os.Stat(SidecarPath(outPath)); err != nil {
		if os.IsNotExist(err) {
			return true, ReasonMissingSidecar, nil
		}
		return false, "", errors.NewScanError(SidecarPath(outPath), err)
	}

	embedded, err := ReadArtifactHash(outPath)
	if err != nil {
		return false, "", errors.NewScanError(outPath, err)
	}
	if embedded == "" || embedded != ContentHash(src.Content) {
		return true, ReasonHashMismatch, nil
	}

	if src.ModTime.After(outInfo.ModTime()) {
		return true, ReasonSourceNewer, nil
	}

	return false, ReasonUpToDate, nil
}

// Transpile converts one source into an ES module and extracts its
// descriptor. hit reports whether the output came from the memo.
func (t *Transpiler) Transpile(src scanner.SourceFile) (out *Output, hit bool, err error) {
	hash := ContentHash(src.Content)
	key := MemoKey(src.AbsPath, hash)

	if cached, ok := t.memo.Get(key); ok {
		return cached, true, nil
	}

	// With its import gone the runtime identifier is unbound, so esbuild's
	// define swaps every reference for the global without touching literals.
	result := api.Transform(t.stripRuntimeImport(string(src.Content)), api.TransformOptions{
		Define:     t.define,
		Loader:     api.LoaderTS,
		Format:     api.FormatESModule,
		Target:     t.target,
		Sourcefile: src.RelPath,
		LogLevel:   api.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		return nil, false, errors.NewTranspileError(src.RelPath, formatMessage(result.Errors[0])).
			WithContext("errors", len(result.Errors))
	}

	desc, err := schema.Extract(result.Code, schema.Options{
		Name:      src.Name(),
		Validator: t.runtime.Global,
	})
	if err != nil {
		return nil, false, errors.NewTranspileError(src.RelPath, fmt.Errorf("collection descriptor: %w", err))
	}
	desc.Source = src.RelPath
	desc.Hash = hash

	out = &Output{
		Code:       t.Rewrite(result.Code),
		Descriptor: desc,
	}
	for _, w := range result.Warnings {
		out.Warnings = append(out.Warnings, formatMessage(w).Error())
	}

	t.memo.Set(key, out)
	return out, false, nil
}

// Rewrite drops any remaining runtime import from transformed output and
// gives relative specifiers a .js extension.
func (t *Transpiler) Rewrite(code []byte) []byte {
	s := t.importRe.ReplaceAllString(string(code), "")
	s = relativeSpecifierRe.ReplaceAllStringFunc(s, func(match string) string {
		m := relativeSpecifierRe.FindStringSubmatch(match)
		return m[1] + m[2] + withJSExtension(m[3], t.extension) + m[2]
	})
	return []byte(s)
}

// stripRuntimeImport blanks the runtime import in a source, keeping line
// numbers intact for diagnostics.
func (t *Transpiler) stripRuntimeImport(src string) string {
	return t.importRe.ReplaceAllStringFunc(src, func(match string) string {
		return strings.Repeat("\n", strings.Count(match, "\n"))
	})
}

func withJSExtension(specifier, sourceExt string) string {
	switch ext := path.Ext(specifier); {
	case strings.HasSuffix(specifier, "/"):
		return specifier + "index.js"
	case ext == sourceExt || ext == ".ts" || ext == ".tsx" || ext == ".mts":
		return strings.TrimSuffix(specifier, ext) + ".js"
	case ext == ".js" || ext == ".mjs" || ext == ".cjs" || ext == ".json":
		return specifier
	default:
		return specifier + ".js"
	}
}

func formatMessage(msg api.Message) error {
	if msg.Location == nil {
		return fmt.Errorf("%s", msg.Text)
	}
	return fmt.Errorf("%s:%d:%d: %s", msg.Location.File, msg.Location.Line, msg.Location.Column, msg.Text)
}
