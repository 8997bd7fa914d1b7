// Package language maps a submission language to its source filename and run command.
package language

import (
	"sort"
	"strings"

	appErr "contestjudge/pkg/errors"

	"github.com/google/shlex"
)

// Spec is the resolved execution contract for one language.
type Spec struct {
	Language   string
	SourceFile string
	RunCommand []string
}

// Row is one configurable table entry. Command is a shell-like template;
// "{src}" expands to SourceFile.
type Row struct {
	Language   string `yaml:"language"`
	SourceFile string `yaml:"sourceFile"`
	Command    string `yaml:"command"`
}

// DefaultRows is the built-in language table.
var DefaultRows = []Row{
	{Language: "python", SourceFile: "solution.py", Command: "python3 {src}"},
	{Language: "javascript", SourceFile: "solution.js", Command: "node {src}"},
	{Language: "c++", SourceFile: "solution.cpp", Command: `sh -c "g++ {src} -O2 -o solution && ./solution"`},
	{Language: "typescript", SourceFile: "solution.ts", Command: "npx ts-node {src}"},
}

// Resolver is an immutable language table.
type Resolver struct {
	specs map[string]Spec
}

// NewResolver builds a resolver from DefaultRows overlaid with rows. A row
// with an existing language replaces the default entry.
func NewResolver(rows ...Row) (*Resolver, error) {
	r := &Resolver{specs: make(map[string]Spec, len(DefaultRows)+len(rows))}
	for _, row := range append(append([]Row{}, DefaultRows...), rows...) {
		spec, err := buildSpec(row)
		if err != nil {
			return nil, err
		}
		r.specs[spec.Language] = spec
	}
	return r, nil
}

// Resolve returns the spec for lang. Lookup ignores case and surrounding spaces.
func (r *Resolver) Resolve(lang string) (Spec, error) {
	key := normalize(lang)
	spec, ok := r.specs[key]
	if !ok {
		return Spec{}, appErr.Newf(appErr.LanguageNotSupported, "unsupported language %q", lang)
	}
	spec.RunCommand = append([]string(nil), spec.RunCommand...)
	return spec, nil
}

// Supported lists known language tokens in sorted order.
func (r *Resolver) Supported() []string {
	out := make([]string, 0, len(r.specs))
	for name := range r.specs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func buildSpec(row Row) (Spec, error) {
	name := normalize(row.Language)
	if name == "" {
		return Spec{}, appErr.ValidationError("language", "required")
	}
	if strings.TrimSpace(row.SourceFile) == "" || strings.ContainsAny(row.SourceFile, `/\`) {
		return Spec{}, appErr.ValidationError("sourceFile", "must be a plain file name")
	}
	expanded := strings.ReplaceAll(row.Command, "{src}", row.SourceFile)
	fields, err := shlex.Split(expanded)
	if err != nil {
		return Spec{}, appErr.Wrapf(err, appErr.InvalidParams, "parse command template for %s failed", name)
	}
	if len(fields) == 0 {
		return Spec{}, appErr.ValidationError("command", "required")
	}
	return Spec{Language: name, SourceFile: row.SourceFile, RunCommand: fields}, nil
}

func normalize(lang string) string {
	return strings.ToLower(strings.TrimSpace(lang))
}
