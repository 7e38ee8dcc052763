package domain

import "strings"

// Template is the runtime category of a function and selects its builder image.
type Template struct {
	kind templateKind
	raw  string
}

type templateKind int

const (
	templateUnknown templateKind = iota
	templateRust
	templateNode
	templateGo
)

var (
	TemplateRust = Template{kind: templateRust, raw: "rust"}
	TemplateNode = Template{kind: templateNode, raw: "node"}
	TemplateGo   = Template{kind: templateGo, raw: "go"}
)

// Templates lists every supported template.
func Templates() []Template {
	return []Template{TemplateRust, TemplateNode, TemplateGo}
}

// ParseTemplate maps a manifest value onto the closed template set. Unrecognised
// values are kept so they can be reported; Known reports false for them.
func ParseTemplate(s string) Template {
	normalized := strings.ToLower(strings.TrimSpace(s))
	for _, t := range Templates() {
		if t.raw == normalized {
			return t
		}
	}
	return Template{kind: templateUnknown, raw: s}
}

// Known reports whether the template is part of the supported set.
func (t Template) Known() bool {
	return t.kind != templateUnknown
}

func (t Template) String() string {
	return t.raw
}

// FunctionSpec describes one independently buildable function.
type FunctionSpec struct {
	Name         string
	Directory    string
	Template     Template
	BuildCommand string
	OutputPath   string
}

// BuildManifest is the ordered list of functions declared by a repository.
type BuildManifest struct {
	Functions []FunctionSpec
}

// Len returns the number of declared functions.
func (m BuildManifest) Len() int {
	return len(m.Functions)
}
