package filler

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/justapithecus/runpack/types"
)

// Handler reads the external data a resource points at.
type Handler interface {
	// Fetch returns the value referenced by one datum. Values must be
	// plain document values (maps, slices, strings, numbers, booleans) so
	// every serializer writes and reads them back unchanged.
	Fetch(datumKwargs map[string]any) (any, error)
	// FileList returns every file backing the given datums.
	FileList(datumKwargs []map[string]any) ([]string, error)
}

// HandlerFactory builds a Handler for one resource.
type HandlerFactory func(resourcePath string, resourceKwargs map[string]any) (Handler, error)

// Registry maps a resource spec to the factory that handles it.
type Registry map[string]HandlerFactory

// Built-in handler names.
const (
	HandlerRaw    = "RAW"
	HandlerRawSeq = "RAW_SEQ"
)

// DefaultRegistry returns the built-in handlers under their own names.
func DefaultRegistry() Registry {
	return builtins()
}

func builtins() Registry {
	return Registry{
		HandlerRaw:    newRawHandler,
		HandlerRawSeq: newRawSeqHandler,
	}
}

// Clone returns a copy of r.
func (r Registry) Clone() Registry {
	out := make(Registry, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Specs returns the registered specs in sorted order.
func (r Registry) Specs() []string {
	out := make([]string, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Alias registers spec as another name for the built-in handler named
// builtin.
func (r Registry) Alias(spec, builtin string) error {
	factory, ok := builtins()[builtin]
	if !ok {
		return fmt.Errorf("unknown handler %q for spec %q (built-in handlers: %s)",
			builtin, spec, strings.Join(builtins().Specs(), ", "))
	}
	r[spec] = factory
	return nil
}

// ParseRegistry parses a flow mapping of spec to built-in handler name,
// e.g. "{'NPY_SEQ': 'RAW_SEQ'}", and returns base extended with it.
func ParseRegistry(raw string, base Registry) (Registry, error) {
	var aliases map[string]string
	if err := yaml.Unmarshal([]byte(raw), &aliases); err != nil {
		return nil, fmt.Errorf("invalid handler registry %q: %w", raw, err)
	}
	if aliases == nil {
		return nil, fmt.Errorf("invalid handler registry %q: expected a mapping", raw)
	}
	out := base.Clone()
	for spec, builtin := range aliases {
		if err := out.Alias(spec, builtin); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ResolveRoot applies rootMap to a resource's recorded root.
func ResolveRoot(resource types.Document, rootMap map[string]string) string {
	root := resource.String("root")
	if mapped, ok := rootMap[root]; ok {
		return mapped
	}
	return root
}

// ResourcePath returns the full path a resource points at.
func ResourcePath(resource types.Document, rootMap map[string]string) string {
	return filepath.Join(ResolveRoot(resource, rootMap), filepath.FromSlash(resource.String("resource_path")))
}

// NewHandler builds the handler for resource.
func (r Registry) NewHandler(resource types.Document, rootMap map[string]string) (Handler, error) {
	spec := resource.String("spec")
	factory, ok := r[spec]
	if !ok {
		return nil, fmt.Errorf("no handler registered for spec %q (resource %s)", spec, resource.String("uid"))
	}
	h, err := factory(ResourcePath(resource, rootMap), resource.Map("resource_kwargs"))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s handler for resource %s: %w", spec, resource.String("uid"), err)
	}
	return h, nil
}

// rawHandler serves a resource that is a single file.
type rawHandler struct {
	path string
}

func newRawHandler(resourcePath string, _ map[string]any) (Handler, error) {
	return &rawHandler{path: resourcePath}, nil
}

func (h *rawHandler) Fetch(map[string]any) (any, error) {
	return readByteValues(h.path)
}

// readByteValues returns the content of path as an array of byte values.
// msgpack and JSON both decode it as []any of int64, which is what is
// returned here.
func readByteValues(path string) ([]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ByteValues(data), nil
}

// ByteValues converts data to the array form handlers fill raw files with.
func ByteValues(data []byte) []any {
	out := make([]any, len(data))
	for i, b := range data {
		out[i] = int64(b)
	}
	return out
}

func (h *rawHandler) FileList([]map[string]any) ([]string, error) {
	return []string{h.path}, nil
}

// rawSeqHandler serves a resource made of numbered files. The template is
// formatted with the resource path and the datum's index.
type rawSeqHandler struct {
	path     string
	template string
}

const defaultSeqTemplate = "%s_%d.raw"

func newRawSeqHandler(resourcePath string, kwargs map[string]any) (Handler, error) {
	template := defaultSeqTemplate
	if v, ok := kwargs["template"]; ok {
		s, ok := v.(string)
		if !ok || s == "" {
			return nil, fmt.Errorf("template must be a non-empty string, got %T", v)
		}
		template = s
	}
	return &rawSeqHandler{path: resourcePath, template: template}, nil
}

func (h *rawSeqHandler) file(datumKwargs map[string]any) (string, error) {
	f, ok := types.ToFloat(datumKwargs["index"])
	if !ok || f < 0 || f != math.Trunc(f) {
		return "", fmt.Errorf("datum index must be a non-negative integer, got %v", datumKwargs["index"])
	}
	return fmt.Sprintf(h.template, h.path, int64(f)), nil
}

func (h *rawSeqHandler) Fetch(datumKwargs map[string]any) (any, error) {
	p, err := h.file(datumKwargs)
	if err != nil {
		return nil, err
	}
	return readByteValues(p)
}

func (h *rawSeqHandler) FileList(datumKwargs []map[string]any) ([]string, error) {
	set := types.NewPathSet()
	for _, kw := range datumKwargs {
		p, err := h.file(kw)
		if err != nil {
			return nil, err
		}
		set.Add(p)
	}
	return set.Sorted(), nil
}

// FileList returns the files backing resource for the given datums.
func (r Registry) FileList(resource types.Document, datums []types.Document, rootMap map[string]string) ([]string, error) {
	h, err := r.NewHandler(resource, rootMap)
	if err != nil {
		return nil, err
	}
	kwargs := make([]map[string]any, len(datums))
	for i, d := range datums {
		kwargs[i] = d.Map("datum_kwargs")
	}
	files, err := h.FileList(kwargs)
	if err != nil {
		return nil, fmt.Errorf("failed to list files for resource %s: %w", resource.String("uid"), err)
	}
	return files, nil
}
