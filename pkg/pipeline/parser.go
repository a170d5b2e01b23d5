package pipeline

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/conveyorci/conveyor/pkg/cierr"
)

// Parser converts one on-disk format into the canonical pipeline value.
// Parsers register by filename extension; additional formats plug in
// without touching the core.
type Parser interface {
	// Extensions returns the filename extensions this parser handles,
	// including the leading dot.
	Extensions() []string

	// Parse converts raw file content into a pipeline value.
	Parse(data []byte) (*Pipeline, error)
}

// Registry maps filename extensions to parsers.
type Registry struct {
	mu      sync.RWMutex
	byExt   map[string]Parser
}

// NewRegistry returns a registry with the YAML parser pre-registered.
func NewRegistry() *Registry {
	r := &Registry{byExt: make(map[string]Parser)}
	r.Register(&YAMLParser{})
	return r
}

// Register adds a parser for all its extensions, replacing prior
// registrations.
func (r *Registry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range p.Extensions() {
		r.byExt[ext] = p
	}
}

// ParseFile reads and parses the file using the parser registered for
// its extension.
func (r *Registry) ParseFile(path string) (*Pipeline, error) {
	r.mu.RLock()
	parser, ok := r.byExt[filepath.Ext(path)]
	r.mu.RUnlock()
	if !ok {
		return nil, cierr.New(cierr.KindPipelineInvalid, "no parser registered for %q", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cierr.Wrap(cierr.KindPipelineNotFound, err, "reading %s", path)
	}
	return parser.Parse(data)
}

// Extensions lists the registered extensions, sorted.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exts := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// YAMLParser converts YAML workflow files into pipeline values.
type YAMLParser struct{}

// Extensions implements Parser.
func (*YAMLParser) Extensions() []string { return []string{".yaml", ".yml"} }

// Parse implements Parser.
func (*YAMLParser) Parse(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, cierr.Wrap(cierr.KindPipelineInvalid, err, "parsing YAML workflow")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// WorkflowPaths is the fixed list of workspace-relative YAML workflow
// locations, tried in order during pipeline resolution.
var WorkflowPaths = []string{
	".conveyor/workflow.yaml",
	".conveyor/workflow.yml",
	"conveyor.yaml",
	"conveyor.yml",
}

// EDNPipelineFile is the workspace-relative EDN pipeline location. The
// EDN parser itself is supplied by the host through Registry.Register;
// resolution only probes for the file.
const EDNPipelineFile = "pipeline.edn"
