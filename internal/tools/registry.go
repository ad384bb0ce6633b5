package tools

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/argusmon/argus/internal/status"
	"github.com/argusmon/argus/pkg/pathutil"
)

//go:embed tools.toml
var toolsTOML []byte

// toolDef is one tool entry of the declarative table.
type toolDef struct {
	Name          string   `toml:"name"`
	Command       string   `toml:"command"`
	Deps          []string `toml:"deps"`
	URL           string   `toml:"url"`
	Executables   []string `toml:"executables"`
	SuccessStatus string   `toml:"success_status"`
	ErrorStatus   string   `toml:"error_status"`
	HasColor      bool     `toml:"has_color"`
	TimeoutSec    int      `toml:"timeout_sec"`
}

type extensionGroup struct {
	Extensions []string `toml:"extensions"`
	Tools      []string `toml:"tools"`
}

type toolTable struct {
	Generic    []string         `toml:"generic"`
	Vcs        []string         `toml:"vcs"`
	Tools      []toolDef        `toml:"tools"`
	Extensions []extensionGroup `toml:"extensions"`
}

// Registry holds the static tool set, populated once at startup from the
// embedded table.
type Registry struct {
	generic []*Tool
	vcs     []*Tool
	byExt   map[string][]*Tool
	byName  map[string]*Tool
	hasGit  bool
}

// NewRegistry loads the embedded tool table. VCS tools only apply when a
// .git directory exists at the project root.
func NewRegistry(root string) (*Registry, error) {
	registry, err := LoadTable(toolsTOML)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(filepath.Join(root, ".git")); err == nil && info.IsDir() {
		registry.hasGit = true
	}
	return registry, nil
}

// LoadTable parses a declarative tool table. NewRegistry feeds it the
// embedded table; tests supply their own.
func LoadTable(data []byte) (*Registry, error) {
	var table toolTable
	if err := toml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse tool table: %w", err)
	}

	registry := &Registry{
		byExt:  make(map[string][]*Tool),
		byName: make(map[string]*Tool, len(table.Tools)),
	}
	for _, def := range table.Tools {
		tool, err := def.build()
		if err != nil {
			return nil, err
		}
		if _, exists := registry.byName[tool.Name]; exists {
			return nil, fmt.Errorf("duplicate tool %q in tool table", tool.Name)
		}
		registry.byName[tool.Name] = tool
	}

	lookup := func(names []string, context string) ([]*Tool, error) {
		result := make([]*Tool, 0, len(names))
		for _, name := range names {
			tool, ok := registry.byName[name]
			if !ok {
				return nil, fmt.Errorf("%s references unknown tool %q", context, name)
			}
			result = append(result, tool)
		}
		return result, nil
	}

	var err error
	if registry.generic, err = lookup(table.Generic, "generic list"); err != nil {
		return nil, err
	}
	if registry.vcs, err = lookup(table.Vcs, "vcs list"); err != nil {
		return nil, err
	}
	for _, group := range table.Extensions {
		tools, err := lookup(group.Tools, "extension group")
		if err != nil {
			return nil, err
		}
		for _, extension := range group.Extensions {
			registry.byExt[extension] = tools
			for _, tool := range tools {
				tool.Extensions = append(tool.Extensions, extension)
			}
		}
	}
	return registry, nil
}

func (d toolDef) build() (*Tool, error) {
	if d.Name == "" {
		return nil, fmt.Errorf("tool table entry with empty name")
	}
	if d.Command == "" {
		return nil, fmt.Errorf("tool %q has no command", d.Name)
	}
	success, err := parseStatus(d.SuccessStatus, status.Ok)
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", d.Name, err)
	}
	failure, err := parseStatus(d.ErrorStatus, status.Problem)
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", d.Name, err)
	}
	executables := d.Executables
	if len(executables) == 0 {
		executables = []string{strings.Fields(d.Command)[0]}
	}
	url := d.URL
	if url == "" && len(d.Deps) > 0 {
		url = d.Deps[0]
	}
	return &Tool{
		Name:          d.Name,
		Deps:          d.Deps,
		URL:           url,
		Command:       d.Command,
		Executables:   executables,
		SuccessStatus: success,
		ErrorStatus:   failure,
		HasColor:      d.HasColor,
		Timeout:       time.Duration(d.TimeoutSec) * time.Second,
	}, nil
}

func parseStatus(name string, fallback status.Status) (status.Status, error) {
	switch name {
	case "":
		return fallback, nil
	case "ok":
		return status.Ok, nil
	case "problem":
		return status.Problem, nil
	case "normal":
		return status.Normal, nil
	case "error":
		return status.Error, nil
	case "not_applicable":
		return status.NotApplicable, nil
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

// GenericTools returns the tools applied to every file.
func (r *Registry) GenericTools() []*Tool {
	return r.generic
}

// ToolsForPath returns the ordered tool row for a path: generic tools,
// then VCS tools when the project is a git repository, then the
// extension-specific list, filtered by availability.
func (r *Registry) ToolsForPath(path string) []*Tool {
	row := append([]*Tool(nil), r.generic...)
	if r.hasGit {
		row = append(row, r.vcs...)
	}
	if _, ext := pathutil.SplitExt(path); ext != "" {
		row = append(row, r.byExt[strings.TrimPrefix(ext, ".")]...)
	}
	available := row[:0]
	for _, tool := range row {
		if tool.Available() {
			available = append(available, tool)
		}
	}
	return available
}

// ToolByName resolves a tool by its stable name, as used in the worker
// protocol and the snapshot.
func (r *Registry) ToolByName(name string) (*Tool, bool) {
	tool, ok := r.byName[name]
	return tool, ok
}

// AllTools returns every tool in the table, sorted by name.
func (r *Registry) AllTools() []*Tool {
	all := make([]*Tool, 0, len(r.byName))
	for _, tool := range r.byName {
		all = append(all, tool)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// ToolDependencies unions every tool's packaging dependency set. Only
// packaging scripts consume this.
func (r *Registry) ToolDependencies() []string {
	set := make(map[string]bool)
	for _, tool := range r.byName {
		for _, dep := range tool.Deps {
			set[dep] = true
		}
	}
	deps := make([]string, 0, len(set))
	for dep := range set {
		deps = append(deps, dep)
	}
	sort.Strings(deps)
	return deps
}

// IdentityHashes maps every tool name to its identity hash, recorded in
// snapshots so cells computed by a since-changed tool are invalidated on
// load.
func (r *Registry) IdentityHashes() map[string]string {
	hashes := make(map[string]string, len(r.byName))
	for name, tool := range r.byName {
		hashes[name] = tool.IdentityHash()
	}
	return hashes
}
