package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/pelletier/go-toml/v2"
)

// CacheDirName is the per-project cache directory, created under the
// project root.
const CacheDirName = ".argus"

type Config struct {
	Version int
	Project Project
	Workers Workers
	Cache   Cache
	Watch   Watch
	Exclude []string // extra doublestar globs, in addition to hidden-path exclusion
	Editor  string
	Theme   string
}

type Project struct {
	Root string
	Name string
}

type Workers struct {
	Count          int // 0 = auto-detect (NumCPU - 1)
	NiceLevel      int // process-group niceness applied to workers
	RetryLimit     int // consecutive worker deaths before a cell becomes Error
	ToolTimeoutSec int // hard per-invocation timeout
}

type Cache struct {
	Compression     string // gzip, lzma, bz2 or none
	PageSize        int    // lines per artifact page
	PageCacheSize   int    // LRU pages kept in memory per paged artifact
	BlobCacheSize   int    // LRU artifact handles kept in memory
	SnapshotEvery   int    // completed jobs between automatic snapshots
	PagedEntriesMin int    // entry count above which the snapshot pages the matrix
}

type Watch struct {
	Enabled  bool
	SettleMs int // coalescing delay before a created file is delivered
}

// Default returns the built-in configuration for a project root.
func Default(root string) *Config {
	name := filepath.Base(root)
	return &Config{
		Version: 1,
		Project: Project{
			Root: root,
			Name: name,
		},
		Workers: Workers{
			Count:          0, // auto-detect
			NiceLevel:      19,
			RetryLimit:     3,
			ToolTimeoutSec: 60,
		},
		Cache: Cache{
			Compression:     "gzip",
			PageSize:        500,
			PageCacheSize:   2,
			BlobCacheSize:   50,
			SnapshotEvery:   5000,
			PagedEntriesMin: 10000,
		},
		Watch: Watch{
			Enabled:  true,
			SettleMs: 100,
		},
		Exclude: []string{},
	}
}

// Load builds the configuration for a project root: built-in defaults,
// overlaid with the project's .argus.toml if one exists.
func Load(root string) (*Config, error) {
	cfg := Default(root)
	configPath := filepath.Join(root, ".argus.toml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", configPath, err)
	}
	// The config file never relocates the project.
	cfg.Project.Root = root
	if cfg.Project.Name == "" {
		cfg.Project.Name = filepath.Base(root)
	}
	return cfg, nil
}

// WorkerCount resolves the configured worker count, defaulting to one per
// CPU minus one for the engine itself.
func (c *Config) WorkerCount() int {
	if c.Workers.Count > 0 {
		return c.Workers.Count
	}
	count := runtime.NumCPU() - 1
	if count < 1 {
		count = 1
	}
	return count
}

// CacheDir is the absolute path of the project's cache directory.
func (c *Config) CacheDir() string {
	return filepath.Join(c.Project.Root, CacheDirName)
}

// ResolveEditor picks the editor command: explicit flag first, then
// $EDITOR, then $VISUAL.
func ResolveEditor(flag string) string {
	if flag != "" {
		return flag
	}
	if editor := os.Getenv("EDITOR"); editor != "" {
		return editor
	}
	return os.Getenv("VISUAL")
}

// ResolveTheme picks the highlight theme: explicit flag first, then
// $PYGMENT_STYLE, then "native". The theme is read once and exported so
// tool subprocesses see a consistent value.
func ResolveTheme(flag string) string {
	theme := flag
	if theme == "" {
		theme = os.Getenv("PYGMENT_STYLE")
	}
	if theme == "" {
		theme = "native"
	}
	os.Setenv("PYGMENT_STYLE", theme)
	return theme
}
