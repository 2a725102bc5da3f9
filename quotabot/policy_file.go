package quotabot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
	"github.com/lmittmann/tint"
	"gopkg.in/yaml.v3"
)

const policyWatchDebounce = 100 * time.Millisecond

// policyFile is the layout of a policy YAML file:
//
//	policies:
//	  default:
//	    requests: 30
//	    window: 10s
//	  summarize:
//	    requests: 5
//	    window: 2m
//	    cooldown: 30s
type policyFile struct {
	Policies PolicyTable `yaml:"policies"`
}

// ParsePolicies decodes a policy YAML document. Unknown fields are
// rejected, so typos don't silently fall back to defaults.
func ParsePolicies(data []byte) (PolicyTable, error) {
	var doc policyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return PolicyTable{}, nil
		}
		return nil, fmt.Errorf("error parsing policies: %w", err)
	}
	if doc.Policies == nil {
		doc.Policies = PolicyTable{}
	}
	if err := doc.Policies.Validate(); err != nil {
		return nil, err
	}
	return doc.Policies, nil
}

// LoadPolicyFile reads and validates the policy file at path.
func LoadPolicyFile(path string) (PolicyTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	table, err := ParsePolicies(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

// WritePolicyFile atomically writes table to path as YAML.
func WritePolicyFile(path string, table PolicyTable) error {
	data, err := MarshalPolicies(table)
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0o644)
}

func MarshalPolicies(table PolicyTable) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(policyFile{Policies: table}); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PolicyLoader builds the active policy table from three layers, each
// overriding the last: the built-in defaults, the policy file (if
// configured) and overrides stored in the database (if any).
type PolicyLoader struct {
	registry *PolicyRegistry
	path     string
	db       DBI
	logger   *slog.Logger
	metrics  *Metrics

	// mu serializes reloads so an older table can't replace a newer one
	mu sync.Mutex
}

func NewPolicyLoader(
	registry *PolicyRegistry,
	path string,
	db DBI,
	logger *slog.Logger,
	metrics *Metrics,
) *PolicyLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyLoader{
		registry: registry,
		path:     path,
		db:       db,
		logger:   logger.With(loggerNameKey, "policies"),
		metrics:  metrics,
	}
}

// Load returns the merged table without applying it.
func (p *PolicyLoader) Load(ctx context.Context) (PolicyTable, error) {
	table := DefaultPolicies()
	if p.path != "" {
		fromFile, err := LoadPolicyFile(p.path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			p.logger.WarnContext(ctx, "policy file not found, using defaults", "path", p.path)
		case err != nil:
			return nil, err
		default:
			table = table.Merge(fromFile)
		}
	}
	if p.db != nil {
		overrides, err := loadPolicyOverrides(ctx, p.db)
		if err != nil {
			return nil, fmt.Errorf("error loading policy overrides: %w", err)
		}
		table = table.Merge(overrides)
	}
	return table, nil
}

// Reload loads the merged table and swaps it into the registry. If any
// layer fails to load or validate, the current table is kept.
func (p *PolicyLoader) Reload(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	table, err := p.Load(ctx)
	if err == nil {
		err = p.registry.Replace(table)
	}
	p.metrics.observePolicyReload(table, err)
	if err != nil {
		p.logger.ErrorContext(ctx, "error reloading policies", tint.Err(err))
		return err
	}
	p.logger.InfoContext(ctx, "policies loaded", "categories", table.Categories())
	return nil
}

// Watch reloads policies whenever the policy file changes, until ctx is
// done. It returns immediately if no policy file is configured.
func (p *PolicyLoader) Watch(ctx context.Context) error {
	if p.path == "" {
		return nil
	}
	absPath, err := filepath.Abs(p.path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("error creating policy file watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory rather than the file, since atomic writes
	// replace the file (and its inode) on every save.
	if err = watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("error watching %s: %w", filepath.Dir(absPath), err)
	}
	p.logger.InfoContext(ctx, "watching policy file", "path", absPath)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(
				policyWatchDebounce, func() {
					p.logger.InfoContext(ctx, "policy file changed", "op", event.Op.String())
					_ = p.Reload(ctx)
				},
			)
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.ErrorContext(ctx, "policy watcher error", tint.Err(watchErr))
		}
	}
}
