// Package yaml loads a path index document (dotted key -> path template)
// from a YAML file and builds a pathregistry.Registry from it.
package yaml

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/acms-dev/acms/runtime/pathregistry"
	"github.com/acms-dev/acms/telemetry"
)

// Options configures the YAML-backed path index loader.
type Options struct {
	// IndexPath is the path to the YAML document mapping dotted keys to
	// path templates.
	IndexPath string
	// Root is the directory all resolved paths are rooted at.
	Root string
}

func loadTemplates(indexPath string) (map[string]string, error) {
	b, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, fmt.Errorf("pathregistry/yaml: read %s: %w", indexPath, err)
	}

	var templates map[string]string
	if err := yaml.Unmarshal(b, &templates); err != nil {
		return nil, fmt.Errorf("pathregistry/yaml: parse %s: %w", indexPath, err)
	}
	return templates, nil
}

// Load reads the YAML document at opts.IndexPath and constructs a Registry.
func Load(opts Options) (*pathregistry.Registry, error) {
	templates, err := loadTemplates(opts.IndexPath)
	if err != nil {
		return nil, err
	}
	return pathregistry.New(opts.Root, templates), nil
}

// Watcher hot-reloads a Registry's templates whenever opts.IndexPath changes
// on disk, so editing the path index doesn't require a process restart.
type Watcher struct {
	fsw *fsnotify.Watcher
}

// Watch arranges for subsequent edits of opts.IndexPath to call
// registry.Reload; registry's initial template set is assumed already
// loaded (via Load). The returned Watcher must be closed when the
// registry is no longer in use.
func Watch(opts Options, registry *pathregistry.Registry, logger telemetry.Logger) (*Watcher, error) {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("pathregistry/yaml: new watcher: %w", err)
	}

	// Watch the containing directory rather than the file itself: editors
	// commonly replace a file via rename-into-place, which orphans a
	// watch held on the original inode.
	dir := filepath.Dir(opts.IndexPath)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("pathregistry/yaml: watch %s: %w", dir, err)
	}

	w := &Watcher{fsw: fsw}
	go func() {
		for {
			select {
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(opts.IndexPath) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				templates, err := loadTemplates(opts.IndexPath)
				if err != nil {
					logger.Warn(context.Background(), "pathregistry/yaml: reload failed", "path", opts.IndexPath, "error", err)
					continue
				}
				registry.Reload(templates)
				logger.Info(context.Background(), "pathregistry/yaml: reloaded path index", "path", opts.IndexPath)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logger.Error(context.Background(), "pathregistry/yaml: watcher error", "error", err)
			}
		}
	}()

	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
