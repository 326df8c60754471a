package qualitygate

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DefaultPolicy is used when no policy file is configured, per the
// external-interfaces default gate table.
func DefaultPolicy() []Gate {
	return []Gate{
		{Name: "coverage", Metric: "coverage", Operator: OpGreaterEqual, Threshold: 80.0, Blocking: true},
		{Name: "security", Metric: "critical_vulns", Operator: OpEqual, Threshold: 0.0, Blocking: true},
		{Name: "contracts", Metric: "api_breaking_changes", Operator: OpEqual, Threshold: 0.0, Blocking: true},
		{Name: "performance", Metric: "p95_latency_ms", Operator: OpLessThan, Threshold: 500.0, Blocking: false},
	}
}

// Policy is a named, live-reloadable table of gates.
type Policy struct {
	logger *slog.Logger
	path   string
	gates  atomic.Pointer[[]Gate]
}

// LoadPolicy reads gates from path, a YAML list of Gate objects. An empty
// path returns DefaultPolicy without touching the filesystem.
func LoadPolicy(path string, logger *slog.Logger) (*Policy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Policy{logger: logger, path: path}

	gates, err := readGateFile(path)
	if err != nil {
		return nil, err
	}
	p.gates.Store(&gates)
	return p, nil
}

func readGateFile(path string) ([]Gate, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPolicy(), nil
		}
		return nil, fmt.Errorf("qualitygate: read policy file: %w", err)
	}

	var gates []Gate
	if err := yaml.Unmarshal(data, &gates); err != nil {
		return nil, fmt.Errorf("qualitygate: parse policy file: %w", err)
	}
	return gates, nil
}

// Gates returns the policy's current gate table.
func (p *Policy) Gates() []Gate {
	return *p.gates.Load()
}

// Reload re-reads the policy file and swaps the gate table atomically on
// success. On parse failure, the previous table is kept in place and the
// error is returned — the swap is idempotent and atomic by construction.
func (p *Policy) Reload() error {
	gates, err := readGateFile(p.path)
	if err != nil {
		return err
	}
	p.gates.Store(&gates)
	return nil
}

// Watcher watches a Policy's backing file and reloads it on write events.
type Watcher struct {
	policy *Policy
	logger *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch starts an fsnotify watch on policy's file. A policy loaded with an
// empty path has nothing to watch and Watch is a no-op that returns nil.
func Watch(policy *Policy, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.path == "" {
		return &Watcher{policy: policy, logger: logger}, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("qualitygate: create watcher: %w", err)
	}
	if err := fw.Add(policy.path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("qualitygate: watch policy file: %w", err)
	}

	w := &Watcher{policy: policy, logger: logger, watcher: fw, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := w.policy.Reload(); err != nil {
					w.logger.Error("qualitygate: policy reload failed, keeping previous table", slog.String("error", err.Error()))
				} else {
					w.logger.Info("qualitygate: policy reloaded", slog.String("path", w.policy.path))
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("qualitygate: watcher error", slog.String("error", err.Error()))
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return nil
	}
	close(w.done)
	return w.watcher.Close()
}
