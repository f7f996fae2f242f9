package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"sorabot/internal/retry"
	logx "sorabot/pkg/logx"
)

// reloadDebounce absorbs the burst of events an editor produces for one save.
const reloadDebounce = 250 * time.Millisecond

// Manager owns the config file. Every read goes through the same path
// (decode, environment overlay, validation), so a reload can never commit
// something Load would have refused.
type Manager struct {
	path string
	log  logx.Logger

	mu  sync.RWMutex
	cur *Config

	// reloadMu keeps commits and their publishes in order.
	reloadMu sync.Mutex

	subsMu sync.Mutex
	subs   map[chan Change]struct{}
}

// Change is a committed reload as one subscriber sees it. Old is the config
// that subscriber received last, so a merged change still diffs correctly.
type Change struct {
	Old, New *Config
	// Sections lists the changed top-level sections, sorted.
	Sections []string
	// Restart lists the changed sections that only apply after a restart.
	Restart []string
	// Attrs describe the change for logging. Secrets are never included.
	Attrs []logx.Field
}

func newChange(old, next *Config) Change {
	sections, attrs := SummarizeConfigChange(old, next)
	return Change{Old: old, New: next, Sections: sections, Restart: RestartRequired(sections), Attrs: attrs}
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), subs: map[chan Change]struct{}{}}
}

func (m *Manager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

func (m *Manager) read() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeFile(m.path, b)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load reads, validates and commits the config without notifying anyone.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.read()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cur = cfg
	m.mu.Unlock()
	return cfg, nil
}

// Current returns the last committed config.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Subscribe returns a channel of committed changes and a func that ends the
// subscription. A subscriber that falls behind receives one merged change
// instead of a backlog.
func (m *Manager) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 1)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, ch)
			close(ch)
			m.subsMu.Unlock()
		})
	}
}

// publish never blocks: only publish sends, under subsMu, and it empties the
// single slot first.
func (m *Manager) publish(old, next *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		from := old
		select {
		case pending := <-ch:
			from = pending.Old
		default:
		}
		ch <- newChange(from, next)
	}
}

// reload re-reads the file and commits it when the content differs from
// the current config.
func (m *Manager) reload() {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	next, err := m.read()
	if err != nil {
		m.log.Warn("config reload rejected; keeping current", logx.String("path", m.path), logx.Err(err))
		return
	}
	m.mu.Lock()
	old := m.cur
	if reflect.DeepEqual(old, next) {
		m.mu.Unlock()
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return
	}
	m.cur = next
	m.mu.Unlock()

	m.publish(old, next)
	m.log.Debug("config committed", logx.String("path", m.path))
}

// Watch reloads the config whenever its file changes, until ctx ends. The
// directory is watched rather than the file so editors that replace the file
// on save are followed. A broken watcher is recreated with backoff.
func (m *Manager) Watch(ctx context.Context) error {
	backoff := retry.Policy{Base: 250 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.5}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	changed := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, m.reload)
	}

	failures := 0
	for {
		ran, err := m.watchOnce(ctx, changed)
		if ctx.Err() != nil {
			return nil
		}
		if ran {
			failures = 0
		}
		failures++
		wait := backoff.Delay(failures)
		m.log.Warn("config watcher stopped; restarting", logx.Err(err), logx.Duration("backoff", wait))
		if retry.Sleep(ctx, wait) != nil {
			return nil
		}
	}
}

// watchOnce runs one fsnotify watcher. ran reports whether it got as far as
// delivering events.
func (m *Manager) watchOnce(ctx context.Context, changed func()) (ran bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return false, fmt.Errorf("watch %s: %w", dir, err)
	}
	m.log.Debug("watching config", logx.String("path", m.path))

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("watcher closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) {
				changed()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return true, errors.New("watcher closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; reloading", logx.String("dir", dir))
				changed()
				continue
			}
			m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(err))
		}
	}
}
