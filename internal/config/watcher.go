package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadWindow coalesces the burst of events editors emit per save.
const DefaultReloadWindow = 100 * time.Millisecond

// ReloadEvent reports a change to config.yaml. Config holds the freshly loaded
// settings; Err is set when the new file failed to load, in which case the
// previous config should stay in effect.
type ReloadEvent struct {
	Path   string
	Op     fsnotify.Op
	Config Config
	Err    error
}

// Watcher reloads config.yaml when it changes on disk. Saves that leave the
// fingerprint unchanged are not reported.
type Watcher struct {
	homeDir string
	target  string
	window  time.Duration
	logger  *slog.Logger
	events  chan ReloadEvent
	last    string
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		target:  filepath.Clean(ConfigPath(homeDir)),
		window:  DefaultReloadWindow,
		logger:  logger.With("component", "config_watcher"),
		events:  make(chan ReloadEvent, 16),
	}
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the home directory until ctx is done. The directory rather
// than the file is watched so editors that save by rename are seen.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	if cfg, err := LoadFile(w.homeDir, w.target); err == nil {
		w.last = cfg.Fingerprint()
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	var (
		pending *time.Timer
		fire    <-chan time.Time
		lastOp  fsnotify.Op
	)
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			lastOp = ev.Op
			if fire == nil {
				pending = time.NewTimer(w.window)
				fire = pending.C
			}
		case <-fire:
			fire = nil
			w.reload(lastOp)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload(op fsnotify.Op) {
	cfg, err := LoadFile(w.homeDir, w.target)
	if err != nil {
		w.logger.Warn("config reload failed", "path", w.target, "error", err)
	} else {
		fp := cfg.Fingerprint()
		if fp == w.last {
			return
		}
		w.last = fp
		w.logger.Info("config reloaded", "path", w.target, "op", op.String(), "fingerprint", fp)
	}
	select {
	case w.events <- ReloadEvent{Path: w.target, Op: op, Config: cfg, Err: err}:
	default:
		w.logger.Warn("config reload event dropped", "path", w.target)
	}
}
