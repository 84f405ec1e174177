package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of events editors emit on save.
const watchDebounce = 300 * time.Millisecond

// Watcher reloads the config file when it changes and hands the new
// Channel Talk section to OnChange. Only the gating settings are meant to
// be applied live; listener settings need a restart.
type Watcher struct {
	path     string
	cfg      *Config
	onChange func(ChannelTalkConfig)

	mu      sync.Mutex
	timer   *time.Timer
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher for path. cfg is updated in place on reload.
func NewWatcher(path string, cfg *Config, onChange func(ChannelTalkConfig)) *Watcher {
	return &Watcher{path: path, cfg: cfg, onChange: onChange}
}

// Start watches the parent directory (so atomic renames are seen) until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw

	go func() {
		defer fw.Close()
		target := filepath.Clean(w.path)
		for {
			select {
			case <-ctx.Done():
				w.mu.Lock()
				if w.timer != nil {
					w.timer.Stop()
				}
				w.mu.Unlock()
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.schedule()
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()

	slog.Info("config watcher started", "path", w.path)
	return nil
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, w.reload)
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		slog.Warn("config reload failed, keeping previous", "path", w.path, "error", err)
		return
	}

	cur := w.cfg.ChannelTalk()
	nt := next.Channels.ChannelTalk
	cur.AllowedGroups = nt.AllowedGroups
	cur.MentionOnly = nt.MentionOnly
	cur.BotName = nt.BotName
	cur.GroupPolicy = nt.GroupPolicy
	w.cfg.ReplaceChannelTalk(cur)

	slog.Info("config reloaded",
		"allowed_groups", len(cur.AllowedGroups),
		"mention_only", cur.MentionOnly,
		"group_policy", cur.GroupPolicy,
	)
	if w.onChange != nil {
		w.onChange(cur)
	}
}
