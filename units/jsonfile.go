package units

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sumkincpp/rtrtr/payload"
	"github.com/sumkincpp/rtrtr/pkg/metrics"
	"github.com/sumkincpp/rtrtr/pipeline"
)

// JsonFile publishes the payload set decoded from a local JSON file,
// re-reading it when the file changes. A timer re-read backs up the
// filesystem notification in case events get lost or the watch cannot be
// established.
type JsonFile struct {
	Type    string `mapstructure:"type"`
	Path    string `mapstructure:"path"`
	Refresh int    `mapstructure:"refresh"`
}

func (u *JsonFile) SourceNames() []string { return nil }

func (u *JsonFile) Run(
	ctx context.Context,
	comp *pipeline.Component,
	gate *pipeline.Gate,
	sources []*pipeline.Link,
) error {
	if u.Path == "" {
		return fmt.Errorf("json file unit %q needs a path", comp.Name)
	}
	path := comp.ResolvePath(u.Path)
	refresh := time.Duration(u.Refresh) * time.Second
	if u.Refresh <= 0 {
		refresh = DefaultRefresh * time.Second
	}

	m := metrics.GetRtrMetrics()
	attrs := metric.WithAttributes(attribute.String("component", comp.Name))

	load := func() {
		f, err := os.Open(path)
		if err != nil {
			comp.Logger.Warn("cannot open payload file, keeping current data",
				zap.String("path", path),
				zap.Error(err))
			m.FetchFailures.Add(ctx, 1, attrs)
			return
		}
		set, err := payload.ParseFeed(f)
		_ = f.Close()
		if err != nil {
			comp.Logger.Warn("cannot decode payload file, keeping current data",
				zap.String("path", path),
				zap.Error(err))
			m.FetchFailures.Add(ctx, 1, attrs)
			return
		}
		if _, published := gate.PublishIfChanged(set); published {
			comp.Logger.Info("published new payload set",
				zap.Int("size", set.Len()))
			m.UpdatesPublished.Add(ctx, 1, attrs)
		}
	}

	// watch the directory rather than the file itself: editors and
	// atomic writers replace the inode
	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err == nil {
			events = make(chan fsnotify.Event)
			go func() {
				defer close(events)
				for {
					select {
					case ev, ok := <-watcher.Events:
						if !ok {
							return
						}
						if filepath.Clean(ev.Name) == filepath.Clean(path) {
							select {
							case events <- ev:
							case <-ctx.Done():
								return
							}
						}
					case err, ok := <-watcher.Errors:
						if !ok {
							return
						}
						comp.Logger.Warn("file watch error", zap.Error(err))
					case <-ctx.Done():
						return
					}
				}
			}()
		}
	}
	if events == nil {
		comp.Logger.Warn("file watch unavailable, relying on timer re-reads",
			zap.String("path", path))
	}

	load()
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()
	for {
		select {
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			load()
		case <-ticker.C:
			load()
		case <-ctx.Done():
			return nil
		}
	}
}
