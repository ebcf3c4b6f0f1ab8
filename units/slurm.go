package units

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sumkincpp/rtrtr/payload"
	"github.com/sumkincpp/rtrtr/pipeline"
	"github.com/sumkincpp/rtrtr/slurm"
)

// slurmCheckInterval is how often the exception files are checked for
// modification.
const slurmCheckInterval = 2 * time.Second

// Slurm wraps an upstream unit and applies local exceptions from a list of
// SLURM files. The files are re-read when their modification time moves;
// a file that fails to parse keeps its previous content.
type Slurm struct {
	Type   string   `mapstructure:"type"`
	Source string   `mapstructure:"source"`
	Files  []string `mapstructure:"files"`
}

func (u *Slurm) SourceNames() []string { return []string{u.Source} }

func (u *Slurm) Run(
	ctx context.Context,
	comp *pipeline.Component,
	gate *pipeline.Gate,
	sources []*pipeline.Link,
) error {
	if len(sources) != 1 {
		return fmt.Errorf("slurm unit %q needs exactly one source", comp.Name)
	}
	source := sources[0]
	defer source.Close()

	files := make([]*exceptionFile, len(u.Files))
	for i, path := range u.Files {
		files[i] = &exceptionFile{path: comp.ResolvePath(path)}
		if err := files[i].reload(); err != nil {
			// a missing or broken file at startup is a hard error: running
			// without configured exceptions would silently pass everything
			return fmt.Errorf("slurm unit %q: %w", comp.Name, err)
		}
	}

	var upstream *payload.Set
	apply := func() {
		if upstream == nil {
			return
		}
		set := upstream
		for _, file := range files {
			set = file.content.Load().Apply(set)
		}
		if _, published := gate.PublishIfChanged(set); published {
			comp.Logger.Info("published filtered payload set",
				zap.Int("size", set.Len()))
		}
	}

	updates := make(chan *payload.Set)
	go func() {
		defer close(updates)
		for {
			set, _, err := source.Updated(ctx)
			if err != nil {
				return
			}
			select {
			case updates <- set:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(slurmCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case set, ok := <-updates:
			if !ok {
				// upstream gone
				return nil
			}
			upstream = set
			apply()

		case <-ticker.C:
			changed := false
			for _, file := range files {
				reloaded, err := file.reloadIfModified()
				if err != nil {
					comp.Logger.Warn("cannot reload exception file, keeping previous content",
						zap.String("path", file.path),
						zap.Error(err))
					continue
				}
				if reloaded {
					comp.Logger.Info("reloaded exception file",
						zap.String("path", file.path))
					changed = true
				}
			}
			if changed {
				apply()
			}

		case <-ctx.Done():
			return nil
		}
	}
}

// exceptionFile is one SLURM file with modification-time tracking. The
// parsed content sits behind an atomic pointer so reloads swap it out
// without coordination.
type exceptionFile struct {
	path    string
	modTime time.Time
	content atomic.Pointer[slurm.File]
}

func (f *exceptionFile) reload() error {
	info, err := os.Stat(f.path)
	if err != nil {
		return err
	}
	parsed, err := slurm.ParseFile(f.path)
	if err != nil {
		return err
	}
	f.content.Store(parsed)
	f.modTime = info.ModTime()
	return nil
}

func (f *exceptionFile) reloadIfModified() (bool, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return false, err
	}
	if !info.ModTime().After(f.modTime) {
		return false, nil
	}
	if err := f.reload(); err != nil {
		return false, err
	}
	return true, nil
}
