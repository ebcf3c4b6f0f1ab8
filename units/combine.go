package units

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sumkincpp/rtrtr/payload"
	"github.com/sumkincpp/rtrtr/pipeline"
)

// sourceUpdate is one upstream version tagged with the index of the source
// it came from.
type sourceUpdate struct {
	index int
	set   *payload.Set
}

// fanIn forwards the updates of all sources into a single channel, one
// forwarder per source in the manner of a channel merge. The channel
// closes once every source is gone or the context is cancelled.
func fanIn(ctx context.Context, sources []*pipeline.Link) <-chan sourceUpdate {
	out := make(chan sourceUpdate)
	var wg sync.WaitGroup
	wg.Add(len(sources))
	go func() {
		wg.Wait()
		close(out)
	}()

	for i, source := range sources {
		go func(index int, link *pipeline.Link) {
			defer wg.Done()
			for {
				set, _, err := link.Updated(ctx)
				if err != nil {
					return
				}
				select {
				case out <- sourceUpdate{index: index, set: set}:
				case <-ctx.Done():
					return
				}
			}
		}(i, source)
	}
	return out
}

// Any publishes whichever source most recently delivered a non-empty set,
// falling back through the sources in configuration order when the latest
// update is empty.
type Any struct {
	Type    string   `mapstructure:"type"`
	Sources []string `mapstructure:"sources"`
}

func (u *Any) SourceNames() []string { return u.Sources }

func (u *Any) Run(
	ctx context.Context,
	comp *pipeline.Component,
	gate *pipeline.Gate,
	sources []*pipeline.Link,
) error {
	if len(sources) == 0 {
		return fmt.Errorf("any unit %q needs at least one source", comp.Name)
	}
	defer closeLinks(sources)

	latest := make([]*payload.Set, len(sources))
	updates := fanIn(ctx, sources)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			latest[update.index] = update.set

			pick := update.set
			if pick.IsEmpty() {
				for _, set := range latest {
					if set != nil && !set.IsEmpty() {
						pick = set
						break
					}
				}
			}
			if _, published := gate.PublishIfChanged(pick); published {
				comp.Logger.Info("published payload set",
					zap.Int("size", pick.Len()))
			}

		case <-ctx.Done():
			return nil
		}
	}
}

// Merge publishes the union of the most recent sets of all sources.
type Merge struct {
	Type    string   `mapstructure:"type"`
	Sources []string `mapstructure:"sources"`
}

func (u *Merge) SourceNames() []string { return u.Sources }

func (u *Merge) Run(
	ctx context.Context,
	comp *pipeline.Component,
	gate *pipeline.Gate,
	sources []*pipeline.Link,
) error {
	if len(sources) == 0 {
		return fmt.Errorf("merge unit %q needs at least one source", comp.Name)
	}
	defer closeLinks(sources)

	latest := make([]*payload.Set, len(sources))
	updates := fanIn(ctx, sources)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			latest[update.index] = update.set

			union := payload.EmptySet()
			for _, set := range latest {
				if set != nil {
					union = union.Merge(set)
				}
			}
			if _, published := gate.PublishIfChanged(union); published {
				comp.Logger.Info("published merged payload set",
					zap.Int("size", union.Len()))
			}

		case <-ctx.Done():
			return nil
		}
	}
}

func closeLinks(links []*pipeline.Link) {
	for _, link := range links {
		link.Close()
	}
}
