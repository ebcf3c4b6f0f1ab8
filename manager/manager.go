// Package manager owns the running pipeline: it spawns every configured
// unit and target as a long-lived task, wires their gates and links
// together by name, applies configuration reloads, and coordinates ordered
// shutdown.
package manager

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/sumkincpp/rtrtr/config"
	"github.com/sumkincpp/rtrtr/pipeline"
)

type runningUnit struct {
	cfg    config.Unit
	gate   *pipeline.Gate
	cancel context.CancelFunc
	done   chan struct{}
}

type runningTarget struct {
	cfg    config.Target
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs one pipeline.
type Manager struct {
	logger *zap.Logger

	lock    sync.Mutex
	cfg     *config.Config
	units   map[string]*runningUnit
	targets map[string]*runningTarget
}

func New(logger *zap.Logger) *Manager {
	return &Manager{
		logger:  logger,
		units:   make(map[string]*runningUnit),
		targets: make(map[string]*runningTarget),
	}
}

// Start brings up the full pipeline described by the configuration.
func (m *Manager) Start(cfg *config.Config) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.cfg = cfg
	for name := range cfg.Units {
		m.units[name] = &runningUnit{gate: pipeline.NewGate()}
	}
	for name, unitCfg := range cfg.Units {
		m.spawnUnitLocked(name, unitCfg)
	}
	for name, targetCfg := range cfg.Targets {
		m.spawnTargetLocked(name, targetCfg)
	}

	m.logger.Info("pipeline started",
		zap.Int("units", len(cfg.Units)),
		zap.Int("targets", len(cfg.Targets)))
}

// spawnUnitLocked starts the task for a unit whose gate already exists.
func (m *Manager) spawnUnitLocked(name string, unitCfg config.Unit) {
	running := m.units[name]
	running.cfg = unitCfg

	sources := make([]*pipeline.Link, 0, len(unitCfg.SourceNames()))
	for _, sourceName := range unitCfg.SourceNames() {
		sources = append(sources, m.units[sourceName].gate.Subscribe())
	}

	ctx, cancel := context.WithCancel(context.Background())
	running.cancel = cancel
	running.done = make(chan struct{})

	comp := &pipeline.Component{
		Name:    name,
		Logger:  m.logger.Named(name),
		BaseDir: m.cfg.BaseDir,
	}
	gate := running.gate
	done := running.done
	go func() {
		defer close(done)
		m.runTask(ctx, comp, func(ctx context.Context) error {
			return unitCfg.Run(ctx, comp, gate, sources)
		})
	}()
}

func (m *Manager) spawnTargetLocked(name string, targetCfg config.Target) {
	source := m.units[targetCfg.SourceName()].gate.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	running := &runningTarget{
		cfg:    targetCfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.targets[name] = running

	comp := &pipeline.Component{
		Name:    name,
		Logger:  m.logger.Named(name),
		BaseDir: m.cfg.BaseDir,
	}
	done := running.done
	go func() {
		defer close(done)
		m.runTask(ctx, comp, func(ctx context.Context) error {
			return targetCfg.Run(ctx, comp, source)
		})
	}()
}

// runTask keeps a component task alive. A task that panics or returns an
// error is restarted with exponential backoff; a task that returns nil is
// done for good.
func (m *Manager) runTask(ctx context.Context, comp *pipeline.Component, run func(context.Context) error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("task panicked: %v", r)
				}
			}()
			return run(ctx)
		}()

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			return
		}

		delay := bo.NextBackOff()
		comp.Logger.Error("component failed, restarting",
			zap.Error(err),
			zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// Reload applies a new configuration: unchanged components keep running,
// removed ones are stopped, added ones are spawned, and changed ones are
// replaced. A replaced unit keeps its gate so downstream links survive.
func (m *Manager) Reload(cfg *config.Config) {
	m.lock.Lock()
	defer m.lock.Unlock()

	oldCfg := m.cfg
	m.cfg = cfg

	// gates for added units must exist before anything resolves links
	for name := range cfg.Units {
		if _, ok := m.units[name]; !ok {
			m.units[name] = &runningUnit{gate: pipeline.NewGate()}
		}
	}

	// stop removed targets first so they can end their sessions while
	// their sources are still alive
	for name, running := range m.targets {
		if _, ok := cfg.Targets[name]; !ok {
			m.logger.Info("stopping removed target", zap.String("name", name))
			stopTask(running.cancel, running.done)
			delete(m.targets, name)
		}
	}
	for name, running := range m.units {
		if _, ok := cfg.Units[name]; !ok {
			m.logger.Info("stopping removed unit", zap.String("name", name))
			stopTask(running.cancel, running.done)
			running.gate.Terminate()
			delete(m.units, name)
		}
	}

	// replace changed units, spawn added ones
	for name, unitCfg := range cfg.Units {
		running := m.units[name]
		if running.cfg == nil {
			m.logger.Info("starting added unit", zap.String("name", name))
			m.spawnUnitLocked(name, unitCfg)
			continue
		}
		if reflect.DeepEqual(running.cfg, unitCfg) && oldCfg.BaseDir == cfg.BaseDir {
			continue
		}
		m.logger.Info("restarting changed unit", zap.String("name", name))
		stopTask(running.cancel, running.done)
		m.spawnUnitLocked(name, unitCfg)
	}

	for name, targetCfg := range cfg.Targets {
		running, ok := m.targets[name]
		if !ok {
			m.logger.Info("starting added target", zap.String("name", name))
			m.spawnTargetLocked(name, targetCfg)
			continue
		}
		if reflect.DeepEqual(running.cfg, targetCfg) && oldCfg.BaseDir == cfg.BaseDir {
			continue
		}
		m.logger.Info("restarting changed target", zap.String("name", name))
		stopTask(running.cancel, running.done)
		delete(m.targets, name)
		m.spawnTargetLocked(name, targetCfg)
	}

	m.logger.Info("configuration reload applied")
}

func stopTask(cancel context.CancelFunc, done chan struct{}) {
	cancel()
	<-done
}

// Run blocks until the context is cancelled, then shuts the pipeline down.
func (m *Manager) Run(ctx context.Context) {
	<-ctx.Done()
	m.Shutdown()
}

// Shutdown stops all components: targets first, so they can terminate
// their RTR sessions gracefully, then units. Each phase is bounded by the
// configured shutdown timeout.
func (m *Manager) Shutdown() {
	m.lock.Lock()
	defer m.lock.Unlock()

	timeout := time.Duration(config.DefaultShutdownTimeout) * time.Second
	if m.cfg != nil {
		timeout = time.Duration(m.cfg.ShutdownTimeout) * time.Second
	}

	targetsDone := make([]chan struct{}, 0, len(m.targets))
	for _, running := range m.targets {
		running.cancel()
		targetsDone = append(targetsDone, running.done)
	}
	waitAll(targetsDone, timeout)
	m.targets = make(map[string]*runningTarget)

	unitsDone := make([]chan struct{}, 0, len(m.units))
	for _, running := range m.units {
		running.cancel()
		unitsDone = append(unitsDone, running.done)
	}
	waitAll(unitsDone, timeout)
	m.units = make(map[string]*runningUnit)

	m.logger.Info("pipeline stopped")
}

// waitAll waits for every channel to close, giving up after the deadline.
func waitAll(done []chan struct{}, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for _, ch := range done {
		select {
		case <-ch:
		case <-deadline.C:
			return
		}
	}
}

// Status renders a plain-text summary of the running components for the
// status endpoint.
func (m *Manager) Status() string {
	m.lock.Lock()
	defer m.lock.Unlock()

	var b strings.Builder

	unitNames := make([]string, 0, len(m.units))
	for name := range m.units {
		unitNames = append(unitNames, name)
	}
	sort.Strings(unitNames)
	for _, name := range unitNames {
		running := m.units[name]
		set, token := running.gate.Current()
		size := 0
		if set != nil {
			size = set.Len()
		}
		fmt.Fprintf(&b, "unit %s: version=%d payloads=%d subscribers=%d\n",
			name, token, size, running.gate.SubscriberCount())
	}

	targetNames := make([]string, 0, len(m.targets))
	for name := range m.targets {
		targetNames = append(targetNames, name)
	}
	sort.Strings(targetNames)
	for _, name := range targetNames {
		fmt.Fprintf(&b, "target %s: source=%s\n", name, m.targets[name].cfg.SourceName())
	}

	return b.String()
}
