package topology

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tributary-io/tributary/buffer"
	"github.com/tributary-io/tributary/enrichment"
	"github.com/tributary-io/tributary/fanout"
)

// runningTask joins a spawned Task.
type runningTask struct {
	task *Task
	done chan struct{}
	err  error
}

func spawn(ctx context.Context, task *Task) *runningTask {
	var rt = &runningTask{task: task, done: make(chan struct{})}
	go func() {
		defer close(rt.done)
		if err := task.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithFields(log.Fields{
				"component": task.Key,
				"type":      task.Typetag,
				"err":       err,
			}).Error("component task failed")
			rt.err = err
		}
	}()
	return rt
}

func (t *runningTask) wait() { <-t.done }

// RunningTopology is a started topology. It supervises component
// tasks, hot-swaps components on reload, and drains on stop.
type RunningTopology struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry *enrichment.Registry

	mu          sync.Mutex
	config      *Config
	inputs      map[ComponentKey]*inputPiece
	outputs     map[OutputID]fanout.ControlChannel
	buffers     map[ComponentKey]*buffer.Built
	detach      map[ComponentKey]*Trigger
	shutdown    *SourceShutdownCoordinator
	tasks       map[ComponentKey]*runningTask
	sourceTasks map[ComponentKey]*runningTask
	healthWG    sync.WaitGroup
}

// Start validates |config|, builds every component, connects the
// graph, and spawns its tasks.
func Start(config *Config) (*RunningTopology, error) {
	if errs := config.Validate(); len(errs) != 0 {
		return nil, fmt.Errorf("invalid topology: %v", errs)
	}

	var ctx, cancel = context.WithCancel(context.Background())
	var rt = &RunningTopology{
		ctx:         ctx,
		cancel:      cancel,
		registry:    enrichment.NewRegistry(),
		config:      &Config{},
		inputs:      map[ComponentKey]*inputPiece{},
		outputs:     map[OutputID]fanout.ControlChannel{},
		buffers:     map[ComponentKey]*buffer.Built{},
		detach:      map[ComponentKey]*Trigger{},
		shutdown:    newShutdownCoordinator(),
		tasks:       map[ComponentKey]*runningTask{},
		sourceTasks: map[ComponentKey]*runningTask{},
	}

	if err := rt.Reload(config); err != nil {
		cancel()
		return nil, err
	}
	return rt, nil
}

// Enrichment returns the topology's enrichment table registry.
func (rt *RunningTopology) Enrichment() *enrichment.Registry { return rt.registry }

// Reload applies |newConfig|: unchanged components continue running,
// added components are built and linked, changed components are built
// fresh and hot-swapped, and removed components are shut down. On a
// build failure the running topology is left as it was.
func (rt *RunningTopology) Reload(newConfig *Config) error {
	if errs := newConfig.Validate(); len(errs) != 0 {
		return fmt.Errorf("invalid topology: %v", errs)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	var diff = DiffConfigs(rt.config, newConfig)

	// Build first: a failure must not disturb the running topology.
	// Existing sink buffers are offered for reuse.
	var pieces, errs = buildPieces(newConfig, diff, rt.buffers, rt.registry)
	if len(errs) != 0 {
		return fmt.Errorf("failed to build topology pieces: %v", errs)
	}

	// Stop removed components, and the outgoing halves of changed ones.
	for _, key := range diff.Sources.RemovedKeys() {
		rt.stopSourceLocked(key)
	}
	for key := range diff.Sources.ToChange {
		rt.stopSourceLocked(key)
	}
	for _, key := range diff.Transforms.RemovedKeys() {
		rt.stopTransformLocked(key)
	}
	for key := range diff.Transforms.ToChange {
		rt.stopTransformLocked(key)
	}
	for _, key := range diff.Sinks.RemovedKeys() {
		rt.stopSinkLocked(key, false)
	}
	for key := range diff.Sinks.ToChange {
		// Detach: the buffer and its in-flight events survive for the
		// rebuilt sink.
		rt.stopSinkLocked(key, true)
	}
	for _, key := range diff.Tables.RemovedKeys() {
		rt.registry.Drop(string(key))
	}

	// Merge the new pieces.
	for id, control := range pieces.Outputs {
		rt.outputs[id] = control
	}
	for key, input := range pieces.Inputs {
		rt.inputs[key] = input
	}
	for key, built := range pieces.Buffers {
		rt.buffers[key] = built
	}
	for key, trigger := range pieces.DetachTriggers {
		rt.detach[key] = trigger
	}
	rt.shutdown.absorb(pieces.Shutdown)

	// Wire edges. A component needs (re)wiring when it is itself new,
	// or when one of its upstream fanouts was rebuilt.
	var rebuilt = func(id OutputID) bool {
		return diff.Sources.ContainsNew(id.Component) || diff.Transforms.ContainsNew(id.Component)
	}
	for key, input := range rt.inputs {
		var isNew = diff.Transforms.ContainsNew(key) || diff.Sinks.ContainsNew(key)
		for _, id := range input.Inputs {
			if control, ok := rt.outputs[id]; ok && (isNew || rebuilt(id)) {
				control <- fanout.Remove(string(key))
				control <- fanout.Add(string(key), input.Sender)
			}
		}
	}

	// Spawn the new tasks.
	for key, task := range pieces.Tasks {
		rt.tasks[key] = spawn(rt.ctx, task)
	}
	for key, task := range pieces.SourceTasks {
		rt.sourceTasks[key] = spawn(rt.ctx, task)
	}
	for _, task := range pieces.Healthchecks {
		var t = task
		rt.healthWG.Add(1)
		go func() {
			defer rt.healthWG.Done()
			_ = t.Run(rt.ctx)
		}()
	}

	rt.config = newConfig
	return nil
}

// stopSourceLocked shuts one source down and joins its tasks.
func (rt *RunningTopology) stopSourceLocked(key ComponentKey) {
	rt.shutdown.ShutdownSource(key, DefaultShutdownDeadline)
	if t, ok := rt.sourceTasks[key]; ok {
		t.wait()
		delete(rt.sourceTasks, key)
	}
	if t, ok := rt.tasks[key]; ok {
		t.wait()
		delete(rt.tasks, key)
	}
	delete(rt.outputs, OutputID{Component: key})
}

// stopTransformLocked seals a transform's input, drains it, and joins
// its task.
func (rt *RunningTopology) stopTransformLocked(key ComponentKey) {
	var input, ok = rt.inputs[key]
	if !ok {
		return
	}
	rt.unwireLocked(key, input)
	input.CloseInput()
	if t, ok := rt.tasks[key]; ok {
		t.wait()
		delete(rt.tasks, key)
	}
	delete(rt.inputs, key)
	for id := range rt.outputs {
		if id.Component == key {
			delete(rt.outputs, id)
		}
	}
}

// stopSinkLocked stops a sink. With |detachOnly|, the sink's input
// stream is severed and its buffer survives for a rebuilt sink;
// otherwise the buffer is closed and fully drained first.
func (rt *RunningTopology) stopSinkLocked(key ComponentKey, detachOnly bool) {
	var input, ok = rt.inputs[key]
	if !ok {
		return
	}
	rt.unwireLocked(key, input)

	if detachOnly {
		if trigger, ok := rt.detach[key]; ok {
			trigger.Trip()
		}
	} else {
		input.CloseInput()
	}

	if t, ok := rt.tasks[key]; ok {
		t.wait()
		delete(rt.tasks, key)
	}
	delete(rt.inputs, key)
	delete(rt.detach, key)
	if !detachOnly {
		delete(rt.buffers, key)
	}
}

func (rt *RunningTopology) unwireLocked(key ComponentKey, input *inputPiece) {
	for _, id := range input.Inputs {
		if control, ok := rt.outputs[id]; ok {
			control <- fanout.Remove(string(key))
		}
	}
}

// Stop shuts the topology down: sources receive their cooperative
// signal and, past |deadline|, their force tripwire; then components
// drain in topological order, sink buffers included. Residual backlog
// left in buffers is reported.
func (rt *RunningTopology) Stop(deadline time.Duration) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.shutdown.ShutdownAll(deadline)

	var finished = map[ComponentKey]bool{}
	for key, t := range rt.sourceTasks {
		t.wait()
		if pump, ok := rt.tasks[key]; ok {
			pump.wait()
		}
		finished[key] = true
	}

	// Drain the rest of the graph in topological order: a component's
	// input closes only after every component feeding it has finished.
	var remaining = map[ComponentKey]*inputPiece{}
	for key, input := range rt.inputs {
		remaining[key] = input
	}
	for len(remaining) != 0 {
		var progressed bool
		for key, input := range remaining {
			var ready = true
			for _, id := range input.Inputs {
				if _, isUpstream := rt.inputs[id.Component]; (isUpstream || rt.sourceTasks[id.Component] != nil) && !finished[id.Component] {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}

			input.CloseInput()
			if t, ok := rt.tasks[key]; ok {
				t.wait()
			}
			finished[key] = true
			delete(remaining, key)
			progressed = true
		}
		if !progressed {
			log.Warn("topology graph did not drain cleanly; cancelling remaining tasks")
			rt.cancel()
			for key := range remaining {
				if t, ok := rt.tasks[key]; ok {
					t.wait()
				}
				delete(remaining, key)
			}
			break
		}
	}

	rt.healthWG.Wait()
	rt.cancel()
	rt.reportBacklogLocked()
}

// reportBacklogLocked reports events left in sink buffers at shutdown.
func (rt *RunningTopology) reportBacklogLocked() {
	for key, built := range rt.buffers {
		var backlog int64
		switch b := built.Acker.(type) {
		case *buffer.MemoryBuffer:
			backlog = int64(b.Len())
		case *buffer.DiskBuffer:
			backlog = b.Ledger().TotalRecords
		}
		if backlog > 0 {
			log.WithFields(log.Fields{
				"sink":   key,
				"events": backlog,
			}).Warn("sink buffer retains undelivered events")
		}
	}
}
