package topology

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tributary-io/tributary/buffer"
	"github.com/tributary-io/tributary/enrichment"
	"github.com/tributary-io/tributary/event"
	"github.com/tributary-io/tributary/fanout"
	"github.com/tributary-io/tributary/telemetry"
	"github.com/tributary-io/tributary/transforms"
)

// HealthcheckTimeout bounds every sink healthcheck.
const HealthcheckTimeout = 10 * time.Second

// transformChunkSize bounds how many events a function transform pulls
// from its input per iteration.
const transformChunkSize = 128

// inputPiece is a component's materialized input: the sender upstream
// fanouts deliver into, and the output IDs which feed it.
type inputPiece struct {
	Sender fanout.Sender
	Inputs []OutputID
	// CloseInput seals the input for teardown; idempotent.
	CloseInput func()
}

// Pieces holds everything built for the new or changed components of a
// config diff, not yet connected or spawned.
type Pieces struct {
	Inputs         map[ComponentKey]*inputPiece
	Outputs        map[OutputID]fanout.ControlChannel
	Tasks          map[ComponentKey]*Task
	SourceTasks    map[ComponentKey]*Task
	Healthchecks   map[ComponentKey]*Task
	Shutdown       *SourceShutdownCoordinator
	DetachTriggers map[ComponentKey]*Trigger
	Buffers        map[ComponentKey]*buffer.Built
}

// buildPieces builds only the pieces whose keys are new or changed in
// |diff|. Existing sink buffers are reused through |buffers|: a build
// failure leaves the receiver in place for a subsequent retry.
func buildPieces(
	config *Config,
	diff ConfigDiff,
	buffers map[ComponentKey]*buffer.Built,
	registry *enrichment.Registry,
) (*Pieces, []error) {
	var buildID = uuid.New()
	log.WithField("build", buildID).Debug("building topology pieces")

	var pieces = &Pieces{
		Inputs:         map[ComponentKey]*inputPiece{},
		Outputs:        map[OutputID]fanout.ControlChannel{},
		Tasks:          map[ComponentKey]*Task{},
		SourceTasks:    map[ComponentKey]*Task{},
		Healthchecks:   map[ComponentKey]*Task{},
		Shutdown:       newShutdownCoordinator(),
		DetachTriggers: map[ComponentKey]*Trigger{},
		Buffers:        map[ComponentKey]*buffer.Built{},
	}
	var buildErrors []error

	buildErrors = append(buildErrors, loadEnrichmentTables(config, diff, registry)...)

	// Build sources.
	for key, outer := range config.Sources {
		if !diff.Sources.ContainsNew(key) {
			continue
		}
		if err := buildSource(pieces, config, key, outer); err != nil {
			buildErrors = append(buildErrors, errors.Wrapf(err, "source %q", key))
		}
	}

	// Build transforms.
	for key, outer := range config.Transforms {
		if !diff.Transforms.ContainsNew(key) {
			continue
		}
		if err := buildTransform(pieces, config, key, outer, registry); err != nil {
			buildErrors = append(buildErrors, errors.Wrapf(err, "transform %q", key))
		}
	}

	// Build sinks.
	for key, outer := range config.Sinks {
		if !diff.Sinks.ContainsNew(key) {
			continue
		}
		if err := buildSink(pieces, config, key, outer, buffers); err != nil {
			buildErrors = append(buildErrors, errors.Wrapf(err, "sink %q", key))
		}
	}

	// All table data is loaded; publish for readers.
	registry.FinishLoad()

	if len(buildErrors) != 0 {
		return nil, buildErrors
	}
	return pieces, nil
}

// loadEnrichmentTables builds new or changed tables into the registry's
// staging state. A previously loaded table whose index reapplication
// fails is kept as-is, and the failure is reported.
func loadEnrichmentTables(config *Config, diff ConfigDiff, registry *enrichment.Registry) []error {
	var errs []error
	var staged = map[string]enrichment.Table{}

tables:
	for name, tableConfig := range config.EnrichmentTables {
		if !registry.NeedsReload(name) {
			continue
		}

		// For an existing table, remember its applied indexes so they
		// can be reapplied post load.
		var remembered []enrichment.IndexFields
		if !diff.Tables.ToAdd[ComponentKey(name)] {
			remembered = registry.IndexFieldsOf(name)
		}

		var table, err = tableConfig.Build(config.Globals)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "enrichment table %q", name))
			continue
		}

		for _, index := range append(tableConfig.Indexes(), remembered...) {
			if _, err = table.AddIndex(index.CaseSensitive, index.Fields); err != nil {
				// The reloaded data would be missing an index readers
				// rely on; keep the previously loaded table instead.
				log.WithFields(log.Fields{
					"table": name,
					"err":   err,
				}).Error("unable to add index to reloaded enrichment table")
				continue tables
			}
		}
		staged[name] = table
	}

	registry.Stage(staged)
	return errs
}

func buildSource(pieces *Pieces, config *Config, key ComponentKey, outer *SourceOuter) error {
	var out = newChanSender(1000)
	var signal, forceWire = pieces.Shutdown.Register(key)

	var src, err = outer.Inner.Build(SourceContext{
		Key:      key,
		Globals:  config.Globals,
		Shutdown: signal,
		Out:      out.ch,
		Proxy:    config.Globals.Proxy.Merge(outer.Proxy),
	})
	if err != nil {
		return err
	}

	var f, control = fanout.New()
	var typetag = outer.Inner.SourceType()
	var pumpStop, pumpStopWire = NewTripwire()

	// The pump forwards from the source's channel into the fanout. It
	// drains whatever remains after the source completes, then stops.
	var pump = &Task{Key: key, Typetag: typetag, Run: func(ctx context.Context) error {
		for {
			select {
			case e := <-out.ch:
				telemetry.EventsSent.WithLabelValues(string(key)).Inc()
				if err := f.Send(ctx, e); err != nil {
					return err
				}
			case <-pumpStopWire:
				for {
					select {
					case e := <-out.ch:
						telemetry.EventsSent.WithLabelValues(string(key)).Inc()
						if err := f.Send(ctx, e); err != nil {
							return err
						}
					default:
						return nil
					}
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}}

	// The server races the source body against the force-shutdown
	// tripwire. If the tripwire resolves first, the source's goroutine
	// is abandoned: dropped on the floor, never joined.
	var server = &Task{Key: key, Typetag: typetag, Run: func(ctx context.Context) error {
		defer pieces.Shutdown.MarkComplete(key)
		defer pumpStop.Trip()

		var done = make(chan error, 1)
		go func() { done <- src.Run() }()

		select {
		case <-forceWire:
			return nil
		default:
		}
		select {
		case <-forceWire:
			return nil
		case err := <-done:
			if err != nil {
				return err
			}
			log.WithField("source", key).Debug("finished")
			return nil
		}
	}}

	pieces.Outputs[OutputID{Component: key}] = control
	pieces.Tasks[key] = pump
	pieces.SourceTasks[key] = server
	return nil
}

func buildTransform(
	pieces *Pieces,
	config *Config,
	key ComponentKey,
	outer *TransformOuter,
	registry *enrichment.Registry,
) error {
	var built, err = outer.Inner.Build(TransformContext{
		Key:        key,
		Globals:    config.Globals,
		Enrichment: registry,
	})
	if err != nil {
		return err
	}

	var input = newChanSender(100)
	var inputType = outer.Inner.InputType()
	var typetag = outer.Inner.TransformType()

	var task *Task
	switch {
	case built.Function != nil:
		var f, control = fanout.New()
		pieces.Outputs[OutputID{Component: key}] = control
		task = functionTransformTask(key, typetag, built.Function, input, inputType, f)

	case built.Fallible != nil:
		var ports = outer.Inner.NamedOutputs()
		if len(ports) != 1 {
			return errors.Errorf("fallible transform must declare exactly one error output, got %d", len(ports))
		}
		var f, control = fanout.New()
		var errF, errControl = fanout.New()
		pieces.Outputs[OutputID{Component: key}] = control
		pieces.Outputs[OutputID{Component: key, Port: ports[0]}] = errControl
		task = fallibleTransformTask(key, typetag, built.Fallible, input, inputType, f, errF)

	case built.Task != nil:
		var f, control = fanout.New()
		pieces.Outputs[OutputID{Component: key}] = control
		task = taskTransformTask(key, typetag, built.Task, input, inputType, f)

	default:
		return errors.New("transform build returned no shape")
	}

	pieces.Inputs[key] = &inputPiece{
		Sender:     input,
		Inputs:     outer.Inputs,
		CloseInput: input.Close,
	}
	pieces.Tasks[key] = task
	return nil
}

// admit applies event-type gating. Filtered events are dropped
// silently: their finalizers settle with the batch's default status.
func admit(key ComponentKey, inputType DataType, e event.Event) bool {
	if inputType.Contains(e.Type()) {
		return true
	}
	e.Finalizers().Drop()
	telemetry.EventsDiscarded.WithLabelValues(string(key)).Inc()
	return false
}

// readChunk pulls up to transformChunkSize buffered events, blocking
// only for the first. It returns false when the input is closed and
// drained.
func readChunk(ctx context.Context, in <-chan event.Event, chunk *[]event.Event) (bool, error) {
	*chunk = (*chunk)[:0]

	select {
	case e, ok := <-in:
		if !ok {
			return false, nil
		}
		*chunk = append(*chunk, e)
	case <-ctx.Done():
		return false, ctx.Err()
	}

	for len(*chunk) < transformChunkSize {
		select {
		case e, ok := <-in:
			if !ok {
				return true, nil
			}
			*chunk = append(*chunk, e)
		default:
			return true, nil
		}
	}
	return true, nil
}

func functionTransformTask(
	key ComponentKey,
	typetag string,
	t transforms.FunctionTransform,
	input *chanSender,
	inputType DataType,
	f *fanout.Fanout,
) *Task {
	return &Task{Key: key, Typetag: typetag, Run: func(ctx context.Context) error {
		var timer = telemetry.NewTimer(string(key))
		var lastReport = time.Now()
		var chunk, outputBuf []event.Event

		timer.StartWait()
		for {
			var ok, err = readChunk(ctx, input.ch, &chunk)
			if err != nil {
				return err
			}
			if !ok && len(chunk) == 0 {
				log.WithField("transform", key).Debug("finished")
				return nil
			}

			var stopped = timer.StopWait()
			if stopped.Sub(lastReport) >= telemetry.ReportInterval {
				timer.Report()
				lastReport = stopped
			}

			outputBuf = outputBuf[:0]
			for _, e := range chunk {
				if !admit(key, inputType, e) {
					continue
				}
				telemetry.EventsReceived.WithLabelValues(string(key)).Inc()
				t.Transform(&outputBuf, e)
			}
			telemetry.EventsSent.WithLabelValues(string(key)).Add(float64(len(outputBuf)))

			timer.StartWait()
			if err := f.SendAll(ctx, outputBuf); err != nil {
				return err
			}
			if !ok {
				log.WithField("transform", key).Debug("finished")
				return nil
			}
		}
	}}
}

func fallibleTransformTask(
	key ComponentKey,
	typetag string,
	t transforms.FallibleFunctionTransform,
	input *chanSender,
	inputType DataType,
	f, errF *fanout.Fanout,
) *Task {
	return &Task{Key: key, Typetag: typetag, Run: func(ctx context.Context) error {
		var timer = telemetry.NewTimer(string(key))
		var lastReport = time.Now()
		var chunk, outputBuf, errBuf []event.Event

		timer.StartWait()
		for {
			var ok, err = readChunk(ctx, input.ch, &chunk)
			if err != nil {
				return err
			}
			if !ok && len(chunk) == 0 {
				log.WithField("transform", key).Debug("finished")
				return nil
			}

			var stopped = timer.StopWait()
			if stopped.Sub(lastReport) >= telemetry.ReportInterval {
				timer.Report()
				lastReport = stopped
			}

			outputBuf, errBuf = outputBuf[:0], errBuf[:0]
			for _, e := range chunk {
				if !admit(key, inputType, e) {
					continue
				}
				telemetry.EventsReceived.WithLabelValues(string(key)).Inc()
				t.Transform(&outputBuf, &errBuf, e)
			}
			telemetry.EventsSent.WithLabelValues(string(key)).
				Add(float64(len(outputBuf) + len(errBuf)))

			timer.StartWait()
			if err := f.SendAll(ctx, outputBuf); err != nil {
				return err
			}
			if err := errF.SendAll(ctx, errBuf); err != nil {
				return err
			}
			if !ok {
				log.WithField("transform", key).Debug("finished")
				return nil
			}
		}
	}}
}

func taskTransformTask(
	key ComponentKey,
	typetag string,
	t transforms.TaskTransform,
	input *chanSender,
	inputType DataType,
	f *fanout.Fanout,
) *Task {
	return &Task{Key: key, Typetag: typetag, Run: func(ctx context.Context) error {
		var filtered = make(chan event.Event, 16)
		var out = make(chan event.Event, 16)

		var group, gctx = errgroup.WithContext(ctx)

		group.Go(func() error {
			defer close(filtered)
			for {
				select {
				case e, ok := <-input.ch:
					if !ok {
						return nil
					}
					if !admit(key, inputType, e) {
						continue
					}
					telemetry.EventsReceived.WithLabelValues(string(key)).Inc()
					select {
					case filtered <- e:
					case <-gctx.Done():
						return gctx.Err()
					}
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		})
		group.Go(func() error {
			defer close(out)
			return t.Run(gctx, filtered, out)
		})
		group.Go(func() error {
			for e := range out {
				telemetry.EventsSent.WithLabelValues(string(key)).Inc()
				if err := f.Send(gctx, e); err != nil {
					return err
				}
			}
			log.WithField("transform", key).Debug("finished")
			return nil
		})

		return group.Wait()
	}}
}

func buildSink(
	pieces *Pieces,
	config *Config,
	key ComponentKey,
	outer *SinkOuter,
	buffers map[ComponentKey]*buffer.Built,
) error {
	var typetag = outer.Inner.SinkType()
	var inputType = outer.Inner.InputType()

	// Reuse a surviving buffer from the prior topology if one exists;
	// otherwise materialize the configured variant. On a build failure
	// below, the buffer (and its buffered data) stays available for a
	// rebuild retry.
	var built = buffers[key]
	if built == nil {
		var b, err = buffer.Build(outer.Buffer, config.Globals.DataDir, string(key))
		if err != nil {
			return err
		}
		built = b
		buffers[key] = b
	}

	var enableHealthcheck = outer.Healthcheck && config.Globals.HealthchecksEnabled
	var sink, healthcheck, err = outer.Inner.Build(SinkContext{
		Key:                key,
		Globals:            config.Globals,
		Acker:              built.Acker,
		HealthcheckEnabled: enableHealthcheck,
		Proxy:              config.Globals.Proxy.Merge(outer.Proxy),
	})
	if err != nil {
		return err
	}

	var detachTrigger, detachWire = NewTripwire()

	var task = &Task{Key: key, Typetag: typetag, Run: func(ctx context.Context) error {
		var recv = &sinkReceiver{
			key:       key,
			inner:     built.Receiver,
			inputType: inputType,
			detach:    detachWire,
		}
		if err := sink.Run(ctx, recv); err != nil {
			return err
		}
		log.WithField("sink", key).Debug("finished")
		return nil
	}}

	var healthcheckTask = &Task{Key: key, Typetag: typetag, Run: func(ctx context.Context) error {
		if !enableHealthcheck || healthcheck == nil {
			log.WithField("sink", key).Info("healthcheck disabled")
			return nil
		}

		var hctx, cancel = context.WithTimeout(ctx, HealthcheckTimeout)
		defer cancel()

		switch err := healthcheck(hctx); {
		case err == nil:
			log.WithField("sink", key).Info("healthcheck passed")
		case hctx.Err() == context.DeadlineExceeded:
			log.WithFields(log.Fields{"sink": key, "type": typetag}).Error("healthcheck timed out")
		default:
			log.WithFields(log.Fields{"sink": key, "type": typetag, "err": err}).Error("healthcheck failed")
		}
		// Health errors are reported, never fatal.
		return nil
	}}

	pieces.Inputs[key] = &inputPiece{
		Sender: built.Sender,
		Inputs: outer.Inputs,
		CloseInput: func() {
			if err := built.Close(); err != nil {
				log.WithFields(log.Fields{"sink": key, "err": err}).Warn("failed to close sink buffer")
			}
		},
	}
	pieces.Tasks[key] = task
	pieces.Healthchecks[key] = healthcheckTask
	pieces.DetachTriggers[key] = detachTrigger
	pieces.Buffers[key] = built
	return nil
}

// sinkReceiver filters a buffer receiver by input type and severs the
// stream when its detach tripwire fires, leaving buffered events in
// place for a rebuilt sink.
type sinkReceiver struct {
	key       ComponentKey
	inner     buffer.Receiver
	inputType DataType
	detach    Tripwire
}

func (r *sinkReceiver) Next(ctx context.Context) (event.Event, error) {
	for {
		if r.detach.Fired() {
			return event.Event{}, io.EOF
		}

		var nctx, cancel = context.WithCancel(ctx)
		var stop = make(chan struct{})
		go func() {
			select {
			case <-r.detach:
				cancel()
			case <-stop:
			}
		}()

		var e, err = r.inner.Next(nctx)
		close(stop)
		cancel()

		if err != nil {
			if nctx.Err() != nil && ctx.Err() == nil && r.detach.Fired() {
				return event.Event{}, io.EOF
			}
			return event.Event{}, err
		}
		if !admit(r.key, r.inputType, e) {
			continue
		}
		telemetry.EventsReceived.WithLabelValues(string(r.key)).Inc()
		return e, nil
	}
}
