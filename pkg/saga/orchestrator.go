package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arlo-systems/eventbus/pkg/bus"
	"github.com/arlo-systems/eventbus/pkg/clock"
	"github.com/arlo-systems/eventbus/pkg/db/models"
	"github.com/arlo-systems/eventbus/pkg/enums"
	appErrors "github.com/arlo-systems/eventbus/pkg/errors"
	"github.com/arlo-systems/eventbus/pkg/event"
	"github.com/arlo-systems/eventbus/pkg/logger"
	"github.com/arlo-systems/eventbus/pkg/observe"
)

// Publisher is the outbound slice of the bus the orchestrator needs.
type Publisher interface {
	Publish(ctx context.Context, env *event.Envelope) error
}

// Config tunes orchestration behavior.
type Config struct {
	// CompensationRetries is how often a failed compensation is re-issued
	// before the saga goes terminal FAILED.
	CompensationRetries int
	// StepTimeout bounds how long a saga may sit without progress before
	// SweepStalled re-publishes its in-flight commands.
	StepTimeout time.Duration
}

func (c *Config) normalize() {
	if c.CompensationRetries <= 0 {
		c.CompensationRetries = 3
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 5 * time.Minute
	}
}

// Orchestrator drives saga instances through their step lists. It is the sole
// writer of saga state; remote services only ever see command events and
// publish reply events.
type Orchestrator struct {
	registry  *Registry
	repo      *Repository
	publisher Publisher
	clk       clock.Clock
	logg      *logger.Logger
	emitter   observe.Emitter
	cfg       Config
}

func NewOrchestrator(registry *Registry, repo *Repository, publisher Publisher, clk clock.Clock, logg *logger.Logger, emitter observe.Emitter, cfg Config) (*Orchestrator, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if repo == nil {
		return nil, errors.New("repository is required")
	}
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if clk == nil {
		clk = clock.New()
	}
	if emitter == nil {
		emitter = observe.Nop()
	}
	cfg.normalize()

	return &Orchestrator{
		registry:  registry,
		repo:      repo,
		publisher: publisher,
		clk:       clk,
		logg:      logg,
		emitter:   emitter,
		cfg:       cfg,
	}, nil
}

// Bind registers the orchestrator's reply handlers on the bus.
func (o *Orchestrator) Bind(b *bus.Bus) {
	for _, eventType := range []string{
		EventStepCompleted,
		EventStepFailed,
		EventCompensationCompleted,
		EventCompensationFailed,
	} {
		b.Subscribe(eventType, o.HandleReply)
	}
}

// state is the decoded JSON portion of a saga instance. Completed holds the
// names of steps that actually executed and succeeded, in completion order;
// Pending holds the names awaited from the current group.
type state struct {
	Context   map[string]any
	Completed []string
	Pending   []string
}

// Start creates a new saga instance and publishes the commands of its first
// applicable step group. State is persisted before any command leaves the
// process so a crash can be resumed.
func (o *Orchestrator) Start(ctx context.Context, sagaType string, sagaContext map[string]any, opts ...event.Option) (*models.SagaInstance, error) {
	def, ok := o.registry.Get(sagaType)
	if !ok {
		return nil, appErrors.New(appErrors.CodeValidation, fmt.Sprintf("unknown saga type %q", sagaType))
	}
	if sagaContext == nil {
		sagaContext = map[string]any{}
	}

	instance := &models.SagaInstance{
		ID:                uuid.New(),
		SagaType:          sagaType,
		Status:            enums.SagaRunning,
		CompensationIndex: -1,
		CorrelationID:     uuid.NewString(),
		Version:           1,
	}
	st := &state{Context: sagaContext}
	if err := saveState(instance, st); err != nil {
		return nil, err
	}
	if err := o.repo.Create(ctx, instance); err != nil {
		return nil, err
	}

	logCtx := o.sagaCtx(ctx, instance)
	o.emitter.Emit(logCtx, observe.EventSagaStarted, map[string]any{
		"saga_id":   instance.ID.String(),
		"saga_type": sagaType,
	})

	if err := o.advance(logCtx, def, instance, st, opts...); err != nil {
		return nil, err
	}
	return instance, nil
}

// HandleReply consumes one step-result event. Its signature matches the bus
// handler contract; a returned error nacks the delivery for retry.
func (o *Orchestrator) HandleReply(ctx context.Context, env *event.Envelope) error {
	var result StepResult
	if err := env.UnmarshalPayload(&result); err != nil {
		if o.logg != nil {
			o.logg.Warn(o.logg.WithField(ctx, "event_id", env.EventID.String()), "undecodable saga reply dropped")
		}
		return nil
	}
	if result.SagaID == uuid.Nil || result.Step == "" {
		return nil
	}

	instance, err := o.repo.FindByID(ctx, result.SagaID)
	if err != nil {
		if appErrors.HasCode(err, appErrors.CodeNotFound) {
			return nil
		}
		return err
	}
	if instance.Status.Terminal() {
		return nil
	}

	def, ok := o.registry.Get(instance.SagaType)
	if !ok {
		return appErrors.New(appErrors.CodeInternal, fmt.Sprintf("no definition for saga type %q", instance.SagaType))
	}
	st, err := loadState(instance)
	if err != nil {
		return err
	}

	logCtx := o.sagaCtx(ctx, instance)
	switch env.EventType {
	case EventStepCompleted:
		err = o.onStepCompleted(logCtx, def, instance, st, result)
	case EventStepFailed:
		err = o.onStepFailed(logCtx, def, instance, st, result)
	case EventCompensationCompleted:
		err = o.onCompensationCompleted(logCtx, def, instance, st, result)
	case EventCompensationFailed:
		err = o.onCompensationFailed(logCtx, def, instance, st, result)
	default:
		return nil
	}
	if appErrors.HasCode(err, appErrors.CodeStateConflict) {
		// a concurrent delivery advanced the saga first; nack so this reply is
		// reprocessed against the fresh state, where a true duplicate becomes
		// a no-op via the pending-set check
		if o.logg != nil {
			o.logg.Warn(logCtx, "saga version conflict, retrying reply")
		}
	}
	return err
}

func (o *Orchestrator) onStepCompleted(ctx context.Context, def *Definition, instance *models.SagaInstance, st *state, result StepResult) error {
	if !remove(&st.Pending, result.Step) {
		return nil
	}
	for key, value := range result.Output {
		st.Context[key] = value
	}
	st.Completed = append(st.Completed, result.Step)

	o.emitter.Emit(ctx, observe.EventSagaStepSuccess, map[string]any{
		"saga_id":   instance.ID.String(),
		"saga_type": instance.SagaType,
		"step":      result.Step,
	})

	if len(st.Pending) > 0 {
		return o.persist(ctx, instance, st)
	}

	// group drained; while compensating this was a late success of a
	// parallel member, which now joins the compensation set
	if instance.Status == enums.SagaCompensating {
		return o.beginCompensation(ctx, def, instance, st)
	}
	instance.CurrentStepIndex++
	return o.advance(ctx, def, instance, st)
}

func (o *Orchestrator) onStepFailed(ctx context.Context, def *Definition, instance *models.SagaInstance, st *state, result StepResult) error {
	if !remove(&st.Pending, result.Step) {
		return nil
	}

	o.emitter.Emit(ctx, observe.EventSagaStepFailure, map[string]any{
		"saga_id":   instance.ID.String(),
		"saga_type": instance.SagaType,
		"step":      result.Step,
		"error":     result.Error,
	})

	instance.Status = enums.SagaCompensating
	instance.LastError = stringPtr(fmt.Sprintf("step %s failed: %s", result.Step, result.Error))

	// with parallel members still in flight, wait for every reply before
	// compensating so late successes are included in the compensation set
	if len(st.Pending) > 0 {
		return o.persist(ctx, instance, st)
	}
	return o.beginCompensation(ctx, def, instance, st)
}

func (o *Orchestrator) onCompensationCompleted(ctx context.Context, def *Definition, instance *models.SagaInstance, st *state, result StepResult) error {
	if instance.Status != enums.SagaCompensating {
		return nil
	}
	if instance.CompensationIndex < 0 || instance.CompensationIndex >= len(st.Completed) {
		return nil
	}
	if st.Completed[instance.CompensationIndex] != result.Step {
		return nil
	}
	instance.CompensationAttempts = 0
	instance.CompensationIndex--
	return o.compensateNext(ctx, def, instance, st)
}

func (o *Orchestrator) onCompensationFailed(ctx context.Context, def *Definition, instance *models.SagaInstance, st *state, result StepResult) error {
	if instance.Status != enums.SagaCompensating {
		return nil
	}
	if instance.CompensationIndex < 0 || instance.CompensationIndex >= len(st.Completed) {
		return nil
	}
	stepName := st.Completed[instance.CompensationIndex]
	if stepName != result.Step {
		return nil
	}

	instance.CompensationAttempts++
	if instance.CompensationAttempts > o.cfg.CompensationRetries {
		instance.Status = enums.SagaFailed
		instance.LastError = stringPtr(fmt.Sprintf("compensation %s failed: %s", result.Step, result.Error))
		if err := o.persist(ctx, instance, st); err != nil {
			return err
		}
		o.emitter.Emit(ctx, observe.EventSagaFailed, map[string]any{
			"saga_id": instance.ID.String(),
			"step":    result.Step,
			"error":   result.Error,
		})
		if o.logg != nil {
			o.logg.Error(ctx, "saga compensation exhausted, manual intervention required",
				appErrors.New(appErrors.CodeCompensation, result.Error))
		}
		return nil
	}

	if err := o.persist(ctx, instance, st); err != nil {
		return err
	}
	step, ok := def.step(stepName)
	if !ok {
		return appErrors.New(appErrors.CodeInternal, fmt.Sprintf("saga %s references unknown step %q", instance.ID, stepName))
	}
	return o.publishCompensation(ctx, instance, st, step)
}

// advance walks the group list from CurrentStepIndex, skipping groups whose
// members are all filtered out by their conditions, and publishes the commands
// of the first applicable group. State is persisted before publishing.
func (o *Orchestrator) advance(ctx context.Context, def *Definition, instance *models.SagaInstance, st *state, opts ...event.Option) error {
	groups := def.groups()
	for instance.CurrentStepIndex < len(groups) {
		var applicable []Step
		for _, step := range groups[instance.CurrentStepIndex] {
			if step.Condition == nil || step.Condition(st.Context) {
				applicable = append(applicable, step)
			}
		}
		if len(applicable) == 0 {
			instance.CurrentStepIndex++
			continue
		}

		st.Pending = st.Pending[:0]
		for _, step := range applicable {
			st.Pending = append(st.Pending, step.Name)
		}
		if err := o.persist(ctx, instance, st); err != nil {
			return err
		}
		for _, step := range applicable {
			if err := o.publishCommand(ctx, instance, st, step, opts...); err != nil {
				return err
			}
		}
		return nil
	}
	return o.complete(ctx, instance, st)
}

func (o *Orchestrator) complete(ctx context.Context, instance *models.SagaInstance, st *state) error {
	instance.Status = enums.SagaCompleted
	st.Pending = nil
	if err := o.persist(ctx, instance, st); err != nil {
		return err
	}
	o.emitter.Emit(ctx, observe.EventSagaCompleted, map[string]any{
		"saga_id":   instance.ID.String(),
		"saga_type": instance.SagaType,
	})
	return nil
}

// beginCompensation points the compensation cursor at the most recently
// completed step and kicks off the first compensation command.
func (o *Orchestrator) beginCompensation(ctx context.Context, def *Definition, instance *models.SagaInstance, st *state) error {
	instance.CompensationIndex = len(st.Completed) - 1
	instance.CompensationAttempts = 0
	return o.compensateNext(ctx, def, instance, st)
}

// compensateNext publishes the compensation command at the cursor, skipping
// steps without one, or finishes the saga as COMPENSATED when the cursor runs
// out.
func (o *Orchestrator) compensateNext(ctx context.Context, def *Definition, instance *models.SagaInstance, st *state) error {
	for instance.CompensationIndex >= 0 {
		stepName := st.Completed[instance.CompensationIndex]
		step, ok := def.step(stepName)
		if !ok {
			return appErrors.New(appErrors.CodeInternal, fmt.Sprintf("saga %s references unknown step %q", instance.ID, stepName))
		}
		if step.CompensationCommand == "" {
			instance.CompensationIndex--
			continue
		}
		if err := o.persist(ctx, instance, st); err != nil {
			return err
		}
		return o.publishCompensation(ctx, instance, st, step)
	}

	instance.Status = enums.SagaCompensated
	if err := o.persist(ctx, instance, st); err != nil {
		return err
	}
	o.emitter.Emit(ctx, observe.EventSagaCompensated, map[string]any{
		"saga_id":   instance.ID.String(),
		"saga_type": instance.SagaType,
	})
	return nil
}

func (o *Orchestrator) publishCommand(ctx context.Context, instance *models.SagaInstance, st *state, step Step, opts ...event.Option) error {
	o.emitter.Emit(ctx, observe.EventSagaStepStart, map[string]any{
		"saga_id":   instance.ID.String(),
		"saga_type": instance.SagaType,
		"step":      step.Name,
	})
	return o.publish(ctx, instance, st, step.Name, step.Command, opts...)
}

func (o *Orchestrator) publishCompensation(ctx context.Context, instance *models.SagaInstance, st *state, step Step) error {
	o.emitter.Emit(ctx, observe.EventSagaCompensation, map[string]any{
		"saga_id":   instance.ID.String(),
		"saga_type": instance.SagaType,
		"step":      step.Name,
		"attempt":   instance.CompensationAttempts + 1,
	})
	return o.publish(ctx, instance, st, step.Name, step.CompensationCommand)
}

func (o *Orchestrator) publish(ctx context.Context, instance *models.SagaInstance, st *state, stepName, eventType string, opts ...event.Option) error {
	payload := StepCommand{
		SagaID:   instance.ID,
		SagaType: instance.SagaType,
		Step:     stepName,
		Context:  st.Context,
	}
	opts = append([]event.Option{event.WithCorrelationID(instance.CorrelationID)}, opts...)
	env, err := event.New(eventType, payload, opts...)
	if err != nil {
		return err
	}
	if err := o.publisher.Publish(ctx, env); err != nil {
		return appErrors.Wrap(appErrors.CodeBroker, err, fmt.Sprintf("publishing saga command %s", eventType))
	}
	return nil
}

// Resume reloads every non-terminal saga after a restart and republishes its
// in-flight commands. Remote handlers are idempotent on event replay, so a
// command that did reach them before the crash is harmless to send again.
func (o *Orchestrator) Resume(ctx context.Context) error {
	instances, err := o.repo.ListActive(ctx)
	if err != nil {
		return err
	}
	for i := range instances {
		if err := o.resumeInstance(ctx, &instances[i]); err != nil {
			return err
		}
	}
	return nil
}

// SweepStalled republishes in-flight commands for sagas that have not
// progressed within the step timeout. Returns how many were nudged.
func (o *Orchestrator) SweepStalled(ctx context.Context) (int, error) {
	instances, err := o.repo.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := o.clk.Now().Add(-o.cfg.StepTimeout)
	nudged := 0
	for i := range instances {
		if instances[i].UpdatedAt.After(cutoff) {
			continue
		}
		if err := o.resumeInstance(ctx, &instances[i]); err != nil {
			return nudged, err
		}
		nudged++
	}
	return nudged, nil
}

func (o *Orchestrator) resumeInstance(ctx context.Context, instance *models.SagaInstance) error {
	def, ok := o.registry.Get(instance.SagaType)
	if !ok {
		if o.logg != nil {
			o.logg.Warn(o.sagaCtx(ctx, instance), "cannot resume saga with unregistered type")
		}
		return nil
	}
	st, err := loadState(instance)
	if err != nil {
		return err
	}
	logCtx := o.sagaCtx(ctx, instance)

	switch instance.Status {
	case enums.SagaRunning:
		if len(st.Pending) == 0 {
			// crashed between instance creation and first group persist
			return o.advance(logCtx, def, instance, st)
		}
		for _, stepName := range st.Pending {
			step, ok := def.step(stepName)
			if !ok {
				return appErrors.New(appErrors.CodeInternal, fmt.Sprintf("saga %s references unknown step %q", instance.ID, stepName))
			}
			if err := o.publishCommand(logCtx, instance, st, step); err != nil {
				return err
			}
		}
	case enums.SagaCompensating:
		if len(st.Pending) > 0 {
			// still draining parallel replies, nothing to republish
			return nil
		}
		if instance.CompensationIndex < 0 || instance.CompensationIndex >= len(st.Completed) {
			return o.compensateNext(logCtx, def, instance, st)
		}
		step, ok := def.step(st.Completed[instance.CompensationIndex])
		if !ok {
			return appErrors.New(appErrors.CodeInternal, fmt.Sprintf("saga %s references unknown step %q", instance.ID, st.Completed[instance.CompensationIndex]))
		}
		if err := o.publishCompensation(logCtx, instance, st, step); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) persist(ctx context.Context, instance *models.SagaInstance, st *state) error {
	if err := saveState(instance, st); err != nil {
		return err
	}
	return o.repo.Update(ctx, instance, o.clk.Now())
}

func (o *Orchestrator) sagaCtx(ctx context.Context, instance *models.SagaInstance) context.Context {
	if o.logg == nil {
		return ctx
	}
	return o.logg.WithFields(ctx, map[string]any{
		"saga_id":        instance.ID.String(),
		"saga_type":      instance.SagaType,
		"correlation_id": instance.CorrelationID,
	})
}

func loadState(instance *models.SagaInstance) (*state, error) {
	st := &state{Context: map[string]any{}}
	if len(instance.Context) > 0 {
		if err := json.Unmarshal(instance.Context, &st.Context); err != nil {
			return nil, appErrors.Wrap(appErrors.CodeInternal, err, "decoding saga context")
		}
	}
	if len(instance.CompletedSteps) > 0 {
		if err := json.Unmarshal(instance.CompletedSteps, &st.Completed); err != nil {
			return nil, appErrors.Wrap(appErrors.CodeInternal, err, "decoding completed steps")
		}
	}
	if len(instance.PendingSteps) > 0 {
		if err := json.Unmarshal(instance.PendingSteps, &st.Pending); err != nil {
			return nil, appErrors.Wrap(appErrors.CodeInternal, err, "decoding pending steps")
		}
	}
	return st, nil
}

func saveState(instance *models.SagaInstance, st *state) error {
	contextJSON, err := json.Marshal(st.Context)
	if err != nil {
		return appErrors.Wrap(appErrors.CodeInternal, err, "encoding saga context")
	}
	completed := st.Completed
	if completed == nil {
		completed = []string{}
	}
	completedJSON, err := json.Marshal(completed)
	if err != nil {
		return appErrors.Wrap(appErrors.CodeInternal, err, "encoding completed steps")
	}
	pending := st.Pending
	if pending == nil {
		pending = []string{}
	}
	pendingJSON, err := json.Marshal(pending)
	if err != nil {
		return appErrors.Wrap(appErrors.CodeInternal, err, "encoding pending steps")
	}
	instance.Context = contextJSON
	instance.CompletedSteps = completedJSON
	instance.PendingSteps = pendingJSON
	return nil
}

func remove(list *[]string, value string) bool {
	for i, item := range *list {
		if item == value {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

func stringPtr(value string) *string { return &value }
