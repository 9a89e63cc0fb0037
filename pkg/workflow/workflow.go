// Package workflow orchestrates the event pipeline: normalize, derive
// facts, score risk, evaluate policies, update the knowledge graph, and
// publish the portal digest. Events are processed on keyed lanes so one
// pull request's events apply in order while distinct keys proceed in
// parallel. Every activity is idempotent; a redelivered message reruns
// the pipeline and converges.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/gitguard-io/gitguard/pkg/dedup"
	"github.com/gitguard-io/gitguard/pkg/event"
	"github.com/gitguard-io/gitguard/pkg/graph"
	"github.com/gitguard-io/gitguard/pkg/observability"
	"github.com/gitguard-io/gitguard/pkg/owners"
	"github.com/gitguard-io/gitguard/pkg/policy"
	"github.com/gitguard-io/gitguard/pkg/portal"
	"github.com/gitguard-io/gitguard/pkg/risk"
	"github.com/gitguard-io/gitguard/pkg/stream"
)

// Activity names, used for metrics and fault points.
const (
	ActivityNormalize   = "normalize"
	ActivityDeriveFacts = "derive_facts"
	ActivityScoreRisk   = "score_risk"
	ActivityEvaluate    = "evaluate_policies"
	ActivityUpdateGraph = "update_graph"
	ActivityPublish     = "publish_portal"
	ActivityOwners      = "recompute_owners"
)

// Config tunes the engine. Zero values take defaults.
type Config struct {
	Lanes           int           // keyed worker lanes (default 4)
	ActivityTimeout time.Duration // per-activity budget (default 30s)
	PublishTimeout  time.Duration // portal publish budget (default 120s)
	Deadline        time.Duration // whole-pipeline budget (default 10m)
	OwnersDebounce  time.Duration // quiet period before owners recompute (default 10s)
	GraphDepth      int           // digest neighborhood depth (default 2)
	GraphMaxNodes   int           // digest neighborhood cap (default 50)
	Timezone        string        // IANA zone for policy time rules (default UTC)
	DedupRetention  time.Duration // seen-delivery ledger retention (default dedup.RetentionDefault)
}

func (c Config) withDefaults() Config {
	if c.Lanes <= 0 {
		c.Lanes = 4
	}
	if c.ActivityTimeout <= 0 {
		c.ActivityTimeout = 30 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 120 * time.Second
	}
	if c.Deadline <= 0 {
		c.Deadline = 10 * time.Minute
	}
	if c.OwnersDebounce <= 0 {
		c.OwnersDebounce = 10 * time.Second
	}
	if c.GraphDepth <= 0 {
		c.GraphDepth = 2
	}
	if c.GraphMaxNodes <= 0 {
		c.GraphMaxNodes = 50
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.DedupRetention <= 0 {
		c.DedupRetention = dedup.RetentionDefault
	}
	return c
}

// Deps are the engine's collaborators.
type Deps struct {
	Stream      stream.Stream
	Ledger      dedup.Ledger
	Normalizer  *event.Normalizer
	Scorer      *risk.Scorer
	Policies    *policy.Engine
	Graph       graph.Store
	Owners      *owners.Index
	Publisher   *portal.Publisher
	Checkpoints CheckpointStore
	Obs         *observability.Provider
	SLO         *observability.FreshnessSLO
	Faults      *observability.FaultRegistry
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Engine runs the pipeline.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	clock  func() time.Time

	lanes      []chan laneJob
	ownersPing chan struct{}
}

type laneJob struct {
	e    event.Event
	msg  stream.Message
	done chan error
}

func NewEngine(cfg Config, deps Deps) *Engine {
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	eng := &Engine{
		cfg:        cfg,
		deps:       deps,
		logger:     deps.Logger.With("component", "workflow"),
		clock:      deps.Clock,
		ownersPing: make(chan struct{}, 1),
	}
	eng.lanes = make([]chan laneJob, cfg.Lanes)
	for i := range eng.lanes {
		eng.lanes[i] = make(chan laneJob, 16)
	}
	return eng
}

// Subjects the engine consumes.
func Subjects() []string {
	return event.Subjects()
}

// Run starts lane workers, the owners debouncer, and the stream
// consumers, then blocks until ctx is cancelled.
func (eng *Engine) Run(ctx context.Context, subjects []string) error {
	var wg sync.WaitGroup
	for i, lane := range eng.lanes {
		wg.Add(1)
		go func(i int, lane chan laneJob) {
			defer wg.Done()
			eng.runLane(ctx, lane)
		}(i, lane)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.runOwnersDebouncer(ctx)
	}()

	// One group consumer per subject. The subscribe loop dispatches
	// entries synchronously, so each subject is consumed in log order;
	// running several consumers over the same subject would race
	// same-key messages past each other before they reach a lane.
	errs := make(chan error, len(subjects))
	for _, subject := range subjects {
		wg.Add(1)
		go func(subject string) {
			defer wg.Done()
			errs <- eng.deps.Stream.Subscribe(ctx, "worker-"+subject, []string{subject}, eng.handle)
		}(subject)
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// handle is the stream handler: normalize (malformed input is terminal),
// then route onto the event key's lane and wait for the outcome so the
// ack decision reflects actual processing.
func (eng *Engine) handle(ctx context.Context, msg stream.Message) error {
	kind := event.Kind(msg.Headers["kind"])
	receivedAt := eng.parseReceivedAt(msg)

	var e event.Event
	err := eng.runActivity(ctx, msg.Headers["delivery"], ActivityNormalize, eng.cfg.ActivityTimeout, func(context.Context) error {
		var nErr error
		e, nErr = eng.deps.Normalizer.Normalize(kind, msg.Data, receivedAt)
		return nErr
	})
	if err != nil {
		if errors.Is(err, event.ErrMalformed) || errors.Is(err, event.ErrUnknownKind) {
			eng.recordResult(ctx, observability.ResultDLQ)
			eng.logger.Warn("unprocessable event parked",
				"subject", msg.Subject, "delivery", msg.Headers["delivery"], "error", err)
			return fmt.Errorf("%w: %w", stream.ErrTerminal, err)
		}
		return err
	}

	job := laneJob{e: e, msg: msg, done: make(chan error, 1)}
	lane := eng.lanes[laneFor(e.Key(), len(eng.lanes))]
	select {
	case lane <- job:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func laneFor(key string, lanes int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(lanes))
}

func (eng *Engine) runLane(ctx context.Context, lane chan laneJob) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-lane:
			job.done <- eng.process(ctx, job.e, job.msg)
		}
	}
}

// process runs the pipeline for one normalized event.
func (eng *Engine) process(ctx context.Context, e event.Event, msg stream.Message) error {
	ctx, cancel := context.WithTimeout(ctx, eng.cfg.Deadline)
	defer cancel()

	delivery := msg.Headers["delivery"]
	digest, _ := event.Digest(e)

	// A redelivery of work that already ran to completion is a no-op:
	// the checkpoint holds the digest of the last fully published event
	// for this key.
	if eng.deps.Checkpoints != nil && digest != "" {
		if cp, err := eng.deps.Checkpoints.Last(ctx, e.Key()); err == nil &&
			cp.Stage == ActivityPublish && cp.Digest == digest {
			eng.recordResult(ctx, observability.ResultDuplicate)
			eng.logger.Info("redelivery already completed, skipping",
				"key", e.Key(), "delivery", delivery)
			return nil
		}
	}

	var facts event.ChangeFacts
	if err := eng.runActivity(ctx, delivery, ActivityDeriveFacts, eng.cfg.ActivityTimeout, func(context.Context) error {
		facts = eng.deps.Normalizer.DeriveFacts(e)
		return nil
	}); err != nil {
		return err
	}

	var score risk.Score
	if err := eng.runActivity(ctx, delivery, ActivityScoreRisk, eng.cfg.ActivityTimeout, func(context.Context) error {
		score = eng.deps.Scorer.Compute(facts)
		return nil
	}); err != nil {
		return err
	}

	var decision policy.Decision
	if err := eng.runActivity(ctx, delivery, ActivityEvaluate, eng.cfg.ActivityTimeout, func(actx context.Context) error {
		input := policy.BuildInput(e, facts, score, eng.clock(), eng.cfg.Timezone)
		var pErr error
		decision, pErr = eng.deps.Policies.Evaluate(actx, input)
		return pErr
	}); err != nil {
		return err
	}

	if err := eng.runActivity(ctx, delivery, ActivityUpdateGraph, eng.cfg.ActivityTimeout, func(actx context.Context) error {
		return eng.updateGraph(actx, e, facts, score, decision)
	}); err != nil {
		return err
	}
	eng.markOwnersDirty()

	if err := eng.runActivity(ctx, delivery, ActivityPublish, eng.cfg.PublishTimeout, func(actx context.Context) error {
		return eng.publishDigest(actx, e, facts, score, decision)
	}); err != nil {
		return err
	}

	now := eng.clock()
	if eng.deps.Checkpoints != nil {
		cp := Checkpoint{Key: e.Key(), Stage: ActivityPublish, Digest: digest, SavedAt: now}
		if err := eng.deps.Checkpoints.Save(ctx, cp); err != nil {
			eng.logger.Warn("checkpoint save failed", "key", e.Key(), "error", err)
		}
	}

	receivedAt := eng.parseReceivedAt(msg)
	freshness := now.Sub(receivedAt)
	if eng.deps.SLO != nil {
		eng.deps.SLO.Record(freshness)
	}
	if eng.deps.Obs != nil {
		eng.deps.Obs.RecordFreshness(ctx, freshness)
	}
	eng.recordResult(ctx, observability.ResultOK)

	eng.logger.Info("event processed",
		"key", e.Key(),
		"subject", msg.Subject,
		"risk", score.Value,
		"allow", decision.Allow,
		"freshness_ms", freshness.Milliseconds())
	return nil
}

func (eng *Engine) runActivity(ctx context.Context, delivery, name string, timeout time.Duration, fn func(context.Context) error) error {
	if eng.deps.Faults != nil {
		if err := eng.deps.Faults.Check(delivery, name); err != nil {
			if eng.deps.Obs != nil {
				eng.deps.Obs.RecordChaos(ctx, name)
			}
			eng.logger.Warn("fault injected", "activity", name, "delivery", delivery)
			return err
		}
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := eng.clock()
	err := fn(actx)
	if eng.deps.Obs != nil {
		eng.deps.Obs.RecordActivity(ctx, name, eng.clock().Sub(start), err)
	}
	if err == nil && eng.deps.Faults != nil && eng.deps.Faults.Fired(delivery, name) > 0 {
		// The activity recovered after an injected failure on this
		// delivery: the drill succeeded end to end.
		if eng.deps.Obs != nil {
			eng.deps.Obs.RecordChaosSuccess(ctx, name)
		}
	}
	return err
}

// updateGraph upserts the event's nodes and edges. Keyed on identity,
// so replays converge.
func (eng *Engine) updateGraph(ctx context.Context, e event.Event, facts event.ChangeFacts, score risk.Score, decision policy.Decision) error {
	s := eng.deps.Graph
	now := eng.clock()

	repoRef := graph.NodeRef{Type: graph.NodeRepo, Key: e.Repo.FullName()}
	if err := s.UpsertNode(ctx, graph.Node{Ref: repoRef, UpdatedAt: now}); err != nil {
		return err
	}

	var subjectRef graph.NodeRef
	switch {
	case e.Number > 0:
		subjectRef = graph.NodeRef{Type: graph.NodePR, Key: e.Key()}
	case e.Tag != "":
		subjectRef = graph.NodeRef{Type: graph.NodeRelease, Key: e.Key()}
	default:
		subjectRef = graph.NodeRef{Type: graph.NodePR, Key: e.Key()}
	}
	subject := graph.Node{
		Ref: subjectRef,
		Props: map[string]any{
			"title":       e.Title,
			"action":      e.Action,
			"change_type": string(facts.ChangeType),
			"risk":        score.Value,
			"allow":       decision.Allow,
		},
		UpdatedAt: now,
	}
	if err := s.UpsertNode(ctx, subject); err != nil {
		return err
	}
	if err := s.UpsertEdge(ctx, graph.Edge{Src: subjectRef, Rel: graph.RelInRepo, Dst: repoRef, UpdatedAt: now}); err != nil {
		return err
	}

	if e.Actor != "" {
		actorRef := graph.NodeRef{Type: graph.NodeActor, Key: e.Actor}
		if err := s.UpsertNode(ctx, graph.Node{Ref: actorRef, UpdatedAt: now}); err != nil {
			return err
		}
		if err := s.UpsertEdge(ctx, graph.Edge{Src: actorRef, Rel: graph.RelAuthored, Dst: subjectRef, UpdatedAt: now}); err != nil {
			return err
		}
	}

	for _, f := range e.Files {
		fileRef := graph.NodeRef{Type: graph.NodeFile, Key: f}
		if err := s.UpsertNode(ctx, graph.Node{Ref: fileRef, UpdatedAt: now}); err != nil {
			return err
		}
		if err := s.UpsertEdge(ctx, graph.Edge{Src: subjectRef, Rel: graph.RelTouches, Dst: fileRef, UpdatedAt: now}); err != nil {
			return err
		}
	}

	// Every rule that fired gets a policy node and a governed_by edge,
	// so the digest neighborhood explains which rules shaped the
	// decision.
	for _, receipt := range decision.Receipts {
		if !receipt.Fired {
			continue
		}
		policyRef := graph.NodeRef{Type: graph.NodePolicy, Key: receipt.RuleName}
		if err := s.UpsertNode(ctx, graph.Node{
			Ref:       policyRef,
			Props:     map[string]any{"bundle": decision.BundleHash},
			UpdatedAt: now,
		}); err != nil {
			return err
		}
		if err := s.UpsertEdge(ctx, graph.Edge{Src: subjectRef, Rel: graph.RelGovernedBy, Dst: policyRef, UpdatedAt: now}); err != nil {
			return err
		}
	}
	return nil
}

func (eng *Engine) publishDigest(ctx context.Context, e event.Event, facts event.ChangeFacts, score risk.Score, decision policy.Decision) error {
	if eng.deps.Publisher == nil {
		return nil
	}
	var subjectRef graph.NodeRef
	if e.Tag != "" && e.Number == 0 {
		subjectRef = graph.NodeRef{Type: graph.NodeRelease, Key: e.Key()}
	} else {
		subjectRef = graph.NodeRef{Type: graph.NodePR, Key: e.Key()}
	}

	sub, err := graph.Neighborhood(ctx, eng.deps.Graph, subjectRef, eng.cfg.GraphDepth, eng.cfg.GraphMaxNodes)
	if err != nil && !errors.Is(err, graph.ErrNotFound) {
		return err
	}

	_, err = eng.deps.Publisher.PublishDigest(ctx, portal.DigestInput{
		Event:       e,
		Facts:       facts,
		Score:       score,
		Decision:    decision,
		Graph:       sub,
		PublishedAt: eng.clock(),
	})
	return err
}

// markOwnersDirty schedules a debounced ownership recompute.
func (eng *Engine) markOwnersDirty() {
	select {
	case eng.ownersPing <- struct{}{}:
	default:
	}
}

// runOwnersDebouncer coalesces graph updates: the recompute runs once
// the pings have been quiet for OwnersDebounce.
func (eng *Engine) runOwnersDebouncer(ctx context.Context) {
	timer := time.NewTimer(eng.cfg.OwnersDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-eng.ownersPing:
			if armed && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(eng.cfg.OwnersDebounce)
			armed = true
		case <-timer.C:
			armed = false
			if err := eng.recomputeOwners(ctx); err != nil && !errors.Is(err, context.Canceled) {
				eng.logger.Error("owners recompute failed", "error", err)
			}
		}
	}
}

func (eng *Engine) recomputeOwners(ctx context.Context) error {
	if eng.deps.Owners == nil {
		return nil
	}
	return eng.runActivity(ctx, "", ActivityOwners, eng.cfg.ActivityTimeout, func(actx context.Context) error {
		byOwner, err := owners.Recompute(actx, eng.deps.Graph, eng.deps.Owners, eng.clock())
		if err != nil {
			return err
		}
		if eng.deps.Publisher == nil {
			return nil
		}
		return eng.deps.Publisher.PublishOwners(actx, byOwner, eng.clock())
	})
}

func (eng *Engine) parseReceivedAt(msg stream.Message) time.Time {
	if raw := msg.Headers["received_at"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t
		}
	}
	return eng.clock()
}

func (eng *Engine) recordResult(ctx context.Context, result string) {
	if eng.deps.Obs != nil {
		eng.deps.Obs.RecordEvent(ctx, result)
	}
}
