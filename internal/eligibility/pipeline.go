package eligibility

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Recorder persists job output and side effects. Persistence failures are
// contained as warnings; they never fail a job that produced usable output.
type Recorder interface {
	SetJobState(ctx context.Context, jobID string, state JobState) error
	SaveSimilarTrials(ctx context.Context, jobID string, req Request, docs []ScoredDocument) error
	SaveJobResult(ctx context.Context, result Result) error
	SaveNotification(ctx context.Context, jobID, userName, message string) error
	UpdateWorkflowStatus(ctx context.Context, jobID, step, status string) error
}

type Pipeline struct {
	retriever   *Retriever
	filter      *FilterStage
	scorer      *Scorer
	synthesizer *Synthesizer
	categorizer *Categorizer
	merger      *Merger
	metrics     *MetricsExtractor
	store       Recorder
	tracer      trace.Tracer
}

func NewPipeline(retriever *Retriever, filter *FilterStage, scorer *Scorer, synthesizer *Synthesizer, categorizer *Categorizer, merger *Merger, metrics *MetricsExtractor, store Recorder) *Pipeline {
	return &Pipeline{
		retriever:   retriever,
		filter:      filter,
		scorer:      scorer,
		synthesizer: synthesizer,
		categorizer: categorizer,
		merger:      merger,
		metrics:     metrics,
		store:       store,
		tracer:      otel.Tracer("trial-criteria"),
	}
}

type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

func StageNameFromError(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return "pipeline"
}

// Run executes the full job: retrieval fan-out, metadata filtering, weighted
// scoring, per-document synthesis, categorization, merge, user criteria
// categorization and value metrics, then persists the record and side
// effects. The job fails only when a structural stage produced no usable
// output; per-item failures accumulate in Warnings.
func (p *Pipeline) Run(ctx context.Context, req Request) (Result, error) {
	res := Result{
		JobID:               strings.TrimSpace(req.JobID),
		State:               JobPending,
		CategorizedData:     map[string]CategorizedCriteria{},
		UserCategorizedData: map[string]CategorizedCriteria{},
		Metrics:             []ValueMetric{},
		Warnings:            []string{},
		Metadata:            RunMetadata{StartedAt: time.Now(), Model: p.modelName()},
	}
	if res.JobID == "" {
		return res, errors.New("ecid is required")
	}
	req.JobID = res.JobID

	hasInput := false
	for _, c := range req.Criteria() {
		if strings.TrimSpace(c.Text) != "" {
			hasInput = true
			break
		}
	}
	if !hasInput {
		return res, errors.New("at least one non-empty search criterion is required")
	}

	res.State = JobRunning
	p.recordState(ctx, &res, JobRunning)
	log.Printf("trial-criteria job_start ecid=%s", res.JobID)

	retrieved, err := p.runRetrieval(ctx, req, &res)
	if err != nil {
		return p.fail(ctx, res, &StageError{Stage: "retrieval", Err: err})
	}

	filtered := p.runFilter(ctx, retrieved.Documents, req.Filters, &res)

	scored, err := p.runScoring(ctx, req, filtered, &res)
	if err != nil {
		return p.fail(ctx, res, &StageError{Stage: "scoring", Err: err})
	}
	res.Documents = scored
	res.Metadata.DocumentsRetained = len(scored)

	// Persist the scored list even when empty; an empty filtered set is a
	// valid outcome, not a failure.
	if err := p.store.SaveSimilarTrials(ctx, res.JobID, req, scored); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("similar trials persistence failed: %v", err))
		log.Printf("trial-criteria similar_trials_save_failed ecid=%s err=%q", res.JobID, err.Error())
	}

	if len(scored) > 0 {
		if err := p.runSynthesis(ctx, req, scored, &res); err != nil {
			return p.fail(ctx, res, &StageError{Stage: "synthesis", Err: err})
		}
		p.runCategorize(ctx, &res)
		if err := p.runMerge(ctx, &res); err != nil {
			return p.fail(ctx, res, &StageError{Stage: "merge", Err: err})
		}
		p.runMetrics(ctx, scored, &res)
	}
	p.runUserCategorize(ctx, req, &res)

	res.State = JobCompleted
	res.Metadata.CompletedAt = time.Now()
	res.Metadata.DurationMS = res.Metadata.CompletedAt.Sub(res.Metadata.StartedAt).Milliseconds()

	if err := p.store.SaveJobResult(ctx, res); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("job record persistence failed: %v", err))
		log.Printf("trial-criteria job_save_failed ecid=%s err=%q", res.JobID, err.Error())
	}
	p.recordState(ctx, &res, JobCompleted)
	p.recordSideEffects(ctx, req, &res)

	log.Printf("trial-criteria job_done ecid=%s retained=%d inclusion=%d exclusion=%d warnings=%d elapsed_ms=%d",
		res.JobID, len(res.Documents), len(res.GeneratedInclusion), len(res.GeneratedExclusion), len(res.Warnings), res.Metadata.DurationMS)
	return res, nil
}

func (p *Pipeline) runRetrieval(ctx context.Context, req Request, res *Result) (RetrievalOutput, error) {
	ctx, span := p.tracer.Start(ctx, "retrieval")
	defer span.End()
	out, err := p.retriever.Run(ctx, req)
	res.Warnings = append(res.Warnings, out.Warnings...)
	res.Metadata.SectionsQueried = out.SectionsQueried
	res.Metadata.SectionsFailed = out.SectionsFailed
	res.Metadata.DocumentsRetrieved = len(out.Documents)
	span.SetAttributes(attribute.Int("documents", len(out.Documents)), attribute.Int("sections_failed", out.SectionsFailed))
	return out, err
}

func (p *Pipeline) runFilter(ctx context.Context, docs []UniqueDocument, filters Filters, res *Result) []UniqueDocument {
	ctx, span := p.tracer.Start(ctx, "filter")
	defer span.End()
	kept, warnings := p.filter.Run(ctx, docs, filters)
	res.Warnings = append(res.Warnings, warnings...)
	span.SetAttributes(attribute.Int("kept", len(kept)))
	return kept
}

func (p *Pipeline) runScoring(ctx context.Context, req Request, docs []UniqueDocument, res *Result) ([]ScoredDocument, error) {
	ctx, span := p.tracer.Start(ctx, "scoring")
	defer span.End()
	scored, warnings, err := p.scorer.Run(ctx, req, docs)
	res.Warnings = append(res.Warnings, warnings...)
	span.SetAttributes(attribute.Int("retained", len(scored)))
	return scored, err
}

func (p *Pipeline) runSynthesis(ctx context.Context, req Request, docs []ScoredDocument, res *Result) error {
	ctx, span := p.tracer.Start(ctx, "synthesis")
	defer span.End()
	out, err := p.synthesizer.Run(ctx, req, docs)
	res.Warnings = append(res.Warnings, out.Warnings...)
	res.Metadata.SynthesisFailed = out.TasksFailed
	res.Metadata.GeneratorCalls += out.GeneratorCalls
	if err != nil {
		return err
	}
	res.GeneratedInclusion = out.Inclusion
	res.GeneratedExclusion = out.Exclusion
	span.SetAttributes(attribute.Int("inclusion", len(out.Inclusion)), attribute.Int("exclusion", len(out.Exclusion)), attribute.Int("failed", out.TasksFailed))
	return nil
}

func (p *Pipeline) runCategorize(ctx context.Context, res *Result) {
	ctx, span := p.tracer.Start(ctx, "categorize")
	defer span.End()
	all := append(append([]CandidateCriterion{}, res.GeneratedInclusion...), res.GeneratedExclusion...)
	classified, m, err := p.categorizer.CategorizeGenerated(ctx, all)
	res.Metadata.GeneratorCalls += m.Attempts
	if err != nil {
		// Degraded: every criterion lands in "Other" so the merge stage
		// still runs.
		res.Warnings = append(res.Warnings, fmt.Sprintf("categorization failed: %v", err))
		log.Printf("trial-criteria categorize_failed err=%q", err.Error())
		for i := range res.GeneratedInclusion {
			res.GeneratedInclusion[i].Category = "Other"
		}
		for i := range res.GeneratedExclusion {
			res.GeneratedExclusion[i].Category = "Other"
		}
		return
	}
	nInclusion := len(res.GeneratedInclusion)
	res.GeneratedInclusion = classified[:nInclusion]
	res.GeneratedExclusion = classified[nInclusion:]
}

func (p *Pipeline) runMerge(ctx context.Context, res *Result) error {
	ctx, span := p.tracer.Start(ctx, "merge")
	defer span.End()
	out, err := p.merger.Run(ctx, res.GeneratedInclusion, res.GeneratedExclusion)
	res.Warnings = append(res.Warnings, out.Warnings...)
	res.Metadata.MergeFailed = out.TasksFailed
	res.Metadata.GeneratorCalls += out.GeneratorCalls
	if err != nil {
		return err
	}
	res.CategorizedData = out.Categorized
	span.SetAttributes(attribute.Int("partitions_failed", out.TasksFailed))
	return nil
}

func (p *Pipeline) runUserCategorize(ctx context.Context, req Request, res *Result) {
	ctx, span := p.tracer.Start(ctx, "categorize_user")
	defer span.End()
	out, m, err := p.categorizer.CategorizeUserCriteria(ctx, req.InclusionCriteria, req.ExclusionCriteria)
	res.Metadata.GeneratorCalls += m.Attempts
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("user criteria categorization failed: %v", err))
		log.Printf("trial-criteria categorize_user_failed err=%q", err.Error())
		return
	}
	res.UserCategorizedData = out
}

func (p *Pipeline) runMetrics(ctx context.Context, docs []ScoredDocument, res *Result) {
	ctx, span := p.tracer.Start(ctx, "metrics")
	defer span.End()
	metrics, warnings, err := p.metrics.Run(ctx, docs)
	res.Warnings = append(res.Warnings, warnings...)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("metrics extraction failed: %v", err))
		log.Printf("trial-criteria metrics_failed err=%q", err.Error())
		return
	}
	res.Metrics = metrics
	span.SetAttributes(attribute.Int("values", len(metrics)))
}

func (p *Pipeline) fail(ctx context.Context, res Result, stageErr *StageError) (Result, error) {
	res.State = JobFailed
	res.Metadata.CompletedAt = time.Now()
	res.Metadata.DurationMS = res.Metadata.CompletedAt.Sub(res.Metadata.StartedAt).Milliseconds()
	p.recordState(ctx, &res, JobFailed)
	log.Printf("trial-criteria job_failed ecid=%s stage=%s err=%q", res.JobID, stageErr.Stage, stageErr.Err.Error())
	return res, stageErr
}

func (p *Pipeline) recordState(ctx context.Context, res *Result, state JobState) {
	if err := p.store.SetJobState(ctx, res.JobID, state); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("job state update failed: %v", err))
		log.Printf("trial-criteria job_state_update_failed ecid=%s state=%s err=%q", res.JobID, state, err.Error())
	}
}

// recordSideEffects fires the completion notification and workflow status
// update. Both are best-effort.
func (p *Pipeline) recordSideEffects(ctx context.Context, req Request, res *Result) {
	message := fmt.Sprintf("Eligibility criteria generation completed for %s", res.JobID)
	if err := p.store.SaveNotification(ctx, res.JobID, req.UserName, message); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("notification persistence failed: %v", err))
		log.Printf("trial-criteria notification_save_failed ecid=%s err=%q", res.JobID, err.Error())
	}
	if err := p.store.UpdateWorkflowStatus(ctx, res.JobID, WorkflowStepTrialService, "completed"); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("workflow status update failed: %v", err))
		log.Printf("trial-criteria workflow_update_failed ecid=%s err=%q", res.JobID, err.Error())
	}
}

func (p *Pipeline) modelName() string {
	if p.synthesizer != nil && p.synthesizer.exec != nil {
		return p.synthesizer.exec.ModelName()
	}
	return DefaultLLMModel
}
