// Package harness implements the ablation experiment driver (spec
// §4.12): for every sample x ablation config pair, run the orchestrator
// pipeline, score the result, and persist trace + metrics as run
// artifacts. Concurrency is bounded at the segment level with a raw
// semaphore-gated worker pool rather than golang.org/x/sync/errgroup,
// because one segment's LayerFailure must never cancel its siblings —
// errgroup's first-error cancellation is the wrong shape here (contrast
// internal/preprocess, which IS a correct errgroup use).
package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"legalmt/internal/artifact"
	"legalmt/internal/config"
	"legalmt/internal/domain"
	"legalmt/internal/metrics"
	"legalmt/internal/orchestrator"
)

// SegmentResult is one (segment, ablation config) outcome.
type SegmentResult struct {
	AblationName string
	SegmentID    string
	Trace        domain.PipelineTrace
	Metrics      map[string]float64
	Reused       bool // true when extracted from a wider config's trace rather than re-run
	Err          error
}

// Report is the full output of one harness run, the shape persisted to
// the artifact store under the run ID.
type Report struct {
	RunID     string
	Ablations []string
	Results   []SegmentResult
	// CorpusMetrics[ablationName][metricName] is the corpus-level average.
	CorpusMetrics map[string]map[string]float64
}

// Harness drives the pipeline across the ablation sweep.
type Harness struct {
	Pipeline    *orchestrator.Pipeline
	Metrics     map[string]metrics.Scorer
	Artifacts   artifact.Store
	MaxInFlight int
}

// New constructs a Harness, defaulting MaxInFlight to the spec's floor of
// 1 when misconfigured rather than rejecting the run outright.
func New(pipeline *orchestrator.Pipeline, scorers map[string]metrics.Scorer, store artifact.Store, maxInFlight int) *Harness {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &Harness{Pipeline: pipeline, Metrics: scorers, Artifacts: store, MaxInFlight: maxInFlight}
}

// Run executes every ablation in ablations over every segment in
// segments, bounding in-flight segments to h.MaxInFlight, and persists
// the resulting Report to the artifact store under a fresh run ID.
func (h *Harness) Run(ctx context.Context, segments []domain.Segment, ablations []config.AblationConfig) (Report, error) {
	runID := uuid.NewString()
	sem := semaphore.NewWeighted(int64(h.MaxInFlight))

	full, rest := splitFull(ablations)

	var mu sync.Mutex
	var results []SegmentResult
	var wg sync.WaitGroup

	for _, seg := range segments {
		seg := seg
		if err := sem.Acquire(ctx, 1); err != nil {
			break // context cancelled; stop dispatching new segments, let in-flight ones finish
		}
		wg.Add(1)
		go func() {
			defer sem.Release(1)
			defer wg.Done()

			segResults := h.runSegment(ctx, seg, full, rest)
			mu.Lock()
			results = append(results, segResults...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	report := Report{
		RunID:         runID,
		Ablations:     ablationNames(ablations),
		Results:       results,
		CorpusMetrics: aggregateCorpusMetrics(results),
	}

	if h.Artifacts != nil {
		if err := h.persist(ctx, report); err != nil {
			return report, err
		}
	}
	return report, nil
}

// runSegment runs the "full" ablation (if requested) first, then every
// other ablation — reusing full's trace when it is a gating-safe prefix
// (spec §4.12's intermediate-extraction optimization) and otherwise
// running the pipeline fresh.
func (h *Harness) runSegment(ctx context.Context, seg domain.Segment, full *config.AblationConfig, rest []config.AblationConfig) []SegmentResult {
	var out []SegmentResult

	var fullTrace domain.PipelineTrace
	haveFull := false
	if full != nil {
		fullTrace = h.Pipeline.Translate(ctx, seg, *full)
		out = append(out, h.score(ctx, seg, full.Name, fullTrace, false))
		haveFull = true
	}

	for _, ab := range rest {
		ab := ab
		if haveFull {
			if sub, ok := extractIntermediate(fullTrace, ab); ok {
				out = append(out, h.score(ctx, seg, ab.Name, sub, true))
				continue
			}
		}
		trace := h.Pipeline.Translate(ctx, seg, ab)
		out = append(out, h.score(ctx, seg, ab.Name, trace, false))
	}

	return out
}

// extractIntermediate returns ablation's sub-trace from full's trace
// without re-running the pipeline, but only when ablation's enabled
// layers are an exact ordered prefix of full's. Gated layers carry forward
// the prior translation byte-for-byte (spec §9's PipelineTrace invariant),
// so it also refuses when a shared layer is marked Gated in full's trace
// but ablation does not enable gating for that layer. Gating thresholds
// are not compared, and a shared layer that full's trace shows as not
// gated is accepted whatever ablation's gating setting for it.
func extractIntermediate(full domain.PipelineTrace, ablation config.AblationConfig) (domain.PipelineTrace, bool) {
	n := len(ablation.EnabledLayers)
	if n == 0 || n > len(full.Entries) {
		return domain.PipelineTrace{}, false
	}
	for i, layer := range ablation.EnabledLayers {
		if full.Entries[i].Layer != layer {
			return domain.PipelineTrace{}, false
		}
		fullGated := full.Entries[i].Gated
		abGated := ablation.GatingEnabled(layer) && fullGated
		if fullGated != abGated {
			log.Printf("harness: refusing intermediate extraction for %s: gating mismatch on layer %s", ablation.Name, layer)
			return domain.PipelineTrace{}, false
		}
	}
	sub := domain.PipelineTrace{Entries: append([]domain.LayerOutput(nil), full.Entries[:n]...)}
	sub.FinalTranslation = sub.Entries[n-1].Translation
	return sub, true
}

func (h *Harness) score(ctx context.Context, seg domain.Segment, ablationName string, trace domain.PipelineTrace, reused bool) SegmentResult {
	result := SegmentResult{AblationName: ablationName, SegmentID: seg.ID, Trace: trace, Reused: reused, Metrics: map[string]float64{}}
	for _, entry := range trace.Entries {
		if entry.Err != nil {
			result.Err = entry.Err
			break
		}
	}
	if seg.Reference == "" {
		return result
	}
	for name, scorer := range h.Metrics {
		v, err := scorer.Score(ctx, seg.Source, seg.Reference, trace.FinalTranslation)
		if err != nil {
			log.Printf("harness: metric %s failed for %s/%s: %v", name, ablationName, seg.ID, err)
			continue
		}
		result.Metrics[name] = v
	}
	return result
}

func splitFull(ablations []config.AblationConfig) (*config.AblationConfig, []config.AblationConfig) {
	var full *config.AblationConfig
	var rest []config.AblationConfig
	for i := range ablations {
		if ablations[i].Name == "full" {
			full = &ablations[i]
			continue
		}
		rest = append(rest, ablations[i])
	}
	return full, rest
}

func ablationNames(ablations []config.AblationConfig) []string {
	names := make([]string, len(ablations))
	for i, a := range ablations {
		names[i] = a.Name
	}
	return names
}

func aggregateCorpusMetrics(results []SegmentResult) map[string]map[string]float64 {
	sums := map[string]map[string]float64{}
	counts := map[string]map[string]int{}
	for _, r := range results {
		if _, ok := sums[r.AblationName]; !ok {
			sums[r.AblationName] = map[string]float64{}
			counts[r.AblationName] = map[string]int{}
		}
		for name, v := range r.Metrics {
			sums[r.AblationName][name] += v
			counts[r.AblationName][name]++
		}
	}
	out := map[string]map[string]float64{}
	for ablation, metricSums := range sums {
		out[ablation] = map[string]float64{}
		for name, sum := range metricSums {
			n := counts[ablation][name]
			if n == 0 {
				continue
			}
			out[ablation][name] = sum / float64(n)
		}
	}
	return out
}

func (h *Harness) persist(ctx context.Context, report Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("harness: marshal report: %w", err)
	}
	return h.Artifacts.Put(ctx, report.RunID, "report.json", data)
}
