// Package orchestrator implements the pipeline state machine (spec §4.10):
// INIT -> LAYER_TERM -> LAYER_SYNTAX -> LAYER_DISCOURSE -> DONE, running
// only the layers the ablation config enables and recording a
// domain.PipelineTrace as it goes.
package orchestrator

import (
	"context"

	"legalmt/internal/agent"
	"legalmt/internal/config"
	"legalmt/internal/domain"
	"legalmt/internal/layer/baseline"
	"legalmt/internal/layer/discourse"
	"legalmt/internal/layer/syntax"
	"legalmt/internal/layer/terminology"
)

// state names the orchestrator's position in the fixed layer sequence.
type state int

const (
	stateInit state = iota
	stateLayerTerm
	stateLayerSyntax
	stateLayerDiscourse
	stateDone
)

// Pipeline wires the three layer packages behind the single Translate
// entrypoint the harness package calls.
type Pipeline struct {
	Caller   agent.Caller
	Termbase terminology.TermLookuper
	TM       discourse.TMSearcher
	Config   config.Config
}

// Translate runs segment through every layer ablation enables, in the
// fixed terminology -> syntax -> discourse order, and returns the full
// trace plus the final selected translation (spec §4.10's FinalTranslation
// invariant: the last enabled layer's Translation). When ablation enables
// no layer at all (the
// "baseline" config, spec.md Testable scenario 1), the pipeline instead
// runs a single direct-LLM translation with no trace entries, mirroring
// original_source's BaselineTranslationAgent/max_rounds==0 branch.
func (p *Pipeline) Translate(ctx context.Context, segment domain.Segment, ablation config.AblationConfig) domain.PipelineTrace {
	if !ablation.LayerEnabled(config.LayerTerminology) && !ablation.LayerEnabled(config.LayerSyntax) && !ablation.LayerEnabled(config.LayerDiscourse) {
		return domain.PipelineTrace{FinalTranslation: baseline.Translate(ctx, p.Caller, segment)}
	}

	trace := domain.PipelineTrace{FinalTranslation: segment.Source}

	st := stateInit
	for st != stateDone {
		switch st {
		case stateInit:
			st = stateLayerTerm

		case stateLayerTerm:
			if ablation.LayerEnabled(config.LayerTerminology) {
				out := terminology.Run(ctx, p.Caller, p.Termbase, segment, ablation)
				trace.Entries = append(trace.Entries, out)
				trace.FinalTranslation = out.Translation
				if out.Err != nil {
					return trace
				}
			}
			st = stateLayerSyntax

		case stateLayerSyntax:
			if ablation.LayerEnabled(config.LayerSyntax) {
				prior := trace.LastTranslation(segment.Source)
				out := syntax.Run(ctx, p.Caller, segment, prior, ablation)
				trace.Entries = append(trace.Entries, out)
				trace.FinalTranslation = out.Translation
				if out.Err != nil {
					return trace
				}
			}
			st = stateLayerDiscourse

		case stateLayerDiscourse:
			if ablation.LayerEnabled(config.LayerDiscourse) {
				prior := trace.LastTranslation(segment.Source)
				out := discourse.Run(ctx, p.TM, p.Caller, segment, prior, ablation, p.Config.TMSimilarityFloor)
				trace.Entries = append(trace.Entries, out)
				trace.FinalTranslation = out.Translation
				if out.Err != nil {
					return trace
				}
			}
			st = stateDone
		}
	}

	return trace
}
