// Command harness runs the ablation experiment driver (spec §4.12) over
// a dataset and writes a scored report to the configured artifact store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"

	"legalmt/internal/agent"
	"legalmt/internal/artifact"
	"legalmt/internal/config"
	"legalmt/internal/dataset"
	"legalmt/internal/domain"
	"legalmt/internal/embedding"
	"legalmt/internal/harness"
	"legalmt/internal/llm"
	"legalmt/internal/metrics"
	"legalmt/internal/orchestrator"
	"legalmt/internal/termbase"
	"legalmt/internal/tm"
)

func main() {
	datasetPath := flag.String("dataset", "", "path to a JSON corpus of {id, source, reference} records")
	srcLang := flag.String("src", "zh", "source language code")
	tgtLang := flag.String("tgt", "en", "target language code")
	ablationNames := flag.String("ablations", "", "comma-separated subset of baseline,terminology,terminology_syntax,full (default: all)")
	flag.Parse()

	if *datasetPath == "" {
		log.Fatal("harness: -dataset is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("harness: config: %v", err)
	}

	ctx := context.Background()
	pair := domain.LanguagePair{Source: *srcLang, Target: *tgtLang}

	segments, err := dataset.Load(*datasetPath, pair)
	if err != nil {
		log.Fatalf("harness: %v", err)
	}

	llmClient, err := llm.New(ctx, cfg.GeminiAPIKey, cfg.LLMModel, cfg.MaxConcurrent,
		llm.WithMaxRetries(cfg.MaxRetries), llm.WithRetryBaseDelay(cfg.RetryBaseDelay), llm.WithTimeout(cfg.RequestTimeout))
	if err != nil {
		log.Fatalf("harness: llm client: %v", err)
	}
	defer llmClient.Close()

	embedClient, err := embedding.New(ctx, cfg.GeminiAPIKey, cfg.EmbeddingModel, 10000)
	if err != nil {
		log.Fatalf("harness: embedding client: %v", err)
	}
	defer embedClient.Close()

	termStore, err := termbase.Open(cfg.PostgresDSN, embedClient, cfg.FuzzyThreshold, cfg.VectorThreshold)
	if err != nil {
		log.Fatalf("harness: termbase: %v", err)
	}
	defer termStore.Close()

	tmStore, err := tm.Open(cfg.PostgresDSN, embedClient)
	if err != nil {
		log.Fatalf("harness: tm store: %v", err)
	}
	defer tmStore.Close()

	pipeline := &orchestrator.Pipeline{
		Caller:   llmClient,
		Termbase: termStore,
		TM:       tmStore,
		Config:   cfg,
	}

	var artifactStore artifact.Store
	switch cfg.ArtifactBackend {
	case "s3":
		artifactStore, err = artifact.NewS3Store(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3Region, cfg.S3UseSSL)
		if err != nil {
			log.Fatalf("harness: s3 store: %v", err)
		}
	default:
		artifactStore = artifact.NewDiskStore(cfg.ArtifactDir)
	}

	ablations := selectAblations(cfg.Ablations, *ablationNames)
	h := harness.New(pipeline, metrics.Registry(agent.Caller(llmClient)), artifactStore, cfg.HarnessMaxInFlight)

	report, err := h.Run(ctx, segments, ablations)
	if err != nil {
		log.Fatalf("harness: run: %v", err)
	}
	fmt.Printf("run %s complete: %d segments x %d ablations, report persisted\n", report.RunID, len(segments), len(ablations))
}

func selectAblations(all []config.AblationConfig, namesFlag string) []config.AblationConfig {
	if strings.TrimSpace(namesFlag) == "" {
		return all
	}
	wanted := make(map[string]bool)
	for _, n := range strings.Split(namesFlag, ",") {
		wanted[strings.TrimSpace(n)] = true
	}
	var out []config.AblationConfig
	for _, a := range all {
		if wanted[a.Name] {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		log.Fatalf("harness: no ablation config matched -ablations=%q; valid names: %v", namesFlag, namesOf(all))
	}
	return out
}

func namesOf(ablations []config.AblationConfig) []string {
	out := make([]string, len(ablations))
	for i, a := range ablations {
		out[i] = a.Name
	}
	return out
}

