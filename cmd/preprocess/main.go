// Command preprocess runs the offline corpus preprocessing pipeline
// (spec §4.11): extract terms from a corpus, look them up against the
// termbase, translate the unknown remainder, and ingest results into the
// termbase and TM index.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"legalmt/internal/config"
	"legalmt/internal/dataset"
	"legalmt/internal/domain"
	"legalmt/internal/embedding"
	"legalmt/internal/llm"
	"legalmt/internal/preprocess"
	"legalmt/internal/termbase"
	"legalmt/internal/tm"
)

func main() {
	datasetPath := flag.String("dataset", "", "path to a JSON corpus of {id, source, reference} records")
	srcLang := flag.String("src", "zh", "source language code")
	tgtLang := flag.String("tgt", "en", "target language code")
	concurrency := flag.Int("concurrency", 5, "batch-extraction concurrency (spec §4.11 step 1)")
	flag.Parse()

	if *datasetPath == "" {
		log.Fatal("preprocess: -dataset is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("preprocess: config: %v", err)
	}

	ctx := context.Background()
	pair := domain.LanguagePair{Source: *srcLang, Target: *tgtLang}

	segments, err := dataset.Load(*datasetPath, pair)
	if err != nil {
		log.Fatalf("preprocess: %v", err)
	}

	llmClient, err := llm.New(ctx, cfg.GeminiAPIKey, cfg.LLMModel, cfg.MaxConcurrent,
		llm.WithMaxRetries(cfg.MaxRetries), llm.WithRetryBaseDelay(cfg.RetryBaseDelay), llm.WithTimeout(cfg.RequestTimeout))
	if err != nil {
		log.Fatalf("preprocess: llm client: %v", err)
	}
	defer llmClient.Close()

	embedClient, err := embedding.New(ctx, cfg.GeminiAPIKey, cfg.EmbeddingModel, 10000)
	if err != nil {
		log.Fatalf("preprocess: embedding client: %v", err)
	}
	defer embedClient.Close()

	termStore, err := termbase.Open(cfg.PostgresDSN, embedClient, cfg.FuzzyThreshold, cfg.VectorThreshold)
	if err != nil {
		log.Fatalf("preprocess: termbase: %v", err)
	}
	defer termStore.Close()

	tmStore, err := tm.Open(cfg.PostgresDSN, embedClient)
	if err != nil {
		log.Fatalf("preprocess: tm store: %v", err)
	}
	defer tmStore.Close()

	result, err := preprocess.Run(ctx, llmClient, termStore, tmStore, segments, pair, *concurrency, cfg.BatchTranslateSize, cfg.BatchTranslateConcurrent)
	if err != nil {
		log.Fatalf("preprocess: run: %v", err)
	}

	fmt.Printf("segments=%d terms_extracted=%d terms_known=%d terms_translated=%d extraction_errors=%d translation_failed=%d\n",
		result.SegmentsProcessed, result.TermsExtracted, result.TermsKnown, result.TermsTranslated, result.ExtractionErrors, len(result.TranslationFailed))
}
