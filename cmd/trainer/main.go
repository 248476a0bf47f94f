package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Brownie44l1/medianalytica-api/internal/config"
	"github.com/Brownie44l1/medianalytica-api/internal/metrics"
	"github.com/Brownie44l1/medianalytica-api/internal/training"
	"github.com/Brownie44l1/medianalytica-api/internal/training/worker"
)

func main() {
	workerURL := flag.String("worker", "http://localhost:5001", "training worker base URL")
	dataDir := flag.String("data", "data", "dataset root holding train/, val/ and optionally test/ splits")
	testSplit := flag.String("test", "test", "held-out split under -data scored after training; empty to skip")
	diseaseType := flag.String("disease", "lung", "disease type to train")
	critical := flag.String("critical", "", "class whose weight is boosted, e.g. COVID-19")
	balanced := flag.Bool("class-weights", true, "use balanced class weights")
	checkpointDir := flag.String("checkpoints", "checkpoints", "checkpoint directory")
	seed := flag.Int64("seed", 42, "shuffle seed")
	tolerance := flag.Float64("f1-tolerance", metrics.DefaultTolerance, "allowed streaming/reference macro-F1 difference")
	flag.Parse()

	serviceCfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	disease, ok := serviceCfg.Disease(*diseaseType)
	if !ok {
		log.Fatalf("Unknown disease type %q", *diseaseType)
	}

	train, err := training.NewImageFolder(filepath.Join(*dataDir, "train"), disease.ClassNames)
	if err != nil {
		log.Fatalf("Failed to load training split: %v", err)
	}
	val, err := training.NewImageFolder(filepath.Join(*dataDir, "val"), disease.ClassNames)
	if err != nil {
		log.Fatalf("Failed to load validation split: %v", err)
	}
	log.Printf("Classes: %v", disease.ClassNames)
	log.Printf("Train counts: %v, val counts: %v", train.ClassCounts(), val.ClassCounts())

	opts := []training.OrchestratorOption{training.WithEpochHook(training.ReferenceCheck(*tolerance))}
	if *testSplit != "" {
		dir := filepath.Join(*dataDir, *testSplit)
		if _, err := os.Stat(dir); err == nil {
			test, err := training.NewImageFolder(dir, disease.ClassNames)
			if err != nil {
				log.Fatalf("Failed to load test split: %v", err)
			}
			log.Printf("Test counts: %v", test.ClassCounts())
			opts = append(opts, training.WithTestSplit(test))
		} else {
			log.Printf("No test split at %s, skipping final evaluation", dir)
		}
	}

	cfg := training.DefaultConfig()
	cfg.DiseaseType = disease.DiseaseType
	cfg.Classes = disease.ClassNames
	cfg.Preprocess = disease.PreprocessOptions()
	cfg.CheckpointDir = *checkpointDir
	cfg.Seed = *seed
	if *balanced {
		cfg.ClassWeights, err = training.ClassWeights(train.ClassCounts(), disease.ClassNames, *critical)
		if err != nil {
			log.Fatalf("Failed to compute class weights: %v", err)
		}
		log.Printf("Class weights: %v", cfg.ClassWeights)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	learner := worker.New(*workerURL)
	if err := learner.CheckHealth(ctx); err != nil {
		log.Fatalf("Training worker at %s is not reachable: %v", *workerURL, err)
	}

	orch, err := training.NewOrchestrator(cfg, learner, train, val, opts...)
	if err != nil {
		log.Fatalf("Failed to set up training: %v", err)
	}

	summary, err := orch.Run(ctx)
	if err != nil {
		log.Fatalf("Training failed: %v", err)
	}

	for _, p := range summary.Phases {
		log.Printf("%-16s best val macro-F1 %.4f at epoch %d (%d layers unfrozen)",
			p.State.Phase, p.State.BestMetric, p.State.BestEpoch, p.State.UnfrozenLayerCount)
	}
	log.Printf("Final model: %s", summary.FinalCheckpoint)
	if summary.Test != nil {
		log.Printf("Test macro-F1 %.4f, weighted F1 %.4f", summary.Test.MacroF1, summary.Test.WeightedF1)
	}
}
