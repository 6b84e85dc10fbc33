package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/Noofbiz/starcast/checkpoint"
	"github.com/Noofbiz/starcast/config"
	"github.com/Noofbiz/starcast/dashboard"
	"github.com/Noofbiz/starcast/datasets"
	"github.com/Noofbiz/starcast/device"
	"github.com/Noofbiz/starcast/recurrent"
	"github.com/Noofbiz/starcast/trainer"
)

func main() {
	klog.InitFlags(nil)

	configPath := flag.String("config", "", "path to a JSON config file (optional); flags override its values")
	dataPath := flag.String("data", "", "CSV file, glob pattern or directory of review feature CSVs")
	batchSize := flag.Int("batch-size", 0, "training batch size (overrides JSON if provided)")
	epochs := flag.Int("epochs", 0, "number of training epochs (overrides JSON if provided)")
	learningRate := flag.Float64("lr", 0, "Adam learning rate (overrides JSON if provided)")
	gpu := flag.Bool("gpu", false, "run the model on CUDA device 0 through the XLA backend (requires the cuda build tag)")
	workers := flag.Int("workers", 0, "loader workers (0 = config value, or one per core when that is 0 too)")
	pinMemory := flag.Bool("pin-memory", false, "recycle batch buffers between iterations")
	seed := flag.Int64("seed", 0, "random seed for shuffling and weight init (0 = time based)")
	hidden := flag.Int("hidden", 0, "recurrent hidden size (overrides JSON if provided)")
	checkpointDir := flag.String("checkpoint-dir", "", "directory for {model}_epoch{N}.params files")
	half := flag.Bool("half", false, "store checkpoints as float16")
	dashboardAddr := flag.String("dashboard", "", "listen address of the live dashboard (\"off\" disables the server)")
	plotDir := flag.String("plots", "", "if set, write dashboard windows as PNGs here after every epoch")
	logEvery := flag.Int("log-every", 0, "log progress every N iterations")
	printEffectiveConfig := flag.Bool("print-effective-config", false, "print the effective (JSON+CLI merged) configuration and exit")
	flag.Parse()
	defer klog.Flush()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			klog.Exitf("%v", err)
		}
	}

	o := config.Overrides{
		DataPath:      *dataPath,
		BatchSize:     *batchSize,
		Epochs:        *epochs,
		LearningRate:  *learningRate,
		HiddenSize:    *hidden,
		Seed:          *seed,
		NumWorkers:    *workers,
		LogEvery:      *logEvery,
		CheckpointDir: *checkpointDir,
		DashboardAddr: *dashboardAddr,
		PlotDir:       *plotDir,
	}
	// Only explicitly set booleans override the JSON config.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "gpu":
			o.GPU = gpu
		case "pin-memory":
			o.PinMemory = pinMemory
		case "half":
			o.HalfPrecision = half
		}
	})
	cfg.ApplyOverrides(o)

	if *printEffectiveConfig {
		data, err := cfg.JSON()
		if err != nil {
			klog.Exitf("encode config: %v", err)
		}
		fmt.Println(string(data))
		return
	}

	if err := cfg.Validate(); err != nil {
		klog.Exitf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			klog.Infof("Training interrupted")
			return
		}
		klog.Exitf("training failed: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	dev, err := device.FromConfig(cfg.GPU, cfg.PinMemory)
	if err != nil {
		return err
	}
	defer dev.Close()

	pattern, err := datasets.ResolvePattern(cfg.DataPath)
	if err != nil {
		return err
	}
	ds, err := datasets.NewReviewDataset(pattern, cfg.IDColumn, cfg.FeatureColumns, cfg.TargetColumns)
	if err != nil {
		return fmt.Errorf("load dataset: %w", err)
	}
	klog.Infof("Loaded %d reviews (%d features, %d targets) from %s", ds.Len(), ds.FeatureDim(), ds.TargetDim(), pattern)

	workers := cfg.NumWorkers
	if workers == 0 {
		workers = device.DefaultWorkers()
	}
	loader, err := datasets.NewLoader(ds, datasets.LoaderOptions{
		BatchSize:  cfg.BatchSize,
		Shuffle:    true,
		NumWorkers: workers,
		PinMemory:  dev.PinMemory(),
		Seed:       cfg.Seed,
	})
	if err != nil {
		return err
	}

	model, err := recurrent.NewLSTM(dev.Backend(), recurrent.Config{
		InputDim:   ds.FeatureDim(),
		HiddenSize: cfg.HiddenSize,
		OutputDim:  ds.TargetDim(),
		Seed:       cfg.Seed,
		Name:       cfg.ModelName,
	})
	if err != nil {
		return err
	}
	defer model.Finalize()
	opt, err := recurrent.NewAdam(model, recurrent.AdamConfig{
		LearningRate: cfg.LearningRate,
		ClipNorm:     cfg.ClipNorm,
	})
	if err != nil {
		return err
	}

	// A failing dashboard stops training with the server error as cause.
	dash := dashboard.NewServer()
	runCtx := ctx
	if cfg.DashboardAddr != "" && cfg.DashboardAddr != "off" {
		var stopDashboard context.CancelFunc
		runCtx, stopDashboard = dash.Background(ctx, cfg.DashboardAddr)
		defer stopDashboard()
	}

	sum, err := trainer.Run(runCtx, cfg, trainer.Deps{
		Dataset:    ds,
		Loader:     loader,
		Model:      model,
		Optimizer:  opt,
		Visualizer: dash,
		Store:      &checkpoint.Store{Dir: cfg.CheckpointDir, HalfPrecision: cfg.HalfPrecision},
		Device:     dev,
		Plots:      dash,
	})
	if errors.Is(err, context.Canceled) {
		return context.Cause(runCtx)
	}
	if err != nil {
		return err
	}
	klog.Infof("Done: %d epochs, %d iterations, last loss %.4f, smooth loss %.4f, %d optimizer steps",
		sum.Epochs, sum.Iterations, sum.LastLoss, sum.SmoothLoss, opt.Steps())
	return nil
}
