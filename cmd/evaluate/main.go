package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"k8s.io/klog/v2"

	"github.com/Noofbiz/starcast/checkpoint"
	"github.com/Noofbiz/starcast/config"
	"github.com/Noofbiz/starcast/datasets"
	"github.com/Noofbiz/starcast/device"
	"github.com/Noofbiz/starcast/recurrent"
	"github.com/Noofbiz/starcast/trainer"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

func main() {
	klog.InitFlags(nil)

	configPath := flag.String("config", "", "path to the JSON config used for training (optional)")
	params := flag.String("checkpoint", "", "path to a {model}_epoch{N}.params file")
	dataPath := flag.String("data", "", "CSV file, glob pattern or directory to evaluate on (overrides JSON)")
	batchSize := flag.Int("batch-size", 0, "evaluation batch size (overrides JSON if provided)")
	outCSV := flag.String("out-csv", "", "if set, write per-review predictions to this CSV")
	outDir := flag.String("out", "plots", "output directory for the predicted-vs-real plot (empty disables)")
	flag.Parse()
	defer klog.Flush()

	if *params == "" {
		klog.Exitf("-checkpoint is required")
	}
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			klog.Exitf("%v", err)
		}
	}
	cfg.ApplyOverrides(config.Overrides{DataPath: *dataPath, BatchSize: *batchSize})
	if err := cfg.Validate(); err != nil {
		klog.Exitf("invalid config: %v", err)
	}

	snap, err := checkpoint.Load(*params)
	if err != nil {
		klog.Exitf("%v", err)
	}
	klog.Infof("Loaded %s epoch %d (saved %s)", snap.Model, snap.Epoch, snap.CreatedAt.Format("2006-01-02 15:04:05"))

	pattern, err := datasets.ResolvePattern(cfg.DataPath)
	if err != nil {
		klog.Exitf("%v", err)
	}
	ds, err := datasets.NewReviewDataset(pattern, cfg.IDColumn, cfg.FeatureColumns, cfg.TargetColumns)
	if err != nil {
		klog.Exitf("load dataset: %v", err)
	}
	loader, err := datasets.NewLoader(ds, datasets.LoaderOptions{BatchSize: cfg.BatchSize, NumWorkers: cfg.NumWorkers})
	if err != nil {
		klog.Exitf("%v", err)
	}

	dev, err := device.FromConfig(cfg.GPU, false)
	if err != nil {
		klog.Exitf("%v", err)
	}
	defer dev.Close()
	hidden, err := recurrent.HiddenSizeFromState(snap.State)
	if err != nil {
		klog.Exitf("checkpoint %s: %v", *params, err)
	}
	model, err := recurrent.NewLSTM(dev.Backend(), recurrent.Config{
		InputDim:   ds.FeatureDim(),
		HiddenSize: hidden,
		OutputDim:  ds.TargetDim(),
		Name:       snap.Model,
		Seed:       1,
	})
	if err != nil {
		klog.Exitf("%v", err)
	}
	defer model.Finalize()
	if err := model.LoadState(snap.State); err != nil {
		klog.Exitf("checkpoint does not match dataset: %v", err)
	}
	klog.Infof("Evaluating on %s", dev.Name())

	res, err := trainer.Evaluate(context.Background(), model, loader, cfg.Hist.Bins)
	if err != nil {
		klog.Exitf("evaluate: %v", err)
	}
	for j, r := range res.RMSE {
		fmt.Printf("RMSE %-10s = %f\n", cfg.TargetColumns[j], r)
	}
	fmt.Printf("Star accuracy over %d reviews: %.2f%%\n", len(res.Predictions), 100*res.StarAccuracy)

	if *outCSV != "" {
		if err := writeCSV(*outCSV, ds, cfg.TargetColumns, res.Predictions); err != nil {
			klog.Exitf("write %s: %v", *outCSV, err)
		}
		klog.Infof("Wrote predictions to %s", *outCSV)
	}
	if *outDir != "" {
		if err := plotStars(*outDir, res.Predictions); err != nil {
			klog.Exitf("plot: %v", err)
		}
	}
}

func writeCSV(path string, ds *datasets.ReviewDataset, targets []string, preds []trainer.Prediction) error {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"review_id"}
	for _, t := range targets {
		header = append(header, "pred_"+t, t)
	}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, p := range preds {
		row := []string{ds.ID(p.Index)}
		for j := range p.Target {
			row = append(row,
				strconv.FormatFloat(float64(p.Output[j]), 'f', 4, 32),
				strconv.FormatFloat(float64(p.Target[j]), 'f', 4, 32))
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

// plotStars scatters predicted against real stars with the identity line.
func plotStars(outDir string, preds []trainer.Prediction) error {
	pts := make(plotter.XYs, len(preds))
	for i, p := range preds {
		pts[i] = plotter.XY{X: float64(p.Target[0]), Y: float64(p.Output[0])}
	}

	p := plot.New()
	p.Title.Text = "Predicted vs real stars"
	p.X.Label.Text = "real"
	p.Y.Label.Text = "predicted"

	sc, err := plotter.NewScatter(pts)
	if err != nil {
		return err
	}
	sc.GlyphStyle.Color = color.RGBA{R: 20, G: 80, B: 200, A: 120}
	sc.GlyphStyle.Radius = vg.Points(1.8)
	p.Add(sc)
	p.Legend.Add("reviews", sc)

	xmin, xmax, ymin, ymax := autoRange(pts)
	lo, hi := math.Min(xmin, ymin), math.Max(xmax, ymax)
	ident, err := plotter.NewLine(plotter.XYs{{X: lo, Y: lo}, {X: hi, Y: hi}})
	if err != nil {
		return err
	}
	ident.Color = color.RGBA{R: 120, G: 120, B: 120, A: 200}
	ident.Width = vg.Points(0.8)
	p.Add(ident)
	p.Legend.Add("perfect", ident)

	p.Add(plotter.NewGrid())
	p.X.Min, p.X.Max = xmin, xmax
	p.Y.Min, p.Y.Max = ymin, ymax

	if err := ensureDir(outDir); err != nil {
		return err
	}
	outPath := filepath.Join(outDir, "stars_scatter.png")
	if err := p.Save(8*vg.Inch, 6*vg.Inch, outPath); err != nil {
		return err
	}
	klog.Infof("Wrote %s", outPath)
	return nil
}

// autoRange computes padded min/max for X and Y for a set of points.
func autoRange(xs plotter.XYs) (xmin, xmax, ymin, ymax float64) {
	if len(xs) == 0 {
		return -1, 1, -1, 1
	}
	xmin, xmax = math.Inf(1), math.Inf(-1)
	ymin, ymax = math.Inf(1), math.Inf(-1)
	for _, p := range xs {
		xmin, xmax = math.Min(xmin, p.X), math.Max(xmax, p.X)
		ymin, ymax = math.Min(ymin, p.Y), math.Max(ymax, p.Y)
	}
	padx := (xmax - xmin) * 0.06
	pady := (ymax - ymin) * 0.06
	if padx == 0 {
		padx = 1.0
	}
	if pady == 0 {
		pady = 1.0
	}
	return xmin - padx, xmax + padx, ymin - pady, ymax + pady
}

func ensureDir(path string) error {
	if path == "" {
		return nil
	}
	return os.MkdirAll(path, 0755)
}
