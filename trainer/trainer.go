// Package trainer runs the star-rating regression loop: it pulls collated
// batches from a loader, fits the model with the optimizer, streams loss and
// star distributions to the dashboard and checkpoints after every epoch.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	"github.com/Noofbiz/starcast/config"
	"github.com/Noofbiz/starcast/dashboard"
	"github.com/Noofbiz/starcast/datasets"
	"github.com/Noofbiz/starcast/device"
	"github.com/Noofbiz/starcast/recurrent"
)

// BatchSource yields the minibatches of an epoch. *datasets.Loader
// implements it.
type BatchSource interface {
	Len() int
	Epoch(ctx context.Context) (<-chan *datasets.Batch, <-chan error)
}

// Checkpointer persists model state. *checkpoint.Store implements it.
type Checkpointer interface {
	Save(model string, epoch int, state map[string][]float32) (string, error)
}

// PlotSaver writes the dashboard windows to disk. *dashboard.Server
// implements it.
type PlotSaver interface {
	SavePNGs(dir string) ([]string, error)
}

// Deps are the collaborators of a training run.
type Deps struct {
	Dataset    datasets.Dataset
	Loader     BatchSource
	Model      recurrent.Model
	Optimizer  recurrent.Optimizer
	Visualizer dashboard.Visualizer
	Store      Checkpointer
	Device     device.Context

	// Plots is optional; when set and cfg.PlotDir is not empty the windows
	// are written out at the end of every epoch.
	Plots PlotSaver
}

func (d Deps) validate() error {
	switch {
	case d.Dataset == nil:
		return errors.New("trainer: dataset is nil")
	case d.Loader == nil:
		return errors.New("trainer: loader is nil")
	case d.Model == nil:
		return errors.New("trainer: model is nil")
	case d.Optimizer == nil:
		return errors.New("trainer: optimizer is nil")
	case d.Visualizer == nil:
		return errors.New("trainer: visualizer is nil")
	case d.Store == nil:
		return errors.New("trainer: checkpoint store is nil")
	case d.Device == nil:
		return errors.New("trainer: device is nil")
	}
	return nil
}

// Summary describes a finished (or interrupted) run.
type Summary struct {
	Epochs      int
	Iterations  int
	LastLoss    float64
	SmoothLoss  float64
	Checkpoints []string
	PredDist    []float64
	RealDist    []float64
}

// run holds the per-run state shared across epochs.
type run struct {
	cfg  *config.Config
	deps Deps

	lossWin  dashboard.Handle
	predWin  dashboard.Handle
	realWin  dashboard.Handle
	smooth   Smoother
	predDist *Distribution
	realDist *Distribution
	counter  int
	lastLoss float64
	window   Window
}

// Run trains for cfg.Epochs epochs. It returns early with ctx.Err() when ctx
// is cancelled; the summary then covers the completed iterations.
func Run(ctx context.Context, cfg *config.Config, deps Deps) (Summary, error) {
	if err := cfg.Validate(); err != nil {
		return Summary{}, err
	}
	if err := deps.validate(); err != nil {
		return Summary{}, err
	}

	r := &run{
		cfg:      cfg,
		deps:     deps,
		smooth:   Smoother{Value: cfg.InitialSmoothLoss, Decay: cfg.SmoothingDecay},
		predDist: NewDistribution(cfg.Hist.Bins, cfg.SmoothingDecay),
		realDist: NewDistribution(cfg.Hist.Bins, cfg.SmoothingDecay),
	}
	if err := r.openWindows(); err != nil {
		return Summary{}, err
	}
	klog.Infof("Training %s on %s", deps.Model.Name(), deps.Device.Name())

	sum := Summary{}
	for epoch := range cfg.Epochs {
		err := r.epoch(ctx, epoch)
		sum.Iterations = r.counter
		sum.LastLoss = r.lastLoss
		sum.SmoothLoss = r.smooth.Value
		sum.PredDist = r.predDist.Snapshot()
		sum.RealDist = r.realDist.Snapshot()
		if err != nil {
			return sum, err
		}
		sum.Epochs = epoch + 1

		path, err := r.finishEpoch(epoch)
		if err != nil {
			return sum, err
		}
		sum.Checkpoints = append(sum.Checkpoints, path)
	}
	return sum, nil
}

func (r *run) openWindows() error {
	v := r.deps.Visualizer
	var err error
	r.lossWin, err = v.Line(dashboard.LineOptions{
		Title:      "Loss",
		XLabel:     "iteration",
		YLabel:     "mse",
		ShowLegend: true,
	})
	if err != nil {
		return fmt.Errorf("loss window: %w", err)
	}

	c, err := dashboard.ParseColor(r.cfg.Hist.Color)
	if err != nil {
		return err
	}
	labels := make([]string, r.cfg.Hist.Bins)
	for i := range labels {
		labels[i] = strconv.Itoa(i + 1)
	}
	r.predWin, err = v.Bar(dashboard.BarOptions{Title: r.cfg.Hist.PredTitle, Labels: labels, Color: c}, r.predDist.Snapshot())
	if err != nil {
		return fmt.Errorf("predicted stars window: %w", err)
	}
	r.realWin, err = v.Bar(dashboard.BarOptions{Title: r.cfg.Hist.RealTitle, Labels: labels, Color: c}, r.realDist.Snapshot())
	if err != nil {
		return fmt.Errorf("real stars window: %w", err)
	}
	return nil
}

func (r *run) epoch(ctx context.Context, epoch int) error {
	length := r.deps.Loader.Len()
	klog.Infof("Starting epoch %d with length %d (%d samples)", epoch, length, r.deps.Dataset.Len())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, errc := r.deps.Loader.Epoch(ctx)

	i := 0
	for {
		dataStart := time.Now()
		var b *datasets.Batch
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok = <-batches:
		}
		if !ok {
			break
		}
		dataTime := time.Since(dataStart)

		computeStart := time.Now()
		loss, err := r.step(b)
		b.Release()
		if err != nil {
			return fmt.Errorf("epoch %d iter %d: %w", epoch, i, err)
		}
		r.window.Record(b.Size, dataTime, time.Since(computeStart), loss)

		if i%r.cfg.LogEvery == 0 {
			snap := r.window.Snapshot()
			klog.Infof("Iter %d/%d, loss: %.4f, smooth loss: %.4f, samples/s: %.1f, data ms: %.2f, compute ms: %.2f",
				i, length, loss, r.smooth.Value, snap.SamplesPerSec, snap.AvgDataMS, snap.AvgComputeMS)
		}
		i++
	}

	if err := <-errc; err != nil {
		return fmt.Errorf("epoch %d: %w", epoch, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// step runs one optimization step on b and updates every visualization.
func (r *run) step(b *datasets.Batch) (float64, error) {
	out, loss, err := r.deps.Model.Forward(b)
	if err != nil {
		return 0, fmt.Errorf("forward: %w", err)
	}
	if err := r.deps.Optimizer.ZeroGrad(); err != nil {
		return 0, fmt.Errorf("zero grad: %w", err)
	}
	if err := r.deps.Model.Backward(); err != nil {
		return 0, fmt.Errorf("backward: %w", err)
	}
	if err := r.deps.Optimizer.Step(); err != nil {
		return 0, fmt.Errorf("optimizer step: %w", err)
	}
	r.lastLoss = loss

	smooth := r.smooth.Update(loss)
	x := float64(r.counter)
	if err := r.deps.Visualizer.UpdateTrace(r.lossWin, x, loss, "loss"); err != nil {
		return 0, fmt.Errorf("loss trace: %w", err)
	}
	if err := r.deps.Visualizer.UpdateTrace(r.lossWin, x, smooth, "smooth loss"); err != nil {
		return 0, fmt.Errorf("smooth loss trace: %w", err)
	}

	bins := r.cfg.Hist.Bins
	pred := make([]int, b.Size)
	truth := make([]int, b.Size)
	for i := range b.Size {
		pred[i] = StarBucket(out[i][0], bins)
		truth[i] = StarBucket(b.Target(i)[0], bins)
	}
	r.predDist.Add(pred)
	r.realDist.Add(truth)
	if err := r.deps.Visualizer.UpdateBar(r.predWin, r.predDist.Snapshot()); err != nil {
		return 0, fmt.Errorf("predicted stars: %w", err)
	}
	if err := r.deps.Visualizer.UpdateBar(r.realWin, r.realDist.Snapshot()); err != nil {
		return 0, fmt.Errorf("real stars: %w", err)
	}

	r.counter++
	return loss, nil
}

func (r *run) finishEpoch(epoch int) (string, error) {
	klog.Infof("Epoch finished with last loss: %.6f", r.lastLoss)

	path, err := r.deps.Store.Save(r.deps.Model.Name(), epoch, r.deps.Model.State())
	if err != nil {
		return "", fmt.Errorf("save epoch %d: %w", epoch, err)
	}
	klog.Infof("Saved model params as: %s", path)

	if r.cfg.PlotDir != "" && r.deps.Plots != nil {
		paths, err := r.deps.Plots.SavePNGs(r.cfg.PlotDir)
		if err != nil {
			klog.Warningf("writing plots to %s: %v", r.cfg.PlotDir, err)
		} else {
			klog.V(1).Infof("Wrote %d plots to %s", len(paths), r.cfg.PlotDir)
		}
	}
	return path, nil
}
