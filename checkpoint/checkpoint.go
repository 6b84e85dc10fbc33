// Package checkpoint writes and reads model parameter snapshots.
//
// A checkpoint is a gob-encoded file named "{model}_epoch{epoch}.params"
// holding every named parameter tensor of a model, in float32 or, when
// HalfPrecision is set, IEEE 754 half precision.
package checkpoint

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// formatVersion is incremented when the on-disk format changes.
const formatVersion = 1

// Snapshot is what Load returns.
type Snapshot struct {
	Model     string
	Epoch     int
	CreatedAt time.Time
	State     map[string][]float32
}

type fileFormat struct {
	Version   int
	Model     string
	Epoch     int
	CreatedAt int64
	Half      bool
	Names     []string
	Full      [][]float32
	Packed    [][]uint16
}

// Store writes checkpoints into Dir.
type Store struct {
	Dir           string
	HalfPrecision bool
}

// FileName returns the checkpoint file name for a model at an epoch.
func FileName(model string, epoch int) string {
	return fmt.Sprintf("%s_epoch%d.params", model, epoch)
}

// Save writes state as the checkpoint of model at epoch and returns its path.
// The file is written to a temporary name and renamed into place.
func (s *Store) Save(model string, epoch int, state map[string][]float32) (string, error) {
	if model == "" {
		return "", errors.New("empty model name")
	}
	if len(state) == 0 {
		return "", errors.New("empty parameter state")
	}
	dir := s.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "mkdir %s", dir)
	}
	path := filepath.Join(dir, FileName(model, epoch))

	ff := fileFormat{
		Version:   formatVersion,
		Model:     model,
		Epoch:     epoch,
		CreatedAt: time.Now().Unix(),
		Half:      s.HalfPrecision,
	}
	for name := range state {
		ff.Names = append(ff.Names, name)
	}
	sort.Strings(ff.Names)
	for _, name := range ff.Names {
		values := state[name]
		if s.HalfPrecision {
			ff.Packed = append(ff.Packed, pack(values))
		} else {
			ff.Full = append(ff.Full, values)
		}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return "", errors.Wrap(err, "create temp checkpoint")
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	w := bufio.NewWriter(tmp)
	if err := gob.NewEncoder(w).Encode(&ff); err != nil {
		return "", errors.Wrap(err, "encode checkpoint")
	}
	if err := w.Flush(); err != nil {
		return "", errors.Wrap(err, "flush checkpoint")
	}
	if err := tmp.Sync(); err != nil {
		klog.Warningf("sync checkpoint %s: %v", tmpName, err)
	}
	info, statErr := tmp.Stat()
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "close checkpoint")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", errors.Wrapf(err, "rename checkpoint to %s", path)
	}
	committed = true

	if statErr == nil {
		klog.V(1).Infof("checkpoint %s written (%s, %d tensors)", path, humanize.Bytes(uint64(info.Size())), len(ff.Names))
	}
	return path, nil
}

// Load reads a checkpoint written by Save.
func Load(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open checkpoint %s", path)
	}
	defer f.Close()

	var ff fileFormat
	if err := gob.NewDecoder(bufio.NewReader(f)).Decode(&ff); err != nil {
		return nil, errors.Wrapf(err, "decode checkpoint %s", path)
	}
	if ff.Version != formatVersion {
		return nil, errors.Errorf("checkpoint %s has format version %d, expected %d", path, ff.Version, formatVersion)
	}
	count := len(ff.Full)
	if ff.Half {
		count = len(ff.Packed)
	}
	if count != len(ff.Names) {
		return nil, errors.Errorf("checkpoint %s lists %d names for %d tensors", path, len(ff.Names), count)
	}

	snap := &Snapshot{
		Model:     ff.Model,
		Epoch:     ff.Epoch,
		CreatedAt: time.Unix(ff.CreatedAt, 0),
		State:     make(map[string][]float32, len(ff.Names)),
	}
	for i, name := range ff.Names {
		if ff.Half {
			snap.State[name] = unpack(ff.Packed[i])
		} else {
			snap.State[name] = ff.Full[i]
		}
	}
	return snap, nil
}

func pack(values []float32) []uint16 {
	out := make([]uint16, len(values))
	for i, v := range values {
		out[i] = float16.Fromfloat32(v).Bits()
	}
	return out
}

func unpack(bits []uint16) []float32 {
	out := make([]float32, len(bits))
	for i, b := range bits {
		out[i] = float16.Frombits(b).Float32()
	}
	return out
}
