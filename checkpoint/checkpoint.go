// Package checkpoint persists training snapshots as gob blobs in a Store.
package checkpoint

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/AMP4323/mesh-transformer-jax/training"
)

// ErrNotFound is returned by Store.Get and Latest when nothing matches.
var ErrNotFound = errors.New("checkpoint not found")

// Store is a flat key/value blob store.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context) ([]string, error)
}

const ext = ".ckpt.gz"

// Key names the checkpoint written after step.
func Key(step int) string { return fmt.Sprintf("step_%08d%s", step, ext) }

func Encode(snap *training.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := gob.NewEncoder(zw).Encode(snap); err != nil {
		return nil, errors.WithMessage(err, "encode snapshot")
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Decode(data []byte) (*training.Snapshot, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.WithMessage(err, "open snapshot")
	}
	defer zr.Close()
	snap := &training.Snapshot{}
	if err := gob.NewDecoder(zr).Decode(snap); err != nil {
		return nil, errors.WithMessage(err, "decode snapshot")
	}
	return snap, nil
}

// Save writes snap under Key(snap.Step) and returns the key.
func Save(ctx context.Context, store Store, snap *training.Snapshot) (string, error) {
	data, err := Encode(snap)
	if err != nil {
		return "", err
	}
	key := Key(snap.Step)
	if err := store.Put(ctx, key, data); err != nil {
		return "", errors.WithMessagef(err, "put %s", key)
	}
	return key, nil
}

func Load(ctx context.Context, store Store, key string) (*training.Snapshot, error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		return nil, errors.WithMessagef(err, "get %s", key)
	}
	return Decode(data)
}

// Latest returns the key with the highest step.
func Latest(ctx context.Context, store Store) (string, error) {
	keys, err := store.List(ctx)
	if err != nil {
		return "", err
	}
	var ckpts []string
	for _, k := range keys {
		if strings.HasPrefix(k, "step_") && strings.HasSuffix(k, ext) {
			ckpts = append(ckpts, k)
		}
	}
	if len(ckpts) == 0 {
		return "", ErrNotFound
	}
	// zero-padded steps sort lexically
	sort.Strings(ckpts)
	return ckpts[len(ckpts)-1], nil
}

// LocalStore keeps blobs as files in Dir.
type LocalStore struct {
	Dir string
}

func (s LocalStore) Put(_ context.Context, key string, data []byte) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(s.Dir, key+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(s.Dir, key))
}

func (s LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir, key))
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	return data, err
}

func (s LocalStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
