package checkpoint

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"

	"github.com/AMP4323/mesh-transformer-jax/optimizations"
	"github.com/AMP4323/mesh-transformer-jax/params"
	"github.com/AMP4323/mesh-transformer-jax/training"
)

type fakeS3 struct {
	s3iface.S3API
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2PagesWithContext(_ aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, _ ...request.Option) error {
	f.mu.Lock()
	var names []string
	for k := range f.objects {
		full := aws.StringValue(in.Bucket) + "/" + aws.StringValue(in.Prefix)
		if strings.HasPrefix(k, full) {
			names = append(names, strings.TrimPrefix(k, aws.StringValue(in.Bucket)+"/"))
		}
	}
	f.mu.Unlock()
	sort.Strings(names)
	page := &s3.ListObjectsV2Output{}
	for _, n := range names {
		page.Contents = append(page.Contents, &s3.Object{Key: aws.String(n)})
	}
	fn(page, true)
	return nil
}

func trainedState(t *testing.T) (*training.State, training.Batch) {
	t.Helper()
	cfg := params.DefaultConfig()
	cfg.Mesh = params.MeshConfig{Replicas: 1, Shards: 2}
	cfg.Model = params.ModelConfig{Dim: 8, Heads: 2, Layers: 1, Vocab: 16, SeqLen: 4}
	cfg.MicroBatch = 1
	s, err := training.New(cfg, optimizations.FromConfig(cfg.Optimizer))
	if err != nil {
		t.Fatal(err)
	}
	batch := training.Batch{Context: [][][]int{{{0, 1, 2, 3}}}, Target: [][][]int{{{1, 2, 3, 4}}}}
	ctx := context.Background()
	if err := s.Initialize(ctx, 1, batch); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Train(ctx, batch); err != nil {
		t.Fatal(err)
	}
	if err := s.Update(ctx); err != nil {
		t.Fatal(err)
	}
	return s, batch
}

func roundTrip(t *testing.T, store Store) {
	ctx := context.Background()
	s, batch := trainedState(t)
	snap, err := s.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	key, err := Save(ctx, store, snap)
	if err != nil {
		t.Fatal(err)
	}
	if key != Key(1) {
		t.Fatalf("key %q", key)
	}
	latest, err := Latest(ctx, store)
	if err != nil || latest != key {
		t.Fatalf("latest %q, %v", latest, err)
	}
	back, err := Load(ctx, store, key)
	if err != nil {
		t.Fatal(err)
	}

	restored, err := training.New(s.Config(), optimizations.FromConfig(s.Config().Optimizer))
	if err != nil {
		t.Fatal(err)
	}
	if err := restored.Restore(back); err != nil {
		t.Fatal(err)
	}
	want, err := s.Evaluate(ctx, batch)
	if err != nil {
		t.Fatal(err)
	}
	got, err := restored.Evaluate(ctx, batch)
	if err != nil {
		t.Fatal(err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("loss %d after restore %g, want %g", i, got[i], want[i])
		}
	}
	// optimizer state came back too: the next updates agree
	for _, st := range []*training.State{s, restored} {
		if _, err := st.Train(ctx, batch); err != nil {
			t.Fatal(err)
		}
		if err := st.Update(ctx); err != nil {
			t.Fatal(err)
		}
	}
	a, b := s.HostParams(), restored.HostParams()
	for i := range a {
		da, db := a[i].Dense(), b[i].Dense()
		for _, l := range da.Leaves() {
			if !equalDense(da.Get(l).RawMatrix().Data, db.Get(l).RawMatrix().Data) {
				t.Fatalf("shard %d %s diverged after restore", i, l)
			}
		}
	}

	if _, err := Load(ctx, store, Key(99)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing key: %v", err)
	}
}

func equalDense(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestLocalStoreRoundTrip(t *testing.T) {
	roundTrip(t, LocalStore{Dir: t.TempDir()})
}

func TestS3StoreRoundTrip(t *testing.T) {
	roundTrip(t, &S3Store{Client: newFakeS3(), Bucket: "ckpts", Prefix: "runs/small"})
}

func TestLatestPicksHighestStep(t *testing.T) {
	ctx := context.Background()
	store := LocalStore{Dir: t.TempDir()}
	if _, err := Latest(ctx, store); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty store: %v", err)
	}
	for _, step := range []int{2, 10, 9} {
		if err := store.Put(ctx, Key(step), []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Put(ctx, "notes.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if k, err := Latest(ctx, store); err != nil || k != Key(10) {
		t.Fatalf("latest %q, %v", k, err)
	}
}
