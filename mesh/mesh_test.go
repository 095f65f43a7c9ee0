package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/AMP4323/mesh-transformer-jax/params"
)

func newMesh(t *testing.T, replicas, shards int) *Mesh {
	t.Helper()
	m, err := New(params.MeshConfig{Replicas: replicas, Shards: shards})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestCollectivesAlongBothAxes(t *testing.T) {
	m := newMesh(t, 2, 3)
	var mu sync.Mutex
	got := map[[2]int][]float64{}

	err := m.Run(context.Background(), func(dev *Device) error {
		v := float64(10*dev.Replica + dev.Shard)
		sum := []float64{v, 1}
		dev.Model().Sum(sum)
		mean := []float64{v}
		dev.Data().Mean(mean)
		mx := []float64{-v}
		dev.Model().Max(mx)
		gathered := dev.Model().AllGather([]float64{v})

		mu.Lock()
		defer mu.Unlock()
		got[[2]int{dev.Replica, dev.Shard}] = []float64{
			sum[0], sum[1], mean[0], mx[0], gathered[0][0], gathered[2][0],
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for r := 0; r < 2; r++ {
		for s := 0; s < 3; s++ {
			g := got[[2]int{r, s}]
			base := float64(10 * r)
			want := []float64{3*base + 3, 3, 5 + float64(s), -base, base, base + 2}
			for i := range want {
				if g[i] != want[i] {
					t.Fatalf("r%d s%d value %d = %g, want %g (all %v)", r, s, i, g[i], want[i], g)
				}
			}
		}
	}
}

func TestCollectivesAreReusable(t *testing.T) {
	m := newMesh(t, 1, 4)
	err := m.Run(context.Background(), func(dev *Device) error {
		for i := 0; i < 100; i++ {
			buf := []float64{float64(i)}
			dev.Model().Sum(buf)
			if buf[0] != float64(4*i) {
				return errors.Errorf("round %d: got %g", i, buf[0])
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestFailingDeviceReleasesPeers(t *testing.T) {
	m := newMesh(t, 1, 3)
	boom := errors.New("boom")
	done := make(chan error, 1)
	go func() {
		done <- m.Run(context.Background(), func(dev *Device) error {
			if dev.Shard == 1 {
				return boom
			}
			dev.Model().Sum([]float64{1})
			return nil
		})
	}()
	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("expected root cause, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("peers stayed blocked in the collective")
	}
}

func TestCancelReleasesPeers(t *testing.T) {
	m := newMesh(t, 2, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx, func(dev *Device) error {
			if dev.Replica == 0 {
				dev.Data().Sum([]float64{1})
			}
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not release the collective")
	}
}
