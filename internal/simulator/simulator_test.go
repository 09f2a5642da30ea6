package simulator

import (
	"context"
	"sync"
	"testing"
	"time"

	"poseidon-go/internal/ingest"
	"poseidon-go/internal/processing"
)

func TestGeneratorCavesKneesAtBottom(t *testing.T) {
	gen := NewGenerator(Options{RepDuration: 2 * time.Second})
	base := time.Unix(1700000000, 0)

	standing := processing.ExtractFeatures(gen.Next(0, base))
	if standing.HipWidth-standing.KneeWidth > 5 {
		t.Fatalf("standing frame already valgus: %+v", standing)
	}

	bottom := processing.ExtractFeatures(gen.Next(time.Second, base.Add(time.Second)))
	if bottom.HipWidth-bottom.KneeWidth <= 5 {
		t.Fatalf("bottom frame not valgus: %+v", bottom)
	}
	if bottom.HipVerticalPosition <= standing.HipVerticalPosition {
		t.Fatalf("hips did not descend: standing %v bottom %v", standing.HipVerticalPosition, bottom.HipVerticalPosition)
	}
}

func TestGeneratorSequenceAndDeterminism(t *testing.T) {
	a := NewGenerator(Options{Noise: 2, Seed: 7})
	b := NewGenerator(Options{Noise: 2, Seed: 7})
	now := time.Unix(1700000000, 0)
	for i := 1; i <= 5; i++ {
		elapsed := time.Duration(i) * 100 * time.Millisecond
		fa := a.Next(elapsed, now)
		fb := b.Next(elapsed, now)
		if fa.Seq != uint64(i) {
			t.Fatalf("seq = %d, want %d", fa.Seq, i)
		}
		for name, p := range fa.Joints {
			if fb.Joints[name] != p {
				t.Fatalf("frame %d joint %s differs: %+v vs %+v", i, name, p, fb.Joints[name])
			}
		}
		if !fa.HasRequiredJoints() {
			t.Fatalf("frame %d missing joints", i)
		}
	}
}

type memRecorder struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (r *memRecorder) Record(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	return nil
}

func (r *memRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func TestStreamRecordsWireFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &memRecorder{}
	frames := Stream(ctx, Options{FPS: 200, Recorder: rec})

	var last uint64
	for i := 0; i < 3; i++ {
		select {
		case frame := <-frames:
			if frame.Seq <= last {
				t.Fatalf("seq %d not increasing after %d", frame.Seq, last)
			}
			last = frame.Seq
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}
	cancel()
	for range frames {
	}

	if rec.Len() < 3 {
		t.Fatalf("recorded %d payloads", rec.Len())
	}
	rec.mu.Lock()
	first := rec.payloads[0]
	rec.mu.Unlock()
	if frame, err := ingest.DecodeFrame(first); err != nil || frame.Seq != 1 {
		t.Fatalf("recorded payload decode = %+v, %v", frame, err)
	}
}
