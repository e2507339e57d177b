package liveness

import (
	"testing"
	"time"
)

func tickAt(ms int) time.Time {
	return time.Unix(0, 0).Add(time.Duration(ms) * time.Millisecond)
}

func TestBlinkCountedOnClosedToOpenEdge(t *testing.T) {
	c := NewCounter(DefaultConfig())

	c.Tick(true, false, tickAt(0))
	if st := c.Tick(true, true, tickAt(100)); st != StateEyesClosed {
		t.Fatalf("expected eyes_closed, got %v", st)
	}
	if c.Count() != 0 {
		t.Fatalf("closing must not count a blink, got %d", c.Count())
	}
	c.Tick(true, false, tickAt(200))
	if c.Count() != 1 {
		t.Fatalf("expected 1 blink on reopen, got %d", c.Count())
	}
}

func TestBlinkDebounceRejectsDoubleCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequiredBlinks = 5
	c := NewCounter(cfg)

	// Two closed->open edges inside the 400ms debounce window.
	c.Tick(true, false, tickAt(0))
	c.Tick(true, true, tickAt(50))
	c.Tick(true, false, tickAt(100))
	c.Tick(true, true, tickAt(200))
	c.Tick(true, false, tickAt(300))

	if c.Count() != 1 {
		t.Fatalf("expected exactly 1 blink inside the debounce window, got %d", c.Count())
	}
}

func TestBlinkCountWithNoFaceInterleaving(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequiredBlinks = 10
	c := NewCounter(cfg)

	const genuineBlinks = 3
	ts := 0
	for i := 0; i < genuineBlinks; i++ {
		c.Tick(true, false, tickAt(ts))
		c.Tick(false, false, tickAt(ts+50)) // no face, ignored
		c.Tick(true, true, tickAt(ts+100))
		c.Tick(false, false, tickAt(ts+150)) // no face, ignored
		c.Tick(true, false, tickAt(ts+200))
		ts += 1000 // spaced beyond the debounce window
	}

	if c.Count() != genuineBlinks {
		t.Fatalf("expected %d blinks, got %d", genuineBlinks, c.Count())
	}
}

func TestNoFaceFrameDoesNotResetCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequiredBlinks = 5
	c := NewCounter(cfg)

	c.Tick(true, false, tickAt(0))
	c.Tick(true, true, tickAt(100))
	c.Tick(true, false, tickAt(200))
	before := c.Count()
	c.Tick(false, false, tickAt(300))
	if c.Count() != before {
		t.Fatalf("no-face frame changed the count: %d -> %d", before, c.Count())
	}
}

func TestCompletedIsTerminalUntilReset(t *testing.T) {
	c := NewCounter(DefaultConfig()) // requires 2 blinks

	c.Tick(true, false, tickAt(0))
	c.Tick(true, true, tickAt(100))
	c.Tick(true, false, tickAt(600))
	c.Tick(true, true, tickAt(1100))
	if st := c.Tick(true, false, tickAt(1600)); st != StateCompleted {
		t.Fatalf("expected completed after 2 blinks, got %v", st)
	}

	// Further frames are ignored.
	c.Tick(true, true, tickAt(2600))
	if st := c.Tick(true, false, tickAt(3100)); st != StateCompleted {
		t.Fatalf("completed must be terminal, got %v", st)
	}
	if c.Count() != 2 {
		t.Fatalf("count changed after completion: %d", c.Count())
	}

	c.Reset()
	if c.State() != StateIdle || c.Count() != 0 {
		t.Fatalf("reset did not clear the session: %v %d", c.State(), c.Count())
	}
}

func meshFrame(eyeOpening float64, ts time.Time) *Frame {
	points := make([]Point, MinMeshPoints)
	place := func(idx [6]int) {
		points[idx[0]] = Point{X: 0, Y: 0}
		points[idx[3]] = Point{X: 0.1, Y: 0}
		points[idx[1]] = Point{X: 0.03, Y: eyeOpening / 2}
		points[idx[2]] = Point{X: 0.07, Y: eyeOpening / 2}
		points[idx[5]] = Point{X: 0.03, Y: -eyeOpening / 2}
		points[idx[4]] = Point{X: 0.07, Y: -eyeOpening / 2}
	}
	place(leftEyeIndices)
	place(rightEyeIndices)
	return &Frame{Points: points, Timestamp: ts}
}

func TestFrameEAR(t *testing.T) {
	open, ok := FrameEAR(meshFrame(0.06, tickAt(0)))
	if !ok {
		t.Fatal("expected a full mesh to produce an EAR")
	}
	closed, ok := FrameEAR(meshFrame(0.01, tickAt(0)))
	if !ok {
		t.Fatal("expected a full mesh to produce an EAR")
	}
	if open <= closed {
		t.Fatalf("open EAR %f should exceed closed EAR %f", open, closed)
	}
	if closed >= 0.2 {
		t.Fatalf("closed eye EAR %f should be under the default threshold", closed)
	}
	if open < 0.2 {
		t.Fatalf("open eye EAR %f should be over the default threshold", open)
	}
}

func TestFrameEARRejectsPartialMesh(t *testing.T) {
	if _, ok := FrameEAR(&Frame{Points: make([]Point, 100)}); ok {
		t.Fatal("partial mesh must not produce an EAR")
	}
	if _, ok := FrameEAR(nil); ok {
		t.Fatal("nil frame must not produce an EAR")
	}
}

func TestEvalFrame(t *testing.T) {
	c := NewCounter(DefaultConfig())

	face, closed := c.EvalFrame(meshFrame(0.06, tickAt(0)))
	if !face || closed {
		t.Fatalf("expected open-eyed face, got face=%v closed=%v", face, closed)
	}
	face, closed = c.EvalFrame(meshFrame(0.01, tickAt(0)))
	if !face || !closed {
		t.Fatalf("expected closed-eyed face, got face=%v closed=%v", face, closed)
	}
	face, _ = c.EvalFrame(nil)
	if face {
		t.Fatal("nil frame must count as no face")
	}
}
