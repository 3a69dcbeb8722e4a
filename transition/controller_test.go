package transition

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"crossdeck/audiotest"
	"crossdeck/pipeline"
	"crossdeck/track"
)

type fakeDecks struct {
	kind      track.Kind
	next      *pipeline.Source
	incoming  *pipeline.Source
	inGen     uint64
	out, in   float64
	promoted  int
	aborted   []uint64
	clearNext int
	gainCalls int
}

func newFakeDecks() *fakeDecks { return &fakeDecks{out: 1} }

func (f *fakeDecks) Kind() track.Kind                   { return f.kind }
func (f *fakeDecks) ScheduleNext(src *pipeline.Source) { f.next = src }
func (f *fakeDecks) ClearNext()                         { f.next = nil; f.clearNext++ }
func (f *fakeDecks) StartIncoming(src *pipeline.Source, gen uint64) {
	f.incoming, f.inGen = src, gen
	f.out, f.in = 1, 0
}
func (f *fakeDecks) SetGains(out, in float64) { f.out, f.in = out, in; f.gainCalls++ }
func (f *fakeDecks) Promote() {
	f.incoming = nil
	f.out, f.in = 1, 0
	f.promoted++
}
func (f *fakeDecks) AbortIncoming(gen uint64) {
	f.incoming = nil
	f.out, f.in = 1, 0
	f.aborted = append(f.aborted, gen)
}

func ref(id string, d time.Duration) track.Reference {
	return track.Reference{ID: id, Kind: track.Local, URI: "/music/" + id + ".wav", Duration: d}
}

func source(r track.Reference) *pipeline.Source {
	return pipeline.NewSource(r, &audiotest.Slice{}, r.Duration)
}

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func status(remaining time.Duration, next track.Reference) Status {
	return Status{
		Playing:   true,
		Current:   ref("a", 200*time.Second),
		Remaining: remaining,
		Next:      next,
		HasNext:   !next.IsZero(),
	}
}

// startCrossfade drives a controller into Crossfading with a 5 s fade.
func startCrossfade(t *testing.T) (*Controller, *Counter, *fakeDecks, track.Reference) {
	t.Helper()
	counter := &Counter{}
	counter.Next()
	c := NewController(counter, Settings{Crossfade: true, FadeDuration: 5 * time.Second})
	d := newFakeDecks()
	b := ref("b", 60*time.Second)

	act := c.Tick(t0, status(7*time.Second, b), d)
	if act.Kind != Prepare || act.Plan != Crossfade || act.Ref.ID != "b" {
		t.Fatalf("Tick() = %+v, want Prepare crossfade", act)
	}
	if !c.Prepared(source(b), act.Gen, d) {
		t.Fatal("Prepared() rejected the source")
	}
	act = c.Tick(t0.Add(2*time.Second), status(5*time.Second, b), d)
	if act.Kind != CrossfadeStarted {
		t.Fatalf("Tick() = %+v, want CrossfadeStarted", act)
	}
	if d.incoming == nil || d.inGen != act.Gen || act.Gen != counter.Current() {
		t.Fatalf("incoming not started with the new generation: %+v", d)
	}
	return c, counter, d, b
}

func TestEqualPowerMidpoint(t *testing.T) {
	c, _, d, b := startCrossfade(t)
	start := t0.Add(2 * time.Second)

	c.Tick(start.Add(2500*time.Millisecond), status(2500*time.Millisecond, b), d)
	if math.Abs(d.out-math.Sqrt2/2) > 1e-9 || math.Abs(d.in-math.Sqrt2/2) > 1e-9 {
		t.Errorf("gains at 2.5 s of 5 s = %v, %v, want ≈0.707 each", d.out, d.in)
	}
}

func TestEqualPowerLaw(t *testing.T) {
	for i := 0; i <= 1000; i++ {
		out, in := EqualPower(float64(i) / 1000)
		if sum := out*out + in*in; math.Abs(sum-1) > 1e-12 {
			t.Fatalf("progress %v: out²+in² = %v", float64(i)/1000, sum)
		}
	}
	if out, in := EqualPower(-1); out != 1 || in != 0 {
		t.Errorf("EqualPower(-1) = %v, %v", out, in)
	}
}

func TestCrossfadeCompletes(t *testing.T) {
	c, counter, d, b := startCrossfade(t)
	gen := counter.Current()

	act := c.Tick(t0.Add(7*time.Second), status(0, b), d)
	if act.Kind != CrossfadeDone || act.Ref.ID != "b" || act.Gen != gen {
		t.Fatalf("Tick() = %+v, want CrossfadeDone", act)
	}
	if d.promoted != 1 || c.State() != Playing {
		t.Errorf("promoted = %d, state = %v", d.promoted, c.State())
	}
	if counter.Current() != gen {
		t.Errorf("completion changed the generation")
	}
}

func TestCancelDuringCrossfade(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for range 50 {
		c, counter, d, b := startCrossfade(t)
		start := t0.Add(2 * time.Second)
		at := time.Duration(rng.Int64N(int64(5 * time.Second)))
		c.Tick(start.Add(at), status(5*time.Second-at, b), d)

		before := counter.Current()
		if !c.Cancel(d) {
			t.Fatal("Cancel() = false during crossfade")
		}
		if d.out != 1 || d.incoming != nil {
			t.Fatalf("after cancel at %v: out = %v, incoming = %v", at, d.out, d.incoming)
		}
		if len(d.aborted) != 1 || d.aborted[0] <= before || counter.Current() <= before {
			t.Fatalf("cancel did not take a new generation: %v", d.aborted)
		}

		calls := d.gainCalls
		for i := range 10 {
			c.Tick(start.Add(at+time.Duration(i)*100*time.Millisecond), status(time.Second, b), d)
		}
		if d.gainCalls != calls || d.out != 1 {
			t.Fatal("cancelled plan still changes gains")
		}
	}
}

func TestPausedApproachDoesNotStartFade(t *testing.T) {
	c := NewController(&Counter{}, Settings{Crossfade: true, FadeDuration: 5 * time.Second})
	d := newFakeDecks()
	b := ref("b", 60*time.Second)

	act := c.Tick(t0, status(7*time.Second, b), d)
	if act.Kind != Prepare {
		t.Fatalf("Tick() = %+v, want Prepare", act)
	}
	if !c.Prepared(source(b), act.Gen, d) {
		t.Fatal("Prepared() rejected the source")
	}

	paused := status(4*time.Second, b)
	paused.Playing = false
	if act := c.Tick(t0.Add(3*time.Second), paused, d); act.Kind != NoAction {
		t.Fatalf("Tick() while paused = %+v, want no action", act)
	}
	if c.State() != ApproachingCrossfade || d.incoming != nil {
		t.Fatalf("state = %v, incoming = %v after paused tick", c.State(), d.incoming)
	}

	if act := c.Tick(t0.Add(4*time.Second), status(4*time.Second, b), d); act.Kind != CrossfadeStarted {
		t.Fatalf("Tick() after resume = %+v, want CrossfadeStarted", act)
	}
}

func TestGaplessPreRoll(t *testing.T) {
	c := NewController(&Counter{}, Settings{Gapless: true})
	d := newFakeDecks()
	b := ref("b", 0)

	if act := c.Tick(t0, status(10*time.Second, b), d); act.Kind != NoAction {
		t.Fatalf("Tick() outside pre-roll = %+v", act)
	}
	act := c.Tick(t0, status(3*time.Second, b), d)
	if act.Kind != Prepare || act.Plan != Gapless {
		t.Fatalf("Tick() in pre-roll = %+v, want Prepare gapless", act)
	}
	if !c.Prepared(source(b), act.Gen, d) || d.next == nil || c.State() != GaplessArmed {
		t.Fatalf("gapless not armed: state %v", c.State())
	}

	c.Advanced()
	if c.State() != Playing {
		t.Errorf("state after Advanced = %v", c.State())
	}
}

func TestMutualExclusion(t *testing.T) {
	c := NewController(&Counter{}, Settings{Gapless: true, FadeDuration: 5 * time.Second})
	d := newFakeDecks()
	b := ref("b", 60*time.Second)

	act := c.Tick(t0, status(2*time.Second, b), d)
	c.Prepared(source(b), act.Gen, d)
	if c.State() != GaplessArmed {
		t.Fatalf("state = %v, want armed", c.State())
	}

	c.SetCrossfade(true, 5*time.Second, d)
	if c.State() == GaplessArmed || d.next != nil {
		t.Fatal("gapless still armed after enabling crossfade")
	}

	act = c.Tick(t0, status(6*time.Second, b), d)
	if act.Plan != Crossfade {
		t.Errorf("plan = %v, want crossfade", act.Plan)
	}
}

func TestConflictsFallBackToHardCut(t *testing.T) {
	remote := track.Reference{ID: "r", Kind: track.Remote, URI: "https://example.com/r.mp3", Duration: time.Minute}
	tests := []struct {
		name     string
		settings Settings
		next     track.Reference
		prepared bool
	}{
		{"cross kind gapless", Settings{Gapless: true}, remote, false},
		{"cross kind crossfade", Settings{Crossfade: true, FadeDuration: 5 * time.Second}, remote, false},
		{"next too short", Settings{Crossfade: true, FadeDuration: 5 * time.Second}, ref("b", 9*time.Second), false},
		{"next length unknown", Settings{Crossfade: true, FadeDuration: 5 * time.Second}, ref("b", 0), true},
		{"casting", Settings{Gapless: true, Casting: true}, ref("b", time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewController(&Counter{}, tt.settings)
			d := newFakeDecks()
			act := c.Tick(t0, status(2*time.Second, tt.next), d)
			if tt.prepared {
				if act.Kind != Prepare {
					t.Fatalf("Tick() = %+v, want Prepare", act)
				}
				if c.Prepared(source(tt.next), act.Gen, d) {
					t.Fatal("Prepared() accepted a source of unknown length")
				}
				act = c.Tick(t0, status(time.Second, tt.next), d)
			}
			if act.Kind != NoAction {
				t.Errorf("Tick() = %+v, want no transition", act)
			}
			if d.incoming != nil || d.next != nil {
				t.Error("a transition was armed")
			}
		})
	}
}

func TestPreparedRejectsStaleGeneration(t *testing.T) {
	counter := &Counter{}
	c := NewController(counter, Settings{Gapless: true})
	d := newFakeDecks()
	b := ref("b", 0)

	act := c.Tick(t0, status(time.Second, b), d)
	counter.Next() // a seek happened meanwhile
	c.Reset(d)
	if c.Prepared(source(b), act.Gen, d) {
		t.Error("Prepared() accepted a source from a cancelled plan")
	}
}

func TestDisablePolicy(t *testing.T) {
	t.Run("complete", func(t *testing.T) {
		c, _, d, b := startCrossfade(t)
		if act := c.SetCrossfade(false, 0, d); act.Kind != NoAction {
			t.Fatalf("SetCrossfade(false) = %+v", act)
		}
		if act := c.Tick(t0.Add(7*time.Second), status(0, b), d); act.Kind != CrossfadeDone {
			t.Errorf("fade did not complete: %+v", act)
		}
	})
	t.Run("cut", func(t *testing.T) {
		c, _, d, _ := startCrossfade(t)
		c.SetDisablePolicy(Cut)
		act := c.SetCrossfade(false, 0, d)
		if act.Kind != CrossfadeDone || d.promoted != 1 {
			t.Errorf("SetCrossfade(false) = %+v, promoted = %d", act, d.promoted)
		}
	})
}

func TestGenerationMonotonic(t *testing.T) {
	var c Counter
	last := c.Current()
	for range 1000 {
		g := c.Next()
		if g <= last {
			t.Fatalf("generation %d after %d", g, last)
		}
		if !c.IsCurrent(g) || c.IsCurrent(last) {
			t.Fatal("IsCurrent disagrees with Next")
		}
		last = g
	}
}
