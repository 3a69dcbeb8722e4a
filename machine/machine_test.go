package machine

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"

	"crossdeck/audiotest"
	"crossdeck/config"
	"crossdeck/engine"
	"crossdeck/output"
	"crossdeck/track"
)

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg.Audio.StallTimeout = 0
	return cfg
}

func fixture(t *testing.T, name string, frames [][2]float64) track.Reference {
	t.Helper()
	ref, err := track.FromPath(audiotest.WriteWAV(t, t.TempDir(), name, frames))
	if err != nil {
		t.Fatalf("FromPath: %v", err)
	}
	return ref
}

func newOfflineMachine(t *testing.T, cfg *config.Config) (*Machine, *output.Manual) {
	t.Helper()
	dev := output.NewManual("offline")
	m := New(cfg, dev, func(o *engine.Options) {
		o.Pipeline.Decode.DisableFFmpeg = true
		o.Now = FrameClock(dev)
	})
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { m.Stop() })
	return m, dev
}

func renderAll(t *testing.T, off *Offline) [][2]float64 {
	t.Helper()
	var out [][2]float64
	buf := make([][2]float64, 4096)
	for {
		n, ok := off.Stream(buf)
		out = append(out, buf[:n]...)
		if !ok {
			break
		}
	}
	if err := off.Err(); err != nil {
		t.Fatalf("offline render: %v", err)
	}
	return out
}

func TestInitializeRejectsInvalidConfig(t *testing.T) {
	cfg := loadConfig(t)
	cfg.Playback.CrossfadeDuration = 4 * time.Second

	m := New(cfg, output.NewManual("test"))
	if err := m.Initialize(); err == nil {
		t.Fatal("Initialize accepted a 4s crossfade")
	}
	if err := m.Play(); err == nil {
		t.Error("Play on an uninitialized machine succeeded")
	}
}

func TestOfflineGaplessRender(t *testing.T) {
	m, dev := newOfflineMachine(t, loadConfig(t))
	a := fixture(t, "a.wav", audiotest.Constant(0.5, 20000))
	b := fixture(t, "b.wav", audiotest.Constant(-0.25, 15000))
	m.Engine().Enqueue(a, b)

	out := renderAll(t, NewOffline(m.Engine(), dev, 2205))
	if len(out) < 35000 {
		t.Fatalf("rendered %d frames, want at least 35000", len(out))
	}
	for i, f := range out {
		want := 0.0
		switch {
		case i < 20000:
			want = 0.5
		case i < 35000:
			want = -0.25
		}
		if math.Abs(f[0]-want) > 1e-3 {
			t.Fatalf("frame %d = %v, want %v", i, f[0], want)
		}
	}
	if st := m.Engine().Status(); st.Session.State != engine.Idle {
		t.Errorf("session state = %v, want idle", st.Session.State)
	}
}

func TestOfflineCrossfadeRender(t *testing.T) {
	cfg := loadConfig(t)
	cfg.Playback.Crossfade = true
	cfg.Playback.CrossfadeDuration = time.Second
	cfg.Playback.PreRoll = time.Second
	m, dev := newOfflineMachine(t, cfg)

	a := fixture(t, "a.wav", audiotest.Constant(0.4, audiotest.Seconds(4)))
	b := fixture(t, "b.wav", audiotest.Constant(0.4, audiotest.Seconds(3)))
	m.Engine().Enqueue(a, b)

	out := renderAll(t, NewOffline(m.Engine(), dev, 2205))
	// The fade overlaps the tracks by one second.
	want := audiotest.Seconds(6)
	if got := len(out); got < want || got > want+audiotest.Seconds(0.5) {
		t.Errorf("rendered %d frames, want about %d", got, want)
	}
	// Mid-fade both tracks play at cos(pi/4) and sin(pi/4).
	mid := out[audiotest.Seconds(3.5)][0]
	if math.Abs(mid-0.4*math.Sqrt2) > 0.05 {
		t.Errorf("mid-fade sample = %v, want about %v", mid, 0.4*math.Sqrt2)
	}
}

func TestDoneAfterQueueRunsOut(t *testing.T) {
	cfg := loadConfig(t)
	dev := output.NewManual("live")
	m := New(cfg, dev, func(o *engine.Options) {
		o.Pipeline.Decode.DisableFFmpeg = true
		o.TickInterval = 5 * time.Millisecond
	})
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	ref := fixture(t, "short.wav", audiotest.Constant(0.1, 4000))
	if err := m.Play(ref); err != nil {
		t.Fatalf("Play: %v", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				dev.Render(512)
				time.Sleep(time.Millisecond)
			}
		}
	}()

	select {
	case <-m.Done():
	case err := <-m.Error():
		t.Fatalf("machine error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("playback did not finish")
	}
}

type fakeTarget struct {
	mu     sync.Mutex
	status engine.Status
	lost   []error
}

func (f *fakeTarget) Status() engine.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeTarget) DeviceLost(cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost = append(f.lost, cause)
}

func TestStallMonitor(t *testing.T) {
	playing := engine.Session{State: engine.Playing, Generation: 4}
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		second   engine.Status
		wantLost bool
	}{
		{"position frozen", engine.Status{Session: playing, Position: time.Second}, true},
		{"position moving", engine.Status{Session: playing, Position: 2 * time.Second}, false},
		{"paused", engine.Status{Session: engine.Session{State: engine.Paused, Generation: 4}, Position: time.Second}, false},
		{"loading next", engine.Status{Session: playing, Position: time.Second, Pending: true}, false},
		{"new generation", engine.Status{Session: engine.Session{State: engine.Playing, Generation: 5}, Position: time.Second}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := &fakeTarget{status: engine.Status{Session: playing, Position: time.Second}}
			s := NewStallMonitor(target, 3*time.Second, &sync.WaitGroup{})

			s.check(t0)
			target.status = tt.second
			s.check(t0.Add(2 * time.Second))
			lost := s.check(t0.Add(4 * time.Second))

			if lost != tt.wantLost {
				t.Fatalf("check() = %v, want %v", lost, tt.wantLost)
			}
			if tt.wantLost && (len(target.lost) != 1 || !errors.Is(target.lost[0], ErrStalled)) {
				t.Errorf("DeviceLost calls = %v, want one ErrStalled", target.lost)
			}
		})
	}
}

func TestWebhookNotifier(t *testing.T) {
	got := make(chan Notification, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		var n Notification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			t.Errorf("decode body: %v", err)
		}
		got <- n
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		wg.Wait()
	}()
	w := NewWebhookNotifier(srv.URL, time.Second, &wg)
	w.Start(ctx)

	ref := track.Reference{ID: "t1", Kind: track.Remote, URI: "http://radio/stream", Title: "Radio"}
	w.SessionChanged(engine.Session{Ref: ref, State: engine.Loading, Generation: 2})
	w.SessionChanged(engine.Session{Ref: ref, State: engine.Playing, Generation: 2})
	w.SessionChanged(engine.Session{Ref: ref, State: engine.Playing, Generation: 2})
	w.TrackEvent(engine.TrackEvent{Kind: engine.TrackFailed, Ref: ref, Err: errors.New("connection reset")})

	want := []Notification{
		{Event: "playing", TrackID: "t1", Title: "Radio", URI: "http://radio/stream", Pipeline: "remote", Generation: 2},
		{Event: "failed", TrackID: "t1", Title: "Radio", URI: "http://radio/stream", Pipeline: "remote", Error: "connection reset"},
	}
	for i, exp := range want {
		select {
		case n := <-got:
			if n != exp {
				t.Errorf("notification %d = %+v, want %+v", i, n, exp)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("notification %d not delivered", i)
		}
	}
}

func TestWebhookSendReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewWebhookNotifier(srv.URL, time.Second, &sync.WaitGroup{})
	if err := w.Send(context.Background(), Notification{Event: "finished"}); err == nil {
		t.Fatal("Send succeeded against a failing webhook")
	}
}
