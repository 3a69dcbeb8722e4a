package engine

import (
	"sync"

	"crossdeck/analysis"
)

// Observer receives engine notifications. Calls are made from a single
// dispatch goroutine, in order, never with engine locks held, so an
// observer may call back into the engine.
type Observer interface {
	SessionChanged(Session)
	Spectrum(analysis.SpectrumFrame)
	Tempo(analysis.TempoEstimate)
	Key(analysis.KeyEstimate)
	TrackEvent(TrackEvent)
}

// NopObserver ignores everything. Embed it to implement only some methods.
type NopObserver struct{}

func (NopObserver) SessionChanged(Session)          {}
func (NopObserver) Spectrum(analysis.SpectrumFrame) {}
func (NopObserver) Tempo(analysis.TempoEstimate)    {}
func (NopObserver) Key(analysis.KeyEstimate)        {}
func (NopObserver) TrackEvent(TrackEvent)           {}

// maxBacklog is the number of queued notifications above which analysis
// frames are dropped instead of queued.
const maxBacklog = 256

// dispatcher delivers notifications on its own goroutine. The queue is
// unbounded for session and track events; analysis output is dropped
// when observers fall behind.
type dispatcher struct {
	mu        sync.Mutex
	queue     []func(Observer)
	observers map[int]Observer
	nextID    int
	dropped   int

	wake chan struct{}
	done chan struct{}
	stop chan struct{}
	once sync.Once
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		observers: make(map[int]Observer),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		stop:      make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) subscribe(o Observer) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.observers[id] = o
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.observers, id)
	}
}

// publish queues fn for every observer. Droppable notifications are
// discarded when the backlog is full.
func (d *dispatcher) publish(fn func(Observer), droppable bool) {
	d.mu.Lock()
	if droppable && len(d.queue) >= maxBacklog {
		d.dropped++
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.wake:
		case <-d.stop:
			return
		}
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			fn := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			observers := make([]Observer, 0, len(d.observers))
			for _, o := range d.observers {
				observers = append(observers, o)
			}
			d.mu.Unlock()

			for _, o := range observers {
				fn(o)
			}
		}
	}
}

func (d *dispatcher) close() {
	d.once.Do(func() { close(d.stop) })
	<-d.done
}
