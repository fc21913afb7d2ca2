package telemetry

// DefaultCapacity is the number of samples kept per quantity.
const DefaultCapacity = 300

// Stats summarises a window. Count == 0 is the empty sentinel.
type Stats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	Count int     `json:"count"`
}

// Empty reports whether the stats were computed over no samples.
func (s Stats) Empty() bool {
	return s.Count == 0
}

// Window is a fixed-capacity FIFO of samples. It is not safe for concurrent use.
type Window struct {
	buf   []float64
	head  int
	count int
}

// NewWindow allocates a window; non-positive capacity falls back to DefaultCapacity.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Window{buf: make([]float64, capacity)}
}

// Append adds v at the tail, evicting the oldest sample once full.
func (w *Window) Append(v float64) {
	capacity := len(w.buf)
	if w.count < capacity {
		w.buf[(w.head+w.count)%capacity] = v
		w.count++
		return
	}
	w.buf[w.head] = v
	w.head = (w.head + 1) % capacity
}

// Len returns the number of samples held.
func (w *Window) Len() int {
	return w.count
}

// Values returns a copy of the samples, oldest first.
func (w *Window) Values() []float64 {
	out := make([]float64, w.count)
	for i := 0; i < w.count; i++ {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}

// Stats computes min, max and mean over the current contents.
func (w *Window) Stats() Stats {
	if w.count == 0 {
		return Stats{}
	}
	first := w.buf[w.head]
	s := Stats{Min: first, Max: first, Count: w.count}
	sum := 0.0
	for i := 0; i < w.count; i++ {
		v := w.buf[(w.head+i)%len(w.buf)]
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
		sum += v
	}
	s.Avg = sum / float64(w.count)
	return s
}

// Reset drops all samples.
func (w *Window) Reset() {
	w.head = 0
	w.count = 0
}
