package hw

import (
	"sync"
)

// EmulatedReader is an in-memory Reader used off-hardware. Queued UIDs fire
// the detection signal and are handed out by Anticoll in order.
type EmulatedReader struct {
	mu       sync.Mutex
	queue    []string
	detected chan struct{}
	closed   bool

	// InitErr, RequestErr and AnticollErr, when set, are returned by the
	// corresponding call to exercise fault paths.
	InitErr     error
	RequestErr  error
	AnticollErr error
}

// NewEmulatedReader constructs an idle emulated reader.
func NewEmulatedReader() *EmulatedReader {
	return &EmulatedReader{detected: make(chan struct{}, 1)}
}

// Present queues a tag UID and fires the detection signal, as if a badge had
// entered the reader's field.
func (r *EmulatedReader) Present(uid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.queue = append(r.queue, uid)
	select {
	case r.detected <- struct{}{}:
	default:
	}
}

func (r *EmulatedReader) Init() error {
	return r.InitErr
}

func (r *EmulatedReader) Request() (string, error) {
	if r.RequestErr != nil {
		return "", r.RequestErr
	}
	return "emulated-tag", nil
}

func (r *EmulatedReader) Anticoll() (string, error) {
	if r.AnticollErr != nil {
		return "", r.AnticollErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return "", nil
	}
	uid := r.queue[0]
	r.queue = r.queue[1:]
	return uid, nil
}

func (r *EmulatedReader) StopCrypto() error { return nil }

func (r *EmulatedReader) Detected() <-chan struct{} { return r.detected }

func (r *EmulatedReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// EmulatedPin is a latchable digital pin usable as both output and input.
type EmulatedPin struct {
	mu    sync.Mutex
	level bool

	// ReadErr, when set, is returned by Read to exercise fault paths.
	ReadErr error
}

// NewEmulatedPin constructs a pin driven low.
func NewEmulatedPin() *EmulatedPin {
	return &EmulatedPin{}
}

func (p *EmulatedPin) Write(high bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.level = high
	return nil
}

func (p *EmulatedPin) Read() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ReadErr != nil {
		return false, p.ReadErr
	}
	return p.level, nil
}

// Level reports the current pin state without the error return, for tests and
// the status surface.
func (p *EmulatedPin) Level() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}
