package port

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"
	"time"
)

// fakePort returns its data a few bytes at a time, then blocks until closed.
type fakePort struct {
	data   []byte
	chunk  int
	closed chan struct{}
	once   sync.Once
}

func newFakePort(data string, chunk int) *fakePort {
	return &fakePort{data: []byte(data), chunk: chunk, closed: make(chan struct{})}
}

func (f *fakePort) Read(p []byte) (int, error) {
	if len(f.data) > 0 {
		n := min(len(p), f.chunk, len(f.data))
		copy(p, f.data[:n])
		f.data = f.data[n:]
		return n, nil
	}
	<-f.closed
	return 0, io.ErrClosedPipe
}

func (f *fakePort) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakePort) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// bench records every open and answers NMEA only at one baud rate.
type bench struct {
	mu    sync.Mutex
	good  int
	tried []int
	ports []*fakePort
}

func (b *bench) open(path string, baud int) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tried = append(b.tried, baud)
	text := "\x00\xff\x13garbage"
	if baud == b.good {
		text = "\x00noise\r\n$GNRMC,191721.000,A,4331.6629,N*00\r\n"
	}
	p := newFakePort(text, 3)
	b.ports = append(b.ports, p)
	return p, nil
}

func newTestProber(b *bench) *Prober {
	return &Prober{Open: b.open, Window: 50 * time.Millisecond}
}

func TestTest_FindsMarkerSplitAcrossReads(t *testing.T) {
	b := &bench{good: 9600}
	p := newTestProber(b)
	if !p.Test(context.Background(), "/dev/ttyGPS", 9600) {
		t.Fatalf("expected NMEA at 9600")
	}
	if !b.ports[0].isClosed() {
		t.Fatalf("port must be closed after probing")
	}
}

func TestTest_TimesOutOnGarbage(t *testing.T) {
	b := &bench{good: 9600}
	p := newTestProber(b)
	start := time.Now()
	if p.Test(context.Background(), "/dev/ttyGPS", 4800) {
		t.Fatalf("garbage must not pass")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("probe overran its window")
	}
	if !b.ports[0].isClosed() {
		t.Fatalf("port must be closed after probing")
	}
}

func TestTest_OpenError(t *testing.T) {
	p := &Prober{Open: func(string, int) (io.ReadCloser, error) {
		return nil, errors.New("permission denied")
	}}
	if p.Test(context.Background(), "/dev/ttyS0", 9600) {
		t.Fatalf("open error must report false")
	}
}

func TestTest_LongNoiseBeforeMarker(t *testing.T) {
	noise := make([]byte, 1000)
	for i := range noise {
		noise[i] = 'x'
	}
	fp := newFakePort(string(noise)+"$GPGGA,1*00\n", 7)
	p := &Prober{Open: func(string, int) (io.ReadCloser, error) { return fp, nil }, Window: time.Second}
	if !p.Test(context.Background(), "/dev/ttyGPS", 4800) {
		t.Fatalf("marker after long noise must be found")
	}
}

func TestDetectBaudRate(t *testing.T) {
	b := &bench{good: 38400}
	p := newTestProber(b)
	baud, ok := p.DetectBaudRate(context.Background(), "/dev/ttyGPS")
	if !ok || baud != 38400 {
		t.Fatalf("baud=%d ok=%v", baud, ok)
	}
	if !slices.Equal(b.tried, []int{4800, 9600, 19200, 38400}) {
		t.Fatalf("tried %v", b.tried)
	}
}

func TestDetectBaudRate_NoneFound(t *testing.T) {
	b := &bench{}
	p := newTestProber(b)
	if baud, ok := p.DetectBaudRate(context.Background(), "/dev/ttyGPS"); ok {
		t.Fatalf("unexpected detection at %d", baud)
	}
	if !slices.Equal(b.tried, BaudRates) {
		t.Fatalf("tried %v want %v", b.tried, BaudRates)
	}
	for i, fp := range b.ports {
		if !fp.isClosed() {
			t.Fatalf("port %d left open", i)
		}
	}
}

type fakeGuard struct {
	paths []string
	err   error
}

func (g *fakeGuard) Probe(ctx context.Context, path string, fn func(context.Context) error) error {
	g.paths = append(g.paths, path)
	if g.err != nil {
		return g.err
	}
	return fn(ctx)
}

func TestProber_UsesGuardOncePerCall(t *testing.T) {
	b := &bench{good: 115200}
	g := &fakeGuard{}
	p := newTestProber(b)
	p.Guard = g

	if _, ok := p.DetectBaudRate(context.Background(), "/dev/ttyGPS"); !ok {
		t.Fatalf("expected detection")
	}
	if !p.Test(context.Background(), "/dev/ttyGPS", 115200) {
		t.Fatalf("expected test to pass")
	}
	if !slices.Equal(g.paths, []string{"/dev/ttyGPS", "/dev/ttyGPS"}) {
		t.Fatalf("guard paths=%v", g.paths)
	}

	g.err = errors.New("manager not running")
	if p.Test(context.Background(), "/dev/ttyGPS", 115200) {
		t.Fatalf("guard failure must report false")
	}
}
