package devices

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// fakePort behaves like a serial port: bytes emitted by the "device" side
// become readable, writes are recorded, Close unblocks a pending Read.
type fakePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu       sync.Mutex
	written  bytes.Buffer
	writeErr error
	onWrite  func(p []byte)

	closed atomic.Bool
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{r: r, w: w}
}

func (p *fakePort) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.writeErr != nil {
		p.mu.Unlock()
		return 0, p.writeErr
	}
	p.written.Write(b)
	hook := p.onWrite
	p.mu.Unlock()

	if hook != nil {
		hook(append([]byte(nil), b...))
	}
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.closed.Store(true)
	return p.r.Close()
}

func (p *fakePort) emit(s string) {
	_, _ = p.w.Write([]byte(s))
}

func (p *fakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

type brokenPort struct {
	closed atomic.Bool
}

func (p *brokenPort) Read([]byte) (int, error)    { return 0, errors.New("device unplugged") }
func (p *brokenPort) Write(b []byte) (int, error) { return len(b), nil }
func (p *brokenPort) Close() error                { p.closed.Store(true); return nil }

type fakeSerialHost struct {
	unsupported bool
	selectErr   error
	openErr     error
	port        io.ReadWriteCloser

	// When gate is set SelectPort signals entered and then holds until the
	// gate closes, the way a user sits in a port picker. It ignores ctx.
	gate    chan struct{}
	entered chan struct{}

	mu    sync.Mutex
	opens int
	mode  serial.Mode
}

func (h *fakeSerialHost) Supported() bool { return !h.unsupported }

func (h *fakeSerialHost) SelectPort(ctx context.Context) (string, error) {
	if h.gate != nil {
		select {
		case h.entered <- struct{}{}:
		default:
		}
		<-h.gate
	}
	if h.selectErr != nil {
		return "", h.selectErr
	}
	return "/dev/ttyUSB0", nil
}

func (h *fakeSerialHost) Open(name string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	if h.openErr != nil {
		return nil, h.openErr
	}
	h.mu.Lock()
	h.opens++
	h.mode = *mode
	h.mu.Unlock()
	return h.port, nil
}

func (h *fakeSerialHost) Opens() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opens
}

func newTestScale(host SerialHost) *Scale {
	s := NewScale(host, zerolog.Nop(), nil)
	s.now = func() time.Time { return time.Date(2025, 10, 20, 9, 30, 0, 0, time.UTC) }
	return s
}

func waitReading(t *testing.T, ch <-chan Reading) Reading {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reading")
		return Reading{}
	}
}

func TestScaleConnectOpensWithFixedMode(t *testing.T) {
	host := &fakeSerialHost{port: newFakePort()}
	s := newTestScale(host)
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	want := serial.Mode{BaudRate: 9600, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	if host.mode != want {
		t.Fatalf("mode = %+v, want %+v", host.mode, want)
	}

	status := s.Status()
	if status.State != ScaleConnected || !status.Reading || status.Port != "/dev/ttyUSB0" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestScaleConnectTwiceIsRejected(t *testing.T) {
	host := &fakeSerialHost{port: newFakePort()}
	s := newTestScale(host)
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("first connect: %v", err)
	}

	err := s.Connect(context.Background())
	if !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second connect err = %v, want ErrAlreadyConnected", err)
	}
	if host.Opens() != 1 {
		t.Fatalf("port opened %d times", host.Opens())
	}
}

func gatedHost(port io.ReadWriteCloser) *fakeSerialHost {
	return &fakeSerialHost{
		port:    port,
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
}

func TestScaleDisconnectAbortsPendingConnect(t *testing.T) {
	port := newFakePort()
	host := gatedHost(port)
	s := newTestScale(host)
	defer s.Disconnect()

	result := make(chan error, 1)
	go func() {
		result <- s.Connect(context.Background())
	}()

	select {
	case <-host.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("connect never reached port selection")
	}
	if state := s.Status().State; state != ScaleConnecting {
		t.Fatalf("state while selecting = %s, want connecting", state)
	}

	s.Disconnect()
	close(host.gate)

	select {
	case err := <-result:
		if !errors.Is(err, ErrNoDeviceSelected) {
			t.Fatalf("connect err = %v, want ErrNoDeviceSelected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return after disconnect")
	}

	if state := s.Status().State; state != ScaleDisconnected {
		t.Fatalf("state = %s, want disconnected", state)
	}
	if host.Opens() != 1 {
		t.Fatalf("port opened %d times, want 1", host.Opens())
	}
	if !port.closed.Load() {
		t.Fatal("port opened after the abort was left open")
	}
	if err := s.SendCommand("P"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send after abort err = %v, want ErrNotConnected", err)
	}
}

func TestScaleConcurrentConnectOpensOnce(t *testing.T) {
	const callers = 8

	host := gatedHost(newFakePort())
	s := newTestScale(host)
	defer s.Disconnect()

	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Connect(context.Background())
		}()
	}

	// Every caller but the one holding the port picker is turned away
	// while the first connect is still pending.
	for i := 0; i < callers-1; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrAlreadyConnected) {
				t.Fatalf("pending connect err = %v, want ErrAlreadyConnected", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d callers returned while the first was pending", i)
		}
	}

	close(host.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("winning connect err = %v", err)
		}
	}
	if host.Opens() != 1 {
		t.Fatalf("port opened %d times, want 1", host.Opens())
	}
	if state := s.Status().State; state != ScaleConnected {
		t.Fatalf("state = %s, want connected", state)
	}
}

func TestScaleConnectFailures(t *testing.T) {
	tests := []struct {
		name string
		host *fakeSerialHost
		want Kind
	}{
		{
			name: "unsupported platform",
			host: &fakeSerialHost{unsupported: true},
			want: KindUnsupportedPlatform,
		},
		{
			name: "selection cancelled",
			host: &fakeSerialHost{selectErr: context.Canceled},
			want: KindNoDeviceSelected,
		},
		{
			name: "port busy",
			host: &fakeSerialHost{openErr: newError(KindPortBusy, "open /dev/ttyUSB0", nil)},
			want: KindPortBusy,
		},
		{
			name: "unclassified open error",
			host: &fakeSerialHost{openErr: errors.New("bad things")},
			want: KindConnectFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScale(tt.host)

			err := s.Connect(context.Background())
			if got := KindOf(err); got != tt.want {
				t.Fatalf("kind = %v, want %v (err %v)", got, tt.want, err)
			}
			if err.Error() == "" {
				t.Fatal("empty error message")
			}
			if s.Status().State != ScaleDisconnected {
				t.Fatalf("state = %v after failed connect", s.Status().State)
			}
		})
	}
}

func TestScaleDisconnectIsIdempotent(t *testing.T) {
	s := newTestScale(&fakeSerialHost{port: newFakePort()})
	s.Disconnect()
	s.Disconnect()
	if s.Status().State != ScaleDisconnected {
		t.Fatalf("state = %v", s.Status().State)
	}

	port := newFakePort()
	s = newTestScale(&fakeSerialHost{port: port})
	readings := make(chan Reading, 1)
	s.OnReading(func(r Reading) { readings <- r })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	port.emit("1.5 kg\r\n")
	waitReading(t, readings)

	s.Disconnect()
	s.Disconnect()
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	status := s.Status()
	if status.State != ScaleDisconnected || status.Reading || status.Latest != nil {
		t.Fatalf("unexpected status after disconnect %+v", status)
	}
	if !port.closed.Load() {
		t.Fatal("port was not closed")
	}
	if _, ok := s.Latest(); ok {
		t.Fatal("latest reading survived disconnect")
	}
}

func TestScaleReconnectAfterDisconnect(t *testing.T) {
	host := &fakeSerialHost{port: newFakePort()}
	s := newTestScale(host)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	s.Disconnect()

	host.port = newFakePort()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	defer s.Disconnect()

	if host.Opens() != 2 {
		t.Fatalf("opens = %d", host.Opens())
	}
}

func TestScaleRequestWeightNotConnected(t *testing.T) {
	port := newFakePort()
	s := newTestScale(&fakeSerialHost{port: port})

	if err := s.RequestWeight(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if port.Written() != "" {
		t.Fatalf("unexpected write %q", port.Written())
	}
}

func TestScaleRequestWeightWritesCommand(t *testing.T) {
	port := newFakePort()
	s := newTestScale(&fakeSerialHost{port: port})
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.RequestWeight(); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := s.RequestWeight(); err != nil {
		t.Fatalf("second request: %v", err)
	}
	if err := s.SendCommand("Z"); err != nil {
		t.Fatalf("send Z: %v", err)
	}

	if got := port.Written(); got != "P\r\nP\r\nZ\r\n" {
		t.Fatalf("written = %q", got)
	}
}

func TestScaleRequestWeightWriteFailure(t *testing.T) {
	port := newFakePort()
	port.writeErr = errors.New("io error")
	s := newTestScale(&fakeSerialHost{port: port})
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.RequestWeight(); !errors.Is(err, ErrTransfer) {
		t.Fatalf("err = %v, want ErrTransfer", err)
	}
}

func TestScaleDeliversReadingsAcrossChunks(t *testing.T) {
	port := newFakePort()
	s := newTestScale(&fakeSerialHost{port: port})
	defer s.Disconnect()

	callback := make(chan Reading, 4)
	s.OnReading(func(r Reading) { callback <- r })
	sub, unsubscribe := s.Subscribe()
	defer unsubscribe()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	port.emit("ST,G")
	port.emit("S,  0.5")
	port.emit("00\r")
	port.emit("\nnoise\r\n2 l")
	port.emit("b\n")

	first := waitReading(t, callback)
	second := waitReading(t, callback)

	if first.Value != 0.5 || first.Unit != UnitKilogram {
		t.Errorf("first reading = %+v", first)
	}
	if second.Value != 2 || second.Unit != UnitPound {
		t.Errorf("second reading = %+v", second)
	}
	if first.At.IsZero() {
		t.Error("reading has no timestamp")
	}

	if r := waitReading(t, sub); r.Value != 0.5 {
		t.Errorf("subscriber first reading = %+v", r)
	}

	latest, ok := s.Latest()
	if !ok || latest.Value != 2 {
		t.Errorf("latest = %+v, %v", latest, ok)
	}
}

func TestScaleAwaitWeight(t *testing.T) {
	port := newFakePort()
	port.onWrite = func(p []byte) {
		if string(p) == "P\r\n" {
			go port.emit("0.750 kg\r\n")
		}
	}
	s := newTestScale(&fakeSerialHost{port: port})
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	r, err := s.AwaitWeight(ctx)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if r.Value != 0.75 || r.Unit != UnitKilogram {
		t.Fatalf("reading = %+v", r)
	}
}

func TestScaleAwaitWeightTimesOut(t *testing.T) {
	s := newTestScale(&fakeSerialHost{port: newFakePort()})
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := s.AwaitWeight(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestScaleReadErrorStopsReadingButStaysConnected(t *testing.T) {
	port := &brokenPort{}
	s := newTestScale(&fakeSerialHost{port: port})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Status().Reading {
		if time.Now().After(deadline) {
			t.Fatal("read loop did not stop")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if s.Status().State != ScaleConnected {
		t.Fatalf("state = %v, want connected", s.Status().State)
	}

	s.Disconnect()
	if !port.closed.Load() {
		t.Fatal("port was not closed")
	}
}

func TestPickSerialPort(t *testing.T) {
	name, err := pickSerialPort(nil)
	if KindOf(err) != KindNoDeviceSelected {
		t.Fatalf("empty list: %q, %v", name, err)
	}

	ports := []*enumerator.PortDetails{
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "1a86", PID: "7523"},
	}
	if name, err = pickSerialPort(ports); err != nil || name != "/dev/ttyUSB0" {
		t.Fatalf("pick = %q, %v; want the USB port", name, err)
	}

	if name, err = pickSerialPort(ports[:1]); err != nil || name != "/dev/ttyS0" {
		t.Fatalf("pick = %q, %v; want the only port", name, err)
	}
}

func TestSerialPortsUsesConfiguredName(t *testing.T) {
	h := &SerialPorts{PortName: " COM3 "}
	name, err := h.SelectPort(context.Background())
	if err != nil || name != "COM3" {
		t.Fatalf("select = %q, %v", name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.SelectPort(ctx); !errors.Is(err, ErrNoDeviceSelected) {
		t.Fatalf("cancelled select err = %v", err)
	}
}
