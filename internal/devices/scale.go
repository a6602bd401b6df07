package devices

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"

	"github.com/washline/washline-agent/internal/metrics"
)

// RequestCommand asks the scale to transmit the current weight.
const RequestCommand = "P"

// Rhino BAR-9 class scales talk 9600 8N1 without flow control.
var scaleMode = serial.Mode{
	BaudRate: 9600,
	DataBits: 8,
	Parity:   serial.NoParity,
	StopBits: serial.OneStopBit,
}

// SerialHost is the platform's serial capability: whether serial access
// exists at all, which port to use, and how to open it.
type SerialHost interface {
	Supported() bool
	SelectPort(ctx context.Context) (string, error)
	Open(name string, mode *serial.Mode) (io.ReadWriteCloser, error)
}

// Scale owns one serial connection to a digital scale and a background loop
// that turns its output into readings.
type Scale struct {
	host    SerialHost
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu            sync.Mutex
	state         ScaleState
	portName      string
	port          io.ReadWriteCloser
	connectCancel context.CancelFunc
	loopCancel    context.CancelFunc
	loopDone      chan struct{}
	reading       bool
	latest        *Reading
	onReading     func(Reading)
	subs          map[int]chan Reading
	nextSub       int

	writeMu sync.Mutex
}

func NewScale(host SerialHost, logger zerolog.Logger, m *metrics.Metrics) *Scale {
	return &Scale{
		host:    host,
		logger:  logger.With().Str("device", "scale").Logger(),
		metrics: m,
		now:     time.Now,
		subs:    map[int]chan Reading{},
	}
}

// OnReading registers fn to be called from the read loop for every parsed
// reading. fn must not block.
func (s *Scale) OnReading(fn func(Reading)) {
	s.mu.Lock()
	s.onReading = fn
	s.mu.Unlock()
}

// Subscribe returns a channel receiving every reading parsed after the call.
// Readings are dropped for a subscriber whose buffer is full.
func (s *Scale) Subscribe() (<-chan Reading, func()) {
	ch := make(chan Reading, 8)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			close(ch)
			s.mu.Unlock()
		})
	}
}

// Connect selects and opens the scale port and starts reading. It returns as
// soon as the port is open.
func (s *Scale) Connect(ctx context.Context) error {
	const op = "scale connect"

	if s.host == nil || !s.host.Supported() {
		return newError(KindUnsupportedPlatform, op, nil)
	}

	s.mu.Lock()
	if s.state != ScaleDisconnected {
		s.mu.Unlock()
		return newError(KindAlreadyConnected, op, nil)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.state = ScaleConnecting
	s.connectCancel = cancel
	s.mu.Unlock()
	defer cancel()

	name, port, err := s.open(ctx, op)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.connectCancel = nil
	if err == nil && ctx.Err() != nil {
		_ = port.Close()
		err = newError(KindNoDeviceSelected, op, ctx.Err())
	}
	if err != nil {
		s.state = ScaleDisconnected
		s.logger.Warn().Err(err).Msg("scale connect failed")
		return err
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.state = ScaleConnected
	s.portName = name
	s.port = port
	s.loopCancel = loopCancel
	s.loopDone = done
	s.reading = true

	go s.readLoop(loopCtx, port, done)

	s.metrics.Connected("scale", true)
	s.logger.Info().Str("port", name).Int("baud", scaleMode.BaudRate).Msg("scale connected")

	return nil
}

func (s *Scale) open(ctx context.Context, op string) (string, io.ReadWriteCloser, error) {
	name, err := s.host.SelectPort(ctx)
	if err != nil {
		return "", nil, asDeviceError(err, op, KindNoDeviceSelected)
	}

	mode := scaleMode
	port, err := s.host.Open(name, &mode)
	if err != nil {
		return "", nil, asDeviceError(err, op, KindConnectFailed)
	}

	return name, port, nil
}

// Disconnect stops the read loop and closes the port. It is safe to call in
// any state, any number of times. A pending Connect is aborted.
func (s *Scale) Disconnect() {
	s.mu.Lock()
	if s.connectCancel != nil {
		s.connectCancel()
	}
	port, cancel, done, name := s.port, s.loopCancel, s.loopDone, s.portName
	s.port = nil
	s.loopCancel = nil
	s.loopDone = nil
	s.mu.Unlock()

	if port == nil {
		return
	}

	// State stays Connected until the handle is really gone so a concurrent
	// Connect cannot open a second one.
	cancel()
	if err := port.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("scale port close")
	}
	<-done

	s.mu.Lock()
	s.state = ScaleDisconnected
	s.portName = ""
	s.reading = false
	s.latest = nil
	s.mu.Unlock()

	s.metrics.Connected("scale", false)
	s.logger.Info().Str("port", name).Msg("scale disconnected")
}

// Close is Disconnect in io.Closer form, for defer.
func (s *Scale) Close() error {
	s.Disconnect()
	return nil
}

// RequestWeight asks the scale for a reading. The reading itself arrives
// through OnReading/Subscribe; reading is not paused by the write.
func (s *Scale) RequestWeight() error {
	return s.SendCommand(RequestCommand)
}

// SendCommand writes cmd followed by CRLF.
func (s *Scale) SendCommand(cmd string) error {
	const op = "scale write"

	s.mu.Lock()
	port := s.port
	s.mu.Unlock()

	if port == nil {
		return newError(KindNotConnected, op, nil)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := io.WriteString(port, cmd+"\r\n"); err != nil {
		return newError(KindTransferError, op, err)
	}

	s.logger.Debug().Str("command", cmd).Msg("scale command sent")
	return nil
}

// AwaitWeight requests a weight and returns the first reading parsed after
// the request, or ctx's error.
func (s *Scale) AwaitWeight(ctx context.Context) (Reading, error) {
	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	if err := s.RequestWeight(); err != nil {
		return Reading{}, err
	}

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return Reading{}, ctx.Err()
	}
}

func (s *Scale) Latest() (Reading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest == nil {
		return Reading{}, false
	}
	return *s.latest, true
}

func (s *Scale) Status() ScaleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := ScaleStatus{
		State:   s.state,
		Port:    s.portName,
		Reading: s.reading,
	}
	if s.latest != nil {
		latest := *s.latest
		status.Latest = &latest
	}
	return status
}

func (s *Scale) readLoop(ctx context.Context, port io.Reader, done chan struct{}) {
	reason := "cancelled"
	defer func() {
		s.mu.Lock()
		if s.loopDone == done {
			s.reading = false
		}
		s.mu.Unlock()
		s.metrics.ReadLoopExit(reason)
		close(done)
	}()

	var lines LineBuffer
	buf := make([]byte, 256)

	for ctx.Err() == nil {
		n, err := port.Read(buf)
		if n > 0 {
			for _, line := range lines.Feed(buf[:n]) {
				s.handleLine(line)
			}
		}
		if err == nil {
			continue
		}

		switch {
		case ctx.Err() != nil:
			s.logger.Debug().Err(err).Msg("scale read interrupted by disconnect")
		case errors.Is(err, io.EOF):
			reason = "eof"
			s.logger.Info().Msg("scale stream closed")
		default:
			reason = "error"
			s.logger.Error().Err(err).Msg("scale read failed, reading stopped")
		}
		return
	}
}

func (s *Scale) handleLine(line string) {
	r, ok := ParseWeight(line)
	if !ok {
		s.metrics.DiscardedLine()
		s.logger.Debug().Str("line", line).Msg("scale line ignored")
		return
	}
	r.At = s.now()
	s.metrics.Reading(string(r.Unit))

	s.mu.Lock()
	s.latest = &r
	fn := s.onReading
	for _, ch := range s.subs {
		select {
		case ch <- r:
		default:
		}
	}
	s.mu.Unlock()

	if fn != nil {
		fn(r)
	}
}
