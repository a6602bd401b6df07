package devices

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/washline/washline-agent/internal/escpos"
	"github.com/washline/washline-agent/internal/metrics"
)

// ChunkSize bounds a single transfer; many thermal printer controllers have
// small input buffers and drop oversized writes.
const ChunkSize = 64

// PrinterLink is an open, write-only path to a printer.
type PrinterLink interface {
	Write(ctx context.Context, chunk []byte) error
	Close() error
}

// PrinterConnector finds a printer and opens a link to it.
type PrinterConnector interface {
	Supported() bool
	Connect(ctx context.Context) (PrinterLink, PrinterInfo, error)
}

// NewPrinterConnector picks the transport named in cfg. usb may be nil when
// the transport is not USB.
func NewPrinterConnector(cfg PrinterConfig, usb USBHost) (PrinterConnector, error) {
	transport := strings.ToLower(strings.TrimSpace(cfg.Transport))

	switch transport {
	case "", "usb":
		filters, err := USBFilters(cfg.VendorID, cfg.ProductID)
		if err != nil {
			return nil, err
		}
		return &USBPrinter{Host: usb, Filters: filters, Timeout: cfg.WriteTimeout()}, nil
	case "raw_tcp", "tcp", "network", "jetdirect":
		return &NetworkPrinter{Host: cfg.Host, Port: cfg.Port, Timeout: cfg.WriteTimeout()}, nil
	default:
		return nil, fmt.Errorf("unsupported printer transport: %s", cfg.Transport)
	}
}

// Printer turns print jobs into ESC/POS streams and writes them to one
// printer link in ChunkSize pieces.
type Printer struct {
	connector PrinterConnector
	layout    ReceiptLayout
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	// jobMu serialises print jobs and lets Disconnect wait for the one in flight.
	jobMu    sync.Mutex
	printing atomic.Bool

	mu         sync.Mutex
	link       PrinterLink
	info       PrinterInfo
	connecting bool
}

func NewPrinter(connector PrinterConnector, layout ReceiptLayout, logger zerolog.Logger, m *metrics.Metrics) *Printer {
	return &Printer{
		connector: connector,
		layout:    layout,
		logger:    logger.With().Str("device", "printer").Logger(),
		metrics:   m,
		now:       time.Now,
	}
}

func (p *Printer) Connect(ctx context.Context) (PrinterInfo, error) {
	const op = "printer connect"

	if p.connector == nil || !p.connector.Supported() {
		return PrinterInfo{}, newError(KindUnsupportedPlatform, op, nil)
	}

	p.mu.Lock()
	if p.link != nil || p.connecting {
		p.mu.Unlock()
		return PrinterInfo{}, newError(KindAlreadyConnected, op, nil)
	}
	p.connecting = true
	p.mu.Unlock()

	link, info, err := p.connector.Connect(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.connecting = false
	if err != nil {
		derr := asDeviceError(err, op, KindConnectFailed)
		p.logger.Warn().Err(derr).Msg("printer connect failed")
		return PrinterInfo{}, derr
	}

	p.link = link
	p.info = info

	p.metrics.Connected("printer", true)
	p.logger.Info().Str("printer", info.String()).Str("transport", info.Transport).Msg("printer connected")

	return info, nil
}

// Disconnect closes the printer link once any print in progress has
// finished. Calling it when not connected does nothing.
func (p *Printer) Disconnect() {
	p.jobMu.Lock()
	defer p.jobMu.Unlock()

	p.mu.Lock()
	link, info := p.link, p.info
	p.link = nil
	p.info = PrinterInfo{}
	p.mu.Unlock()

	if link == nil {
		return
	}

	if err := link.Close(); err != nil {
		p.logger.Debug().Err(err).Msg("printer close")
	}

	p.metrics.Connected("printer", false)
	p.logger.Info().Str("printer", info.String()).Msg("printer disconnected")
}

func (p *Printer) Close() error {
	p.Disconnect()
	return nil
}

func (p *Printer) Status() PrinterStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := PrinterStatus{
		Connected: p.link != nil,
		Printing:  p.printing.Load(),
	}
	if p.link != nil {
		info := p.info
		status.Info = &info
	}
	return status
}

func (p *Printer) PrintTest(ctx context.Context) error {
	_, err := p.print(ctx, "test", BuildTestPage(p.layout, p.now()))
	return err
}

// PrintReceipt renders doc with the printer's layout and returns the number
// of bytes the printer accepted, which is short of the stream on failure.
func (p *Printer) PrintReceipt(ctx context.Context, doc ReceiptDocument) (int, error) {
	return p.print(ctx, "receipt", BuildReceipt(doc, p.layout))
}

func (p *Printer) print(ctx context.Context, kind string, data []byte) (sent int, err error) {
	op := "print " + kind

	p.jobMu.Lock()
	defer p.jobMu.Unlock()

	p.mu.Lock()
	link := p.link
	p.mu.Unlock()

	if link == nil {
		return 0, newError(KindNotConnected, op, nil)
	}

	p.printing.Store(true)
	defer p.printing.Store(false)
	defer func() {
		p.metrics.PrintJob(kind, err)
	}()

	chunks := escpos.Chunk(data, ChunkSize)
	for i, chunk := range chunks {
		if werr := link.Write(ctx, chunk); werr != nil {
			p.logger.Error().
				Err(werr).
				Str("job", kind).
				Int("chunk", i+1).
				Int("chunks", len(chunks)).
				Int("sent", sent).
				Msg("printer transfer failed, job aborted")
			return sent, newError(KindTransferError, op, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), werr))
		}
		sent += len(chunk)
		p.metrics.ChunkWritten()
	}

	p.logger.Info().Str("job", kind).Int("bytes", sent).Int("chunks", len(chunks)).Msg("print job sent")
	return sent, nil
}

// NetworkPrinter reaches an ESC/POS printer over raw TCP (port 9100).
type NetworkPrinter struct {
	Host    string
	Port    int
	Timeout time.Duration
}

func (n *NetworkPrinter) Supported() bool {
	return true
}

func (n *NetworkPrinter) Connect(ctx context.Context) (PrinterLink, PrinterInfo, error) {
	host := strings.TrimSpace(n.Host)
	if host == "" {
		return nil, PrinterInfo{}, newError(KindNoDeviceSelected, "printer connect", errors.New("no printer host configured"))
	}

	port := n.Port
	if port <= 0 {
		port = 9100
	}

	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, PrinterInfo{}, newError(KindNoDeviceSelected, "dial "+addr, err)
		}
		return nil, PrinterInfo{}, newError(KindConnectFailed, "dial "+addr, err)
	}

	return &tcpLink{conn: conn, timeout: timeout}, PrinterInfo{Name: addr, Transport: "raw_tcp"}, nil
}

type tcpLink struct {
	conn    net.Conn
	timeout time.Duration
}

func (l *tcpLink) Write(ctx context.Context, chunk []byte) error {
	deadline := time.Now().Add(l.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = l.conn.SetWriteDeadline(deadline)

	n, err := l.conn.Write(chunk)
	if err != nil {
		return err
	}
	if n != len(chunk) {
		return io.ErrShortWrite
	}
	return nil
}

func (l *tcpLink) Close() error {
	return l.conn.Close()
}
