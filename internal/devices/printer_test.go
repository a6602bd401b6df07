package devices

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/washline/washline-agent/internal/escpos"
)

type fakeUSBDevice struct {
	active      int
	activeErr   error
	claimErr    error
	endpoints   []USBEndpoint
	failAtChunk int // 1-based; 0 never fails
	shortWrite  bool

	mu        sync.Mutex
	selected  []int
	claimed   []int
	endpoint  int
	transfers [][]byte
	closed    int
}

func (d *fakeUSBDevice) Info() PrinterInfo {
	return PrinterInfo{Name: "POS-58", Transport: "usb", VendorID: 0x0416, ProductID: 0x5011}
}

func (d *fakeUSBDevice) ActiveConfiguration() (int, error) {
	return d.active, d.activeErr
}

func (d *fakeUSBDevice) SelectConfiguration(n int) error {
	d.selected = append(d.selected, n)
	d.active = n
	return nil
}

func (d *fakeUSBDevice) ClaimInterface(n int) ([]USBEndpoint, error) {
	if d.claimErr != nil {
		return nil, d.claimErr
	}
	d.claimed = append(d.claimed, n)
	return d.endpoints, nil
}

func (d *fakeUSBDevice) TransferOut(ctx context.Context, endpoint int, data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.endpoint = endpoint
	d.transfers = append(d.transfers, append([]byte(nil), data...))
	if d.failAtChunk == len(d.transfers) {
		return 0, errors.New("LIBUSB_ERROR_PIPE")
	}
	if d.shortWrite {
		return len(data) - 1, nil
	}
	return len(data), nil
}

func (d *fakeUSBDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

type fakeUSBHost struct {
	unsupported bool
	err         error
	dev         *fakeUSBDevice
	filters     []USBFilter
}

func (h *fakeUSBHost) Supported() bool { return !h.unsupported }

func (h *fakeUSBHost) RequestDevice(ctx context.Context, filters []USBFilter) (USBDevice, error) {
	h.filters = filters
	if h.err != nil {
		return nil, h.err
	}
	return h.dev, nil
}

func printerEndpoints() []USBEndpoint {
	return []USBEndpoint{
		{Number: 1, Out: false, Bulk: true},
		{Number: 2, Out: true, Bulk: true},
		{Number: 3, Out: true, Bulk: false},
	}
}

func newTestPrinter(host USBHost) *Printer {
	filters, _ := USBFilters("", "")
	p := NewPrinter(&USBPrinter{Host: host, Filters: filters, Timeout: time.Second}, DefaultReceiptLayout(), zerolog.Nop(), nil)
	p.now = func() time.Time { return time.Date(2025, 10, 20, 9, 30, 0, 0, time.UTC) }
	return p
}

func sampleReceipt() ReceiptDocument {
	return ReceiptDocument{
		OrderID:    "A-1042",
		ClientName: "María Pérez",
		Phone:      "+52 55 1234 5678",
		StaffName:  "Luis",
		Items: []ReceiptItem{
			{ServiceName: "Wash & Fold", Quantity: 4.5, Unit: "kg", Subtotal: decimal.RequireFromString("90")},
			{ServiceName: "Dry Clean Suit", Quantity: 1, Unit: "pc", Subtotal: decimal.RequireFromString("150.5")},
		},
		Total:         decimal.RequireFromString("240.5"),
		PaymentMethod: "Cash",
		DeliveryDate:  time.Date(2025, 10, 22, 0, 0, 0, 0, time.UTC),
		CreatedAt:     time.Date(2025, 10, 20, 9, 30, 0, 0, time.UTC),
		Notes:         "Delicate cycle for the blue shirt",
	}
}

func TestPrinterConnectClaimsInterface(t *testing.T) {
	dev := &fakeUSBDevice{endpoints: printerEndpoints()}
	host := &fakeUSBHost{dev: dev}
	p := newTestPrinter(host)
	defer p.Disconnect()

	info, err := p.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if info.Name != "POS-58" {
		t.Errorf("info = %+v", info)
	}
	if len(dev.selected) != 1 || dev.selected[0] != 1 {
		t.Errorf("selected configurations = %v, want [1]", dev.selected)
	}
	if len(dev.claimed) != 1 || dev.claimed[0] != 0 {
		t.Errorf("claimed interfaces = %v, want [0]", dev.claimed)
	}
	if len(host.filters) != len(ThermalPrinterVendors) {
		t.Errorf("filters = %v", host.filters)
	}
	if !p.Status().Connected {
		t.Error("status not connected")
	}

	if err := p.PrintTest(context.Background()); err != nil {
		t.Fatalf("print test: %v", err)
	}
	if dev.endpoint != 2 {
		t.Errorf("wrote to endpoint %d, want bulk OUT 2", dev.endpoint)
	}
}

func TestPrinterKeepsActiveConfiguration(t *testing.T) {
	dev := &fakeUSBDevice{active: 1, endpoints: printerEndpoints()}
	p := newTestPrinter(&fakeUSBHost{dev: dev})
	defer p.Disconnect()

	if _, err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if len(dev.selected) != 0 {
		t.Fatalf("configuration re-selected: %v", dev.selected)
	}
}

func TestPrinterConnectFailures(t *testing.T) {
	tests := []struct {
		name       string
		host       *fakeUSBHost
		want       Kind
		wantClosed bool
	}{
		{
			name: "unsupported",
			host: &fakeUSBHost{unsupported: true},
			want: KindUnsupportedPlatform,
		},
		{
			name: "nothing selected",
			host: &fakeUSBHost{err: errors.New("cancelled")},
			want: KindNoDeviceSelected,
		},
		{
			name: "access denied",
			host: &fakeUSBHost{err: newError(KindAccessDenied, "open", nil)},
			want: KindAccessDenied,
		},
		{
			name:       "no out endpoint",
			host:       &fakeUSBHost{dev: &fakeUSBDevice{endpoints: []USBEndpoint{{Number: 1, Bulk: true}}}},
			want:       KindConnectFailed,
			wantClosed: true,
		},
		{
			name:       "claim fails",
			host:       &fakeUSBHost{dev: &fakeUSBDevice{claimErr: newError(KindPortBusy, "claim", nil)}},
			want:       KindPortBusy,
			wantClosed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPrinter(tt.host)

			_, err := p.Connect(context.Background())
			if got := KindOf(err); got != tt.want {
				t.Fatalf("kind = %v, want %v (err %v)", got, tt.want, err)
			}
			if p.Status().Connected {
				t.Fatal("printer reports connected after failure")
			}
			if tt.wantClosed && tt.host.dev.closed != 1 {
				t.Fatalf("device closed %d times, want 1", tt.host.dev.closed)
			}
		})
	}
}

func TestPrinterConnectTwiceIsRejected(t *testing.T) {
	p := newTestPrinter(&fakeUSBHost{dev: &fakeUSBDevice{endpoints: printerEndpoints()}})
	defer p.Disconnect()

	if _, err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := p.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("err = %v, want ErrAlreadyConnected", err)
	}
}

func TestPrinterPrintRequiresConnection(t *testing.T) {
	p := newTestPrinter(&fakeUSBHost{dev: &fakeUSBDevice{endpoints: printerEndpoints()}})

	if n, err := p.PrintReceipt(context.Background(), sampleReceipt()); !errors.Is(err, ErrNotConnected) || n != 0 {
		t.Fatalf("receipt = %d, %v, want 0, ErrNotConnected", n, err)
	}
	if err := p.PrintTest(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("test err = %v, want ErrNotConnected", err)
	}
}

func TestPrinterWritesReceiptInChunks(t *testing.T) {
	dev := &fakeUSBDevice{endpoints: printerEndpoints()}
	p := newTestPrinter(&fakeUSBHost{dev: dev})
	defer p.Disconnect()

	if _, err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	doc := sampleReceipt()
	sent, err := p.PrintReceipt(context.Background(), doc)
	if err != nil {
		t.Fatalf("print: %v", err)
	}

	want := BuildReceipt(doc, DefaultReceiptLayout())
	if sent != len(want) {
		t.Fatalf("sent = %d, want %d", sent, len(want))
	}
	if n := (len(want) + ChunkSize - 1) / ChunkSize; len(dev.transfers) != n {
		t.Fatalf("transfers = %d, want %d for %d bytes", len(dev.transfers), n, len(want))
	}

	var joined []byte
	for i, chunk := range dev.transfers {
		if len(chunk) > ChunkSize {
			t.Fatalf("chunk %d is %d bytes", i, len(chunk))
		}
		joined = append(joined, chunk...)
	}
	if !bytes.Equal(joined, want) {
		t.Fatal("transferred bytes differ from the receipt stream")
	}
}

func TestPrinterStopsOnTransferError(t *testing.T) {
	dev := &fakeUSBDevice{endpoints: printerEndpoints(), failAtChunk: 2}
	p := newTestPrinter(&fakeUSBHost{dev: dev})
	defer p.Disconnect()

	if _, err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	sent, err := p.PrintReceipt(context.Background(), sampleReceipt())
	if !errors.Is(err, ErrTransfer) {
		t.Fatalf("err = %v, want ErrTransfer", err)
	}
	if len(dev.transfers) != 2 {
		t.Fatalf("transfers after failure = %d, want 2", len(dev.transfers))
	}
	if sent != ChunkSize {
		t.Fatalf("sent = %d, want only the first chunk (%d)", sent, ChunkSize)
	}
	if p.Status().Printing {
		t.Fatal("printer still reports printing")
	}
}

func TestPrinterShortWriteIsTransferError(t *testing.T) {
	dev := &fakeUSBDevice{endpoints: printerEndpoints(), shortWrite: true}
	p := newTestPrinter(&fakeUSBHost{dev: dev})
	defer p.Disconnect()

	if _, err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	err := p.PrintTest(context.Background())
	if !errors.Is(err, ErrTransfer) || !errors.Is(err, io.ErrShortWrite) {
		t.Fatalf("err = %v", err)
	}
	if len(dev.transfers) != 1 {
		t.Fatalf("transfers = %d, want 1", len(dev.transfers))
	}
}

func TestPrinterDisconnectIsIdempotent(t *testing.T) {
	dev := &fakeUSBDevice{endpoints: printerEndpoints()}
	p := newTestPrinter(&fakeUSBHost{dev: dev})

	p.Disconnect()

	if _, err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	p.Disconnect()
	p.Disconnect()
	_ = p.Close()

	if dev.closed != 1 {
		t.Fatalf("device closed %d times, want 1", dev.closed)
	}
	if p.Status().Connected {
		t.Fatal("still connected")
	}
}

func TestNetworkPrinter(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			received <- nil
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- data
	}()

	addr := ln.Addr().(*net.TCPAddr)
	connector, err := NewPrinterConnector(PrinterConfig{Transport: "raw_tcp", Host: "127.0.0.1", Port: addr.Port}, nil)
	if err != nil {
		t.Fatalf("connector: %v", err)
	}

	p := NewPrinter(connector, DefaultReceiptLayout(), zerolog.Nop(), nil)
	at := time.Date(2025, 10, 20, 9, 30, 0, 0, time.UTC)
	p.now = func() time.Time { return at }

	info, err := p.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if info.Transport != "raw_tcp" {
		t.Fatalf("info = %+v", info)
	}

	if err := p.PrintTest(context.Background()); err != nil {
		t.Fatalf("print: %v", err)
	}
	p.Disconnect()

	select {
	case got := <-received:
		if !bytes.Equal(got, BuildTestPage(DefaultReceiptLayout(), at)) {
			t.Fatalf("printer received %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("nothing received")
	}
}

func TestNetworkPrinterWithoutHost(t *testing.T) {
	p := NewPrinter(&NetworkPrinter{}, DefaultReceiptLayout(), zerolog.Nop(), nil)
	if _, err := p.Connect(context.Background()); !errors.Is(err, ErrNoDeviceSelected) {
		t.Fatalf("err = %v", err)
	}
}

func TestNewPrinterConnector(t *testing.T) {
	if c, err := NewPrinterConnector(PrinterConfig{}, &fakeUSBHost{}); err != nil {
		t.Fatalf("default transport: %v", err)
	} else if _, ok := c.(*USBPrinter); !ok {
		t.Fatalf("default transport is %T, want *USBPrinter", c)
	}

	if _, err := NewPrinterConnector(PrinterConfig{Transport: "bluetooth"}, nil); err == nil {
		t.Fatal("expected error for unknown transport")
	}

	if _, err := NewPrinterConnector(PrinterConfig{VendorID: "zz"}, nil); err == nil {
		t.Fatal("expected error for bad vendor id")
	}
}

func TestPrintTestStream(t *testing.T) {
	at := time.Date(2025, 10, 20, 9, 30, 0, 0, time.UTC)
	got := BuildTestPage(ReceiptLayout{ShopName: "LAVA"}, at)

	if !bytes.HasPrefix(got, escpos.InitSequence()) || !bytes.HasSuffix(got, escpos.CutSequence()) {
		t.Fatal("test page must start with init and end with cut")
	}
	for _, want := range []string{"LAVA", "Printer test", "20/10/2025 09:30"} {
		if !bytes.Contains(got, []byte(want)) {
			t.Errorf("test page lacks %q", want)
		}
	}
}
