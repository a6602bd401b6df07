package devices

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ThermalPrinterVendors lists USB vendor IDs of common thermal/POS printer
// makers and the bridge chips they ship with.
var ThermalPrinterVendors = []uint16{
	0x04b8, // Seiko Epson
	0x0519, // Star Micronics
	0x0416, // Winbond (many generic 58mm printers)
	0x0483, // STMicroelectronics
	0x0fe6, // ICS Advent (Xprinter and clones)
	0x1504, // Bixolon
	0x154f, // SNBC
	0x0dd4, // Custom Engineering
	0x28e9, // GigaDevice
	0x1fc9, // NXP
	0x067b, // Prolific
	0x1a86, // QinHeng
}

type USBFilter struct {
	VendorID  uint16
	ProductID uint16 // 0 matches any product
}

func (f USBFilter) Match(vendor, product uint16) bool {
	return f.VendorID == vendor && (f.ProductID == 0 || f.ProductID == product)
}

func matchAny(filters []USBFilter, vendor, product uint16) bool {
	for _, f := range filters {
		if f.Match(vendor, product) {
			return true
		}
	}
	return false
}

// USBFilters returns a filter for the configured vendor/product pair, or the
// thermal printer allow-list when no vendor is configured. IDs are hex, with
// or without a 0x prefix.
func USBFilters(vendorID, productID string) ([]USBFilter, error) {
	if strings.TrimSpace(vendorID) == "" {
		filters := make([]USBFilter, 0, len(ThermalPrinterVendors))
		for _, v := range ThermalPrinterVendors {
			filters = append(filters, USBFilter{VendorID: v})
		}
		return filters, nil
	}

	vendor, err := parseUSBID(vendorID)
	if err != nil {
		return nil, fmt.Errorf("invalid vendor_id %q: %w", vendorID, err)
	}

	var product uint16
	if strings.TrimSpace(productID) != "" {
		if product, err = parseUSBID(productID); err != nil {
			return nil, fmt.Errorf("invalid product_id %q: %w", productID, err)
		}
	}

	return []USBFilter{{VendorID: vendor, ProductID: product}}, nil
}

func parseUSBID(s string) (uint16, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	return uint16(v), err
}

type USBEndpoint struct {
	Number int
	Out    bool
	Bulk   bool
}

// USBDevice is an opened USB device handle.
type USBDevice interface {
	Info() PrinterInfo
	// ActiveConfiguration returns 0 when the device is unconfigured.
	ActiveConfiguration() (int, error)
	SelectConfiguration(n int) error
	ClaimInterface(n int) ([]USBEndpoint, error)
	TransferOut(ctx context.Context, endpoint int, data []byte) (int, error)
	Close() error
}

// USBHost is the platform's USB capability.
type USBHost interface {
	Supported() bool
	RequestDevice(ctx context.Context, filters []USBFilter) (USBDevice, error)
}

// USBPrinter connects to the first attached printer matching Filters.
type USBPrinter struct {
	Host    USBHost
	Filters []USBFilter
	Timeout time.Duration
}

func (u *USBPrinter) Supported() bool {
	return u.Host != nil && u.Host.Supported()
}

func (u *USBPrinter) Connect(ctx context.Context) (PrinterLink, PrinterInfo, error) {
	dev, err := u.Host.RequestDevice(ctx, u.Filters)
	if err != nil {
		return nil, PrinterInfo{}, asDeviceError(err, "usb request device", KindNoDeviceSelected)
	}

	endpoint, err := claimPrinterInterface(dev)
	if err != nil {
		_ = dev.Close()
		return nil, PrinterInfo{}, err
	}

	timeout := u.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &usbLink{dev: dev, endpoint: endpoint, timeout: timeout}, dev.Info(), nil
}

// claimPrinterInterface selects configuration 1 if the device has none,
// claims interface 0 and returns its OUT endpoint number.
func claimPrinterInterface(dev USBDevice) (int, error) {
	active, err := dev.ActiveConfiguration()
	if err != nil {
		return 0, asDeviceError(err, "usb configuration", KindConnectFailed)
	}
	if active == 0 {
		if err := dev.SelectConfiguration(1); err != nil {
			return 0, asDeviceError(err, "usb select configuration", KindConnectFailed)
		}
	}

	endpoints, err := dev.ClaimInterface(0)
	if err != nil {
		return 0, asDeviceError(err, "usb claim interface", KindConnectFailed)
	}

	endpoint, ok := outEndpoint(endpoints)
	if !ok {
		return 0, newError(KindConnectFailed, "usb claim interface", errors.New("interface 0 has no OUT endpoint"))
	}
	return endpoint, nil
}

// outEndpoint prefers a bulk OUT endpoint and settles for any OUT endpoint.
func outEndpoint(endpoints []USBEndpoint) (int, bool) {
	for _, ep := range endpoints {
		if ep.Out && ep.Bulk {
			return ep.Number, true
		}
	}
	for _, ep := range endpoints {
		if ep.Out {
			return ep.Number, true
		}
	}
	return 0, false
}

type usbLink struct {
	dev      USBDevice
	endpoint int
	timeout  time.Duration
}

func (l *usbLink) Write(ctx context.Context, chunk []byte) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	n, err := l.dev.TransferOut(ctx, l.endpoint, chunk)
	if err != nil {
		return err
	}
	if n != len(chunk) {
		return io.ErrShortWrite
	}
	return nil
}

func (l *usbLink) Close() error {
	return l.dev.Close()
}
