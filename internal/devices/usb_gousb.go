package devices

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/gousb"
	"github.com/rs/zerolog"
)

// LibUSB is the libusb backed USBHost.
type LibUSB struct {
	ctx    *gousb.Context
	logger zerolog.Logger
}

// NewLibUSB initialises libusb. When that fails the host reports itself as
// unsupported instead of failing the whole agent.
func NewLibUSB(logger zerolog.Logger) *LibUSB {
	h := &LibUSB{logger: logger.With().Str("component", "usb").Logger()}

	func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Warn().Interface("cause", r).Msg("libusb unavailable, USB printing disabled")
				h.ctx = nil
			}
		}()
		h.ctx = gousb.NewContext()
	}()

	return h
}

func (h *LibUSB) Supported() bool {
	return h != nil && h.ctx != nil
}

func (h *LibUSB) Close() error {
	if h.ctx == nil {
		return nil
	}
	return h.ctx.Close()
}

// RequestDevice opens the first attached device matching filters.
func (h *LibUSB) RequestDevice(ctx context.Context, filters []USBFilter) (USBDevice, error) {
	const op = "request usb printer"

	if err := ctx.Err(); err != nil {
		return nil, newError(KindNoDeviceSelected, op, err)
	}

	devs, err := h.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return matchAny(filters, uint16(desc.Vendor), uint16(desc.Product))
	})
	if len(devs) == 0 {
		if err != nil {
			return nil, classifyUSBError(op, err)
		}
		return nil, newError(KindNoDeviceSelected, op, errors.New("no matching printer attached"))
	}
	if err != nil {
		h.logger.Warn().Err(err).Msg("some USB devices could not be opened")
	}

	dev := devs[0]
	for _, other := range devs[1:] {
		_ = other.Close()
	}

	if err := dev.SetAutoDetach(true); err != nil {
		h.logger.Debug().Err(err).Msg("usb auto detach")
	}

	return newLibUSBDevice(dev), nil
}

// ListUSBPrinters describes attached devices matching filters without
// keeping them open.
func (h *LibUSB) ListUSBPrinters(filters []USBFilter) ([]PrinterInfo, error) {
	if !h.Supported() {
		return nil, newError(KindUnsupportedPlatform, "list usb printers", nil)
	}

	devs, err := h.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return matchAny(filters, uint16(desc.Vendor), uint16(desc.Product))
	})

	infos := make([]PrinterInfo, 0, len(devs))
	for _, dev := range devs {
		infos = append(infos, describeUSBDevice(dev))
		_ = dev.Close()
	}

	if err != nil && len(infos) == 0 {
		return nil, classifyUSBError("list usb printers", err)
	}
	return infos, nil
}

func classifyUSBError(op string, err error) error {
	switch {
	case errors.Is(err, gousb.ErrorAccess):
		return newError(KindAccessDenied, op, err)
	case errors.Is(err, gousb.ErrorBusy):
		return newError(KindPortBusy, op, err)
	case errors.Is(err, gousb.ErrorNoDevice), errors.Is(err, gousb.ErrorNotFound):
		return newError(KindNoDeviceSelected, op, err)
	case errors.Is(err, gousb.ErrorNotSupported):
		return newError(KindUnsupportedPlatform, op, err)
	default:
		return newError(KindConnectFailed, op, err)
	}
}

func describeUSBDevice(dev *gousb.Device) PrinterInfo {
	manufacturer, _ := dev.Manufacturer()
	product, _ := dev.Product()

	info := PrinterInfo{
		Name:      strings.TrimSpace(manufacturer + " " + product),
		Transport: "usb",
		VendorID:  uint16(dev.Desc.Vendor),
		ProductID: uint16(dev.Desc.Product),
	}
	if info.Name == "" {
		info.Name = fmt.Sprintf("USB printer %04x:%04x", info.VendorID, info.ProductID)
	}
	return info
}

type libUSBDevice struct {
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	outs map[int]*gousb.OutEndpoint
	info PrinterInfo
}

func newLibUSBDevice(dev *gousb.Device) *libUSBDevice {
	return &libUSBDevice{
		dev:  dev,
		outs: map[int]*gousb.OutEndpoint{},
		info: describeUSBDevice(dev),
	}
}

func (d *libUSBDevice) Info() PrinterInfo {
	return d.info
}

func (d *libUSBDevice) ActiveConfiguration() (int, error) {
	return d.dev.ActiveConfigNum()
}

func (d *libUSBDevice) SelectConfiguration(n int) error {
	if d.cfg != nil {
		if err := d.cfg.Close(); err != nil {
			return err
		}
		d.cfg = nil
	}

	cfg, err := d.dev.Config(n)
	if err != nil {
		return classifyUSBError(fmt.Sprintf("usb config %d", n), err)
	}
	d.cfg = cfg
	return nil
}

func (d *libUSBDevice) ClaimInterface(n int) ([]USBEndpoint, error) {
	if d.cfg == nil {
		num, err := d.dev.ActiveConfigNum()
		if err != nil || num == 0 {
			num = 1
		}
		if err := d.SelectConfiguration(num); err != nil {
			return nil, err
		}
	}

	intf, err := d.cfg.Interface(n, 0)
	if err != nil {
		return nil, classifyUSBError(fmt.Sprintf("usb interface %d", n), err)
	}
	d.intf = intf

	endpoints := make([]USBEndpoint, 0, len(intf.Setting.Endpoints))
	for _, ep := range intf.Setting.Endpoints {
		endpoints = append(endpoints, USBEndpoint{
			Number: ep.Number,
			Out:    ep.Direction == gousb.EndpointDirectionOut,
			Bulk:   ep.TransferType == gousb.TransferTypeBulk,
		})
	}
	sort.Slice(endpoints, func(i, j int) bool {
		return endpoints[i].Number < endpoints[j].Number
	})

	return endpoints, nil
}

func (d *libUSBDevice) TransferOut(ctx context.Context, endpoint int, data []byte) (int, error) {
	if d.intf == nil {
		return 0, errors.New("no interface claimed")
	}

	ep, ok := d.outs[endpoint]
	if !ok {
		var err error
		if ep, err = d.intf.OutEndpoint(endpoint); err != nil {
			return 0, err
		}
		d.outs[endpoint] = ep
	}

	return ep.WriteContext(ctx, data)
}

func (d *libUSBDevice) Close() error {
	if d.intf != nil {
		d.intf.Close()
		d.intf = nil
	}
	if d.cfg != nil {
		_ = d.cfg.Close()
		d.cfg = nil
	}
	return d.dev.Close()
}
