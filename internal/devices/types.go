package devices

import (
	"fmt"
	"strconv"
	"time"
)

type Unit string

const (
	UnitKilogram Unit = "kg"
	UnitGram     Unit = "g"
	UnitPound    Unit = "lb"
)

// Reading is a single weight frame parsed from the scale. Readings are never
// stored beyond the adapter's "latest" slot.
type Reading struct {
	Value float64   `json:"weight"`
	Unit  Unit      `json:"unit"`
	Raw   string    `json:"raw"`
	At    time.Time `json:"at"`
}

func (r Reading) String() string {
	return strconv.FormatFloat(r.Value, 'f', -1, 64) + " " + string(r.Unit)
}

type ScaleState int

const (
	ScaleDisconnected ScaleState = iota
	ScaleConnecting
	ScaleConnected
)

func (s ScaleState) String() string {
	switch s {
	case ScaleConnecting:
		return "connecting"
	case ScaleConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

func (s ScaleState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type ScaleStatus struct {
	State   ScaleState `json:"state"`
	Port    string     `json:"port,omitempty"`
	Reading bool       `json:"reading"`
	Latest  *Reading   `json:"latest,omitempty"`
}

type PrinterInfo struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	VendorID  uint16 `json:"vendor_id,omitempty"`
	ProductID uint16 `json:"product_id,omitempty"`
}

func (i PrinterInfo) String() string {
	if i.VendorID != 0 {
		return fmt.Sprintf("%s (%04x:%04x)", i.Name, i.VendorID, i.ProductID)
	}
	return i.Name
}

type PrinterStatus struct {
	Connected bool         `json:"connected"`
	Printing  bool         `json:"printing"`
	Info      *PrinterInfo `json:"info,omitempty"`
}

// ScaleConfig selects the serial port. Line parameters are fixed by the
// scale protocol and are not configurable.
type ScaleConfig struct {
	SerialPort    string `json:"serial_port,omitempty"`
	ReadTimeoutMs int    `json:"read_timeout_ms,omitempty"`
}

func (c ScaleConfig) ReadTimeout() time.Duration {
	if c.ReadTimeoutMs <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

type PrinterConfig struct {
	Transport     string `json:"transport,omitempty"`
	VendorID      string `json:"vendor_id,omitempty"`
	ProductID     string `json:"product_id,omitempty"`
	Host          string `json:"host,omitempty"`
	Port          int    `json:"port,omitempty"`
	WriteTimeoutS int    `json:"write_timeout_s,omitempty"`
}

func (c PrinterConfig) WriteTimeout() time.Duration {
	if c.WriteTimeoutS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.WriteTimeoutS) * time.Second
}
