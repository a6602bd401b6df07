package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"

	"github.com/washline/washline-agent/internal/config"
	"github.com/washline/washline-agent/internal/devices"
)

const diagUsage = `usage: washline-agent diag <ports|scale|printer> [flags]

  ports                      list serial ports and attached USB printers
  scale [-port P] [-cmd P] [-seconds N]
                             connect the scale, send a command, print readings
  printer                    connect the printer and print a test page
`

func runDiag(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, diagUsage)
		return 2
	}

	cfg, err := config.LoadOrCreateDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading config: %v\n", err)
		return 1
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(zerolog.InfoLevel).With().Timestamp().Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	switch args[0] {
	case "ports":
		err = diagPorts(os.Stdout, cfg, logger)
	case "scale":
		err = diagScale(ctx, os.Stdout, cfg, logger, args[1:])
	case "printer":
		err = diagPrinter(ctx, os.Stdout, cfg, logger)
	default:
		fmt.Fprint(os.Stderr, diagUsage)
		return 2
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "diag %s: %v\n", args[0], err)
		return 1
	}
	return 0
}

func diagPorts(out io.Writer, cfg *config.Config, logger zerolog.Logger) error {
	ports, err := devices.ListSerialPorts()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERIAL PORT\tUSB\tVID:PID\tPRODUCT")
	for _, p := range ports {
		id := "-"
		if p.IsUSB {
			id = strings.ToLower(p.VID + ":" + p.PID)
		}
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", p.Name, p.IsUSB, id, p.Product)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if !isUSBTransport(cfg.Printer.Transport) {
		fmt.Fprintf(out, "\nprinter transport %s, host %s\n", cfg.Printer.Transport, cfg.Printer.Host)
		return nil
	}

	filters, err := devices.USBFilters(cfg.Printer.VendorID, cfg.Printer.ProductID)
	if err != nil {
		return err
	}

	usb := devices.NewLibUSB(logger)
	defer func() {
		_ = usb.Close()
	}()

	printers, err := usb.ListUSBPrinters(filters)
	if err != nil {
		return err
	}

	fmt.Fprintln(out)
	if len(printers) == 0 {
		fmt.Fprintln(out, "no USB receipt printer attached")
		return nil
	}
	for _, p := range printers {
		fmt.Fprintf(out, "USB printer: %s\n", p)
	}
	return nil
}

func diagScale(ctx context.Context, out io.Writer, cfg *config.Config, logger zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("diag scale", flag.ContinueOnError)
	port := fs.String("port", cfg.Scale.SerialPort, "serial port, empty to auto-pick")
	command := fs.String("cmd", devices.RequestCommand, "command sent after connecting (P, W, S, Z), empty for none")
	seconds := fs.Int("seconds", 10, "how long to print readings")
	if err := fs.Parse(args); err != nil {
		return err
	}

	scale := devices.NewScale(&devices.SerialPorts{PortName: *port}, logger, nil)
	scale.OnReading(func(r devices.Reading) {
		fmt.Fprintf(out, "%s  %-10s raw=%q\n", r.At.Format("15:04:05.000"), r.String(), r.Raw)
	})

	if err := scale.Connect(ctx); err != nil {
		return err
	}
	defer scale.Disconnect()

	fmt.Fprintf(out, "connected to %s\n", scale.Status().Port)

	if cmd := strings.TrimSpace(*command); cmd != "" {
		if err := scale.SendCommand(cmd); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(*seconds) * time.Second):
	}

	if !scale.Status().Reading {
		return fmt.Errorf("read loop stopped, check the cable and port")
	}
	return nil
}

func diagPrinter(ctx context.Context, out io.Writer, cfg *config.Config, logger zerolog.Logger) error {
	_, printer, closeDevices, err := buildDevices(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer closeDevices()

	info, err := printer.Connect(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "connected to %s over %s\n", info, info.Transport)

	if err := printer.PrintTest(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "test page sent")
	return nil
}
