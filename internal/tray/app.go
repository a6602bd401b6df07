package tray

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/getlantern/systray"
	"github.com/rs/zerolog"

	"github.com/washline/washline-agent/internal/agent"
	"github.com/washline/washline-agent/internal/autostart"
	"github.com/washline/washline-agent/internal/config"
	"github.com/washline/washline-agent/internal/devices"
	"github.com/washline/washline-agent/internal/update"
	"github.com/washline/washline-agent/internal/version"
)

const refreshEvery = 2 * time.Second

type App struct {
	cfg     *config.Config
	agent   *agent.Agent
	scale   agent.Scale
	printer agent.Printer
	logger  zerolog.Logger
}

func New(cfg *config.Config, agentInstance *agent.Agent, scale agent.Scale, printer agent.Printer, logger zerolog.Logger) *App {
	return &App{
		cfg:     cfg,
		agent:   agentInstance,
		scale:   scale,
		printer: printer,
		logger:  logger.With().Str("component", "tray").Logger(),
	}
}

func (a *App) Run() {
	systray.Run(a.onReady, a.onExit)
}

type menu struct {
	status *systray.MenuItem
	start  *systray.MenuItem
	stop   *systray.MenuItem

	scaleStatus     *systray.MenuItem
	scaleConnect    *systray.MenuItem
	scaleDisconnect *systray.MenuItem
	requestWeight   *systray.MenuItem

	printerStatus     *systray.MenuItem
	printerConnect    *systray.MenuItem
	printerDisconnect *systray.MenuItem
	printTest         *systray.MenuItem

	autostart *systray.MenuItem
	update    *systray.MenuItem
	quit      *systray.MenuItem
}

func (a *App) buildMenu() *menu {
	m := &menu{}

	m.status = systray.AddMenuItem(agentLabel(false, false), "Backend connection")
	m.status.Disable()
	m.start = systray.AddMenuItem("Connect to backend", "Start the agent session")
	m.stop = systray.AddMenuItem("Disconnect from backend", "Stop the agent session")

	systray.AddSeparator()
	m.scaleStatus = systray.AddMenuItem(scaleLabel(devices.ScaleStatus{}), "Scale")
	m.scaleStatus.Disable()
	m.scaleConnect = systray.AddMenuItem("Connect scale", "Open the scale serial port")
	m.scaleDisconnect = systray.AddMenuItem("Disconnect scale", "Close the scale serial port")
	m.requestWeight = systray.AddMenuItem("Request weight", "Ask the scale for a reading")

	systray.AddSeparator()
	m.printerStatus = systray.AddMenuItem(printerLabel(devices.PrinterStatus{}), "Receipt printer")
	m.printerStatus.Disable()
	m.printerConnect = systray.AddMenuItem("Connect printer", "Claim the receipt printer")
	m.printerDisconnect = systray.AddMenuItem("Disconnect printer", "Release the receipt printer")
	m.printTest = systray.AddMenuItem("Print test page", "Print a short test ticket")

	systray.AddSeparator()
	m.autostart = systray.AddMenuItemCheckbox("Start at login", "Run the agent when you sign in", false)
	if !autostart.Supported() {
		m.autostart.Disable()
	} else if enabled, err := autostart.IsEnabled(autostart.AppName); err == nil && enabled {
		m.autostart.Check()
	}
	m.update = systray.AddMenuItem("Check for updates", "Look for a newer release")
	versionItem := systray.AddMenuItem("Version: "+version.Version, "Agent version")
	versionItem.Disable()

	systray.AddSeparator()
	m.quit = systray.AddMenuItem("Quit", "Quit Washline Agent")

	return m
}

func (a *App) onReady() {
	systray.SetIcon(generateIcon(16))
	systray.SetTitle("Washline")
	systray.SetTooltip("Washline Agent - scale and receipt printer bridge")

	m := a.buildMenu()
	a.refresh(m)

	ctx := context.Background()
	if err := a.agent.Start(ctx); err != nil {
		a.logger.Error().Err(err).Msg("agent start failed")
	}

	readings, unsubscribe := a.scale.Subscribe()

	interval := time.Duration(a.cfg.Update.CheckIntervalHours) * time.Hour
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	updateTicker := time.NewTicker(interval)
	refreshTicker := time.NewTicker(refreshEvery)

	go func() {
		defer updateTicker.Stop()
		defer refreshTicker.Stop()
		defer unsubscribe()

		for {
			select {
			case <-m.start.ClickedCh:
				if err := a.agent.Start(ctx); err != nil {
					a.logger.Error().Err(err).Msg("agent start failed")
				}
				a.refresh(m)

			case <-m.stop.ClickedCh:
				a.agent.Stop()
				a.refresh(m)

			case <-m.scaleConnect.ClickedCh:
				go a.run("scale connect", func(ctx context.Context) error {
					return a.scale.Connect(ctx)
				}, m)

			case <-m.scaleDisconnect.ClickedCh:
				a.scale.Disconnect()
				a.refresh(m)

			case <-m.requestWeight.ClickedCh:
				if err := a.scale.RequestWeight(); err != nil {
					a.logger.Warn().Err(err).Msg("weight request failed")
				}

			case reading := <-readings:
				m.scaleStatus.SetTitle("Scale: " + reading.String())
				systray.SetTitle(reading.String())

			case <-m.printerConnect.ClickedCh:
				go a.run("printer connect", func(ctx context.Context) error {
					_, err := a.printer.Connect(ctx)
					return err
				}, m)

			case <-m.printerDisconnect.ClickedCh:
				go func() {
					a.printer.Disconnect()
					a.refresh(m)
				}()

			case <-m.printTest.ClickedCh:
				go a.run("print test", a.printer.PrintTest, m)

			case <-m.autostart.ClickedCh:
				a.toggleAutostart(m.autostart)

			case <-m.update.ClickedCh:
				a.checkUpdate(true)

			case <-updateTicker.C:
				a.checkUpdate(false)

			case <-refreshTicker.C:
				a.refresh(m)

			case <-m.quit.ClickedCh:
				a.agent.Stop()
				systray.Quit()
				return
			}
		}
	}()
}

func (a *App) onExit() {
	a.agent.Stop()
	a.scale.Disconnect()
	a.printer.Disconnect()
}

// run executes a device action off the menu loop; connects may block on
// the OS for a while.
func (a *App) run(action string, fn func(ctx context.Context) error, m *menu) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := fn(ctx); err != nil {
		a.logger.Warn().Err(err).Str("action", action).Msg("tray action failed")
	}
	a.refresh(m)
}

func (a *App) refresh(m *menu) {
	running, online := a.agent.IsRunning(), a.agent.IsOnline()
	m.status.SetTitle(agentLabel(running, online))
	enable(m.start, !running)
	enable(m.stop, running)

	scale := a.scale.Status()
	m.scaleStatus.SetTitle(scaleLabel(scale))
	enable(m.scaleConnect, scale.State == devices.ScaleDisconnected)
	enable(m.scaleDisconnect, scale.State != devices.ScaleDisconnected)
	enable(m.requestWeight, scale.State == devices.ScaleConnected)

	printer := a.printer.Status()
	m.printerStatus.SetTitle(printerLabel(printer))
	enable(m.printerConnect, !printer.Connected)
	enable(m.printerDisconnect, printer.Connected)
	enable(m.printTest, printer.Connected && !printer.Printing)
}

func (a *App) toggleAutostart(item *systray.MenuItem) {
	if item.Checked() {
		if err := autostart.Disable(autostart.AppName); err != nil {
			a.logger.Error().Err(err).Msg("disabling autostart failed")
			return
		}
		item.Uncheck()
		return
	}

	executablePath, err := os.Executable()
	if err != nil {
		a.logger.Error().Err(err).Msg("resolving executable path failed")
		return
	}

	if err := autostart.Enable(autostart.AppName, executablePath); err != nil {
		a.logger.Error().Err(err).Msg("enabling autostart failed")
		return
	}
	item.Check()
}

func (a *App) checkUpdate(interactive bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := update.CheckGitHubRelease(ctx, a.cfg.Update.GitHubRepo)
	if err != nil {
		a.logger.Warn().Err(err).Msg("update check failed")
		return
	}

	if !result.HasUpdate {
		if interactive {
			a.logger.Info().Str("version", version.Version).Msg("agent is up to date")
		}
		return
	}

	a.logger.Info().Str("version", result.Version).Str("url", result.URL).Msg("update available")
	if !interactive {
		return
	}

	if runtime.GOOS == "windows" {
		if path, err := update.DownloadForPlatform(ctx, result); err == nil {
			if err := update.StartSelfUpdate(path); err == nil {
				a.agent.Stop()
				systray.Quit()
				return
			}
		}
	}
	_ = openURL(result.URL)
}

func enable(item *systray.MenuItem, on bool) {
	if on {
		item.Enable()
	} else {
		item.Disable()
	}
}

func agentLabel(running, online bool) string {
	switch {
	case online:
		return "Backend: online"
	case running:
		return "Backend: connecting"
	default:
		return "Backend: offline"
	}
}

func scaleLabel(s devices.ScaleStatus) string {
	switch s.State {
	case devices.ScaleConnecting:
		return "Scale: connecting"
	case devices.ScaleConnected:
		if s.Latest != nil {
			return fmt.Sprintf("Scale: %s (%s)", s.Latest.String(), s.Port)
		}
		if !s.Reading {
			return "Scale: " + s.Port + " (not reading)"
		}
		return "Scale: " + s.Port
	default:
		return "Scale: disconnected"
	}
}

func printerLabel(s devices.PrinterStatus) string {
	switch {
	case !s.Connected || s.Info == nil:
		return "Printer: disconnected"
	case s.Printing:
		return "Printer: " + s.Info.String() + " (printing)"
	default:
		return "Printer: " + s.Info.String()
	}
}

func openURL(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	case "darwin":
		cmd = exec.Command("open", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}

// generateIcon draws a size x size PNG: a blue rounded tub with a white drum.
func generateIcon(size int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, size, size))

	blue := color.RGBA{R: 30, G: 110, B: 200, A: 255}
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}

	center := float64(size-1) / 2
	drum := float64(size) / 4
	for x := 0; x < size; x++ {
		for y := 0; y < size; y++ {
			corner := (x == 0 || x == size-1) && (y == 0 || y == size-1)
			if corner {
				continue
			}
			dx, dy := float64(x)-center, float64(y)-center+1
			if dx*dx+dy*dy <= drum*drum {
				img.SetRGBA(x, y, white)
				continue
			}
			img.SetRGBA(x, y, blue)
		}
	}

	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
