// Command wl-tray-bridged bridges StatusNotifierItem tray icons onto a
// Wayland compositor's ext-tray-v1 region. This binary wires up the bus
// client, the watcher and host tracker, and a stub renderer; the real
// Wayland surface/popup code is an external collaborator not built here.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"github.com/wl-tray-bridge/wl-tray-bridge/bridge"
	"github.com/wl-tray-bridge/wl-tray-bridge/internal/config"
	"github.com/wl-tray-bridge/wl-tray-bridge/internal/logging"
	"github.com/wl-tray-bridge/wl-tray-bridge/mbc"
	"github.com/wl-tray-bridge/wl-tray-bridge/sni"
)

type options struct {
	ConfigPath string `long:"config" description:"path to config.yaml" default:""`
	LogLevel   string `long:"log-level" description:"debug, info, warn, or error" default:""`
	LogFormat  string `long:"log-format" description:"text or json" default:""`
	BusAddress string `long:"bus-address" description:"override the session bus address, for testing" default:""`
	NoKDE      bool   `long:"no-kde-watcher" description:"do not export the org.kde.StatusNotifierWatcher interface"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "wl-tray-bridged:", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			return nil
		}
		return err
	}

	path := opts.ConfigPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg = cfg.Merge(config.Config{
		LogLevel:   opts.LogLevel,
		LogFormat:  opts.LogFormat,
		BusAddress: opts.BusAddress,
		DisableKDE: opts.NoKDE,
	})

	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var conn *mbc.Connection
	if cfg.BusAddress != "" {
		conn, err = mbc.DialAddress(log, cfg.BusAddress)
	} else {
		conn, err = mbc.Dial(log)
	}
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}

	b := bridge.Spawn(log, conn, !cfg.DisableKDE, func(item bridge.Item) {
		log.Info("item announced", "id", item.ID(), "category", item.Properties().Category)
		item.SetOwner(loggingOwner{log: log, id: item.ID()})
	})

	<-ctx.Done()
	log.Info("shutting down")
	b.Close()
	return nil
}

// loggingOwner is the process's default renderer stand-in: it just logs
// what would otherwise drive Wayland surface updates. A real renderer
// replaces this with one that actually draws.
type loggingOwner struct {
	log *slog.Logger
	id  sni.SniItemID
}

func (loggingOwner) Removed() {}

func (o loggingOwner) PropertyChanged(p sni.MutableProperty) {
	o.log.Debug("item property changed", "id", o.id, "property", p)
}

func (o loggingOwner) MenuChanged(d sni.MenuDelta) {
	o.log.Debug("item menu changed", "id", o.id, "menu_id", d.ID)
}
