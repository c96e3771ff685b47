// Command crazyradio-gatewayd multiplexes one Crazyradio USB dongle
// across many client processes: a JSON-RPC control socket plus, per
// active link, a pair of streaming push/pull sockets.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/crazyflie/crazyradio-gatewayd/internal/arbiter"
	"github.com/crazyflie/crazyradio-gatewayd/internal/config"
	"github.com/crazyflie/crazyradio-gatewayd/internal/control"
	"github.com/crazyflie/crazyradio-gatewayd/internal/discovery"
	"github.com/crazyflie/crazyradio-gatewayd/internal/gwlog"
	"github.com/crazyflie/crazyradio-gatewayd/internal/linksock"
	"github.com/crazyflie/crazyradio-gatewayd/internal/radio"
)

const version = "0.1.0"

var logger = gwlog.Base()

func main() {
	cfg := config.Parse()
	gwlog.SetVerbosity(cfg.VerboseCount, cfg.QuietCount)

	if cfg.List {
		runList()
		return
	}

	dongle, serial, err := openDongle(cfg)
	if err != nil {
		logger.Error("failed to open dongle", "error", err)
		os.Exit(1)
	}
	logger.Info("opened dongle", "serial", serial)

	radioHandle := arbiter.New(dongle)
	defer radioHandle.Close()

	resolver := discovery.NewResolver("")
	dispatcher := control.New(radioHandle, resolver, version)

	listener, err := linksock.Listen(cfg.Port)
	if err != nil {
		logger.Error("failed to bind control socket", "port", cfg.Port, "error", err)
		os.Exit(1)
	}
	defer listener.Close()
	logger.Info("serving control socket", "port", cfg.Port)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.DNSSDEnabled {
		if _, err := discovery.Announce(ctx, cfg.DNSSDName, cfg.Port); err != nil {
			logger.Warn("dns-sd announce failed, continuing without it", "error", err)
		}
	}

	go acceptLoop(ctx, listener, dispatcher)

	<-ctx.Done()
	logger.Info("shutting down")
}

// acceptLoop accepts control-socket clients and serves each with its
// own strictly-sequential request/reply goroutine: within one
// connection a request is never pipelined ahead of its reply, but
// distinct client processes are otherwise independent of one another.
func acceptLoop(ctx context.Context, l *linksock.Listener, d *control.Dispatcher) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("accept failed", "error", err)
			continue
		}
		go serveClient(linksock.NewConn(conn), d)
	}
}

func serveClient(conn *linksock.Conn, d *control.Dispatcher) {
	defer conn.Close()
	for {
		req, err := conn.Recv()
		if err != nil {
			return
		}
		resp := d.Handle(req)
		if err := conn.Send(resp); err != nil {
			return
		}
	}
}

// openDongle selects and opens the dongle this process will arbitrate.
// Opening real USB hardware is left to an external driver; this always
// opens an in-process simulated dongle, but tagged with the serial a
// real --nth/--serial lookup resolved via udev, so the rest of the
// gateway behaves identically whether or not a hardware driver is
// plugged into radio.Dongle later.
func openDongle(cfg *config.Config) (radio.Dongle, string, error) {
	serial := "simulated"

	switch {
	case cfg.Serial != "":
		info, err := discovery.SelectSerial(cfg.Serial)
		if err != nil {
			return nil, "", err
		}
		serial = info.Serial
	case cfg.Nth >= 0:
		info, err := discovery.SelectNth(cfg.Nth)
		if err != nil {
			return nil, "", err
		}
		serial = info.Serial
	}

	return radio.NewSimDongle(serial), serial, nil
}

func runList() {
	dongles, err := discovery.ListDongles()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list dongles: %v\n", err)
		os.Exit(1)
	}
	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	for i, d := range dongles {
		fmt.Fprintf(w, "%d: serial=%s devpath=%s\n", i, d.Serial, d.DevPath)
	}
}
