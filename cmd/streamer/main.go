// Command streamer is the CLI front end: it parses the positional
// HOST[:PORT] and flag set, wires a Session against the abstract
// display/audio collaborators (no real windowing-system or
// ALSA/PulseAudio binding exists in this repo, so the fake in-memory
// implementations stand in), and runs it to completion with
// signal-driven graceful shutdown.
package main

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/rebroad/displaycast/internal/audio"
	"github.com/rebroad/displaycast/internal/discovery"
	"github.com/rebroad/displaycast/internal/display"
	"github.com/rebroad/displaycast/internal/pipeline"
	"github.com/rebroad/displaycast/internal/session"
)

var log = log15.New("component", "cmd/streamer")

var (
	portFlag = cli.IntFlag{
		Name:  "port",
		Usage: "TCP port to connect to (default: receiver-advertised or 4321)",
	}
	broadcastTimeoutFlag = cli.IntFlag{
		Name:  "broadcast-timeout",
		Usage: "discovery receive window in milliseconds",
		Value: 5000,
	}
	cryptFlag = cli.BoolFlag{
		Name:  "crypt",
		Usage: "force the encrypted transport, skipping USB-tethering auto-detection",
	}
	nocryptFlag = cli.BoolFlag{
		Name:  "nocrypt",
		Usage: "force the plaintext transport, skipping USB-tethering auto-detection",
	}
	pinFlag = cli.IntFlag{
		Name:  "pin",
		Usage: "operator PIN (0..9999); prompted on stdin if omitted",
		Value: -1,
	}
	metricsAddrFlag = cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "address to serve Prometheus metrics on (empty disables)",
		Value: "",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "streamer"
	app.Usage = "stream one display output to a paired receiver"
	app.ArgsUsage = "[HOST[:PORT]]"
	app.Flags = []cli.Flag{portFlag, broadcastTimeoutFlag, cryptFlag, nocryptFlag, pinFlag, metricsAddrFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	if ctx.Bool(cryptFlag.Name) && ctx.Bool(nocryptFlag.Name) {
		return cli.NewExitError("--crypt and --nocrypt are mutually exclusive", 1)
	}

	cfg := session.Config{
		BroadcastTimeout: time.Duration(ctx.Int(broadcastTimeoutFlag.Name)) * time.Millisecond,
		ChooseCandidate:  promptCandidate,
		Pipeline: pipeline.Config{
			TargetFPS: 60,
		},
	}

	if host, port, err := parsePositional(ctx.Args().First()); err != nil {
		return cli.NewExitError(fmt.Sprintf("streamer: %v", err), 1)
	} else if host != "" {
		cfg.Host = host
		cfg.Port = port
	}
	if p := ctx.Int(portFlag.Name); p != 0 {
		cfg.Port = uint16(p)
	}

	switch {
	case ctx.Bool(cryptFlag.Name):
		t := true
		cfg.ForceEncrypt = &t
	case ctx.Bool(nocryptFlag.Name):
		f := false
		cfg.ForceEncrypt = &f
	}

	if pin := ctx.Int(pinFlag.Name); pin >= 0 {
		if pin > 9999 {
			return cli.NewExitError("streamer: --pin must be 0..9999", 1)
		}
		p := uint16(pin)
		cfg.PIN = &p
	}

	if addr := ctx.String(metricsAddrFlag.Name); addr != "" {
		go serveMetrics(addr)
	}

	host := display.NewFakeHost()
	audioSrc := audio.NewFakeSource()
	sess := session.New(host, audioSrc, nil, cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, stopping", "signal", sig.String())
		sess.Stop()
	}()

	log.Info("starting session", "host", cfg.Host, "port", cfg.Port)
	if err := sess.Run(); err != nil {
		return cli.NewExitError(fmt.Sprintf("streamer: %v", err), 1)
	}
	log.Info("session ended cleanly")
	return nil
}

// parsePositional splits the HOST[:PORT] positional argument. An empty
// arg means "discover"; its presence disables broadcast discovery.
func parsePositional(arg string) (host string, port uint16, err error) {
	if arg == "" {
		return "", 0, nil
	}
	h, p, splitErr := net.SplitHostPort(arg)
	if splitErr != nil {
		// No ":port" suffix; treat the whole argument as a bare host.
		return arg, 0, nil
	}
	n, convErr := strconv.ParseUint(p, 10, 16)
	if convErr != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", p, convErr)
	}
	return h, uint16(n), nil
}

// promptCandidate implements discovery.Selector with a 1-indexed
// numbered-list prompt on standard input.
func promptCandidate(candidates []discovery.Candidate) (int, error) {
	fmt.Println("multiple receivers found:")
	for i, c := range candidates {
		fmt.Printf("  %d) %s (%s:%d)\n", i+1, c.Name, c.Addr, c.TCPPort)
	}
	fmt.Print("select a receiver: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("read selection: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, fmt.Errorf("invalid selection %q: %w", line, err)
	}
	return n - 1, nil
}

// serveMetrics exposes the mode-selector gauges on /metrics; failures are
// logged, not fatal, since metrics export is a diagnostic convenience, not
// a session dependency.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", "err", err)
	}
}
