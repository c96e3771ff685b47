// Package config turns the gateway's command-line flags into a
// Config value. There is no configuration file - everything the
// gateway needs to start is small enough to fit on a command line.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

// Config is every setting the gateway's main package needs before it
// can open a dongle and start listening.
type Config struct {
	Port int

	VerboseCount int
	QuietCount   int

	List   bool
	Nth    int
	Serial string

	DNSSDName    string
	DNSSDEnabled bool
}

// Parse reads os.Args into a Config, mirroring the repeatable,
// additive -v/-q verbosity convention and the --list/--nth/--serial
// dongle-selection flags.
func Parse() *Config {
	cfg := &Config{}

	pflag.IntVarP(&cfg.Port, "port", "p", 7777, "TCP port for the control socket.")
	pflag.CountVarP(&cfg.VerboseCount, "verbose", "v", "Increase logging verbosity. Repeatable.")
	pflag.CountVarP(&cfg.QuietCount, "quiet", "q", "Decrease logging verbosity. Repeatable.")

	pflag.BoolVar(&cfg.List, "list", false, "List connected dongles and exit.")
	pflag.IntVar(&cfg.Nth, "nth", -1, "Open the Nth connected dongle (0-indexed).")
	pflag.StringVar(&cfg.Serial, "serial", "", "Open the dongle with this USB serial number.")

	pflag.StringVar(&cfg.DNSSDName, "dns-sd-name", "", "Service name to announce over mDNS/DNS-SD. Defaults to a generated name.")
	pflag.BoolVar(&cfg.DNSSDEnabled, "dns-sd", true, "Announce the control socket over mDNS/DNS-SD.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "crazyradio-gatewayd - multiplexes a Crazyradio dongle across many clients.\n\n")
		fmt.Fprintf(os.Stderr, "Usage: crazyradio-gatewayd [options]\n\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()

	return cfg
}
