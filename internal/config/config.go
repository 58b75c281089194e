// Package config parses pingcanvasd's CLI flags (with environment
// variable fallback), matching the pflag + getenv idiom of
// mcastrelay/cmd/server/main.go.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	flag "github.com/spf13/pflag"
)

// Config holds every operator-tunable knob in the system (spec.md §6).
type Config struct {
	Interface string

	MaxCanvasFPS         int
	RequireValidChecksum bool
	BindAddr             string
	Port                 uint16
	PublicPrefix         string
	EnablePerUserPPS     bool
	TrustedProxyCIDRs    []string
	NSFWClassifierURL    string
	EnableNSFWClassifier bool
	Verbose              bool
	ShowVersion          bool
}

// Parse parses os.Args[1:] (via pflag) into a Config, falling back to
// environment variables for flags not given on the command line.
// --trusted-proxy-cidr and --version have no environment fallback.
func Parse(args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("pingcanvasd", flag.ContinueOnError)

	fs.IntVarP(&cfg.MaxCanvasFPS, "max-canvas-fps", "f", getenvInt("PINGCANVAS_MAX_FPS", 10), "Aggregator tick rate, 1..1000")
	fs.BoolVarP(&cfg.RequireValidChecksum, "require-valid-checksum", "r", getenvBool("PINGCANVAS_REQUIRE_CHECKSUM", false), "Enable ICMPv6 checksum verification")
	fs.StringVarP(&cfg.BindAddr, "bind", "b", getenv("PINGCANVAS_BIND", "::"), "HTTP bind address")
	port := fs.Uint16P("port", "p", uint16(getenvInt("PINGCANVAS_PORT", 8080)), "HTTP port")
	fs.StringVarP(&cfg.PublicPrefix, "public-prefix", "P", getenv("PINGCANVAS_PUBLIC_PREFIX", ""), "Advertised /64 shown to clients")
	fs.BoolVar(&cfg.EnablePerUserPPS, "enable-per-user-pps", getenvBool("PINGCANVAS_PER_USER_PPS", false), "Enable the per-source anti-abuse PPS tracker")
	fs.StringSliceVar(&cfg.TrustedProxyCIDRs, "trusted-proxy-cidr", nil, "CIDR trusted to set X-Forwarded-For/X-Real-IP (repeatable)")
	fs.StringVar(&cfg.NSFWClassifierURL, "nsfw-classifier-url", getenv("PINGCANVAS_NSFW_URL", ""), "External NSFW classifier endpoint")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", getenvBool("PINGCANVAS_VERBOSE", false), "Enable verbose logging")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.Port = *port
	cfg.EnableNSFWClassifier = cfg.NSFWClassifierURL != ""

	if !cfg.ShowVersion {
		if fs.NArg() < 1 {
			return nil, fmt.Errorf("config: capture interface is required as the first positional argument")
		}
		cfg.Interface = fs.Arg(0)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that can't be expressed as flag defaults.
func (c *Config) Validate() error {
	if c.ShowVersion {
		return nil
	}
	if c.MaxCanvasFPS < 1 || c.MaxCanvasFPS > 1000 {
		return fmt.Errorf("config: max-canvas-fps must be in [1, 1000], got %d", c.MaxCanvasFPS)
	}
	if net.ParseIP(c.BindAddr) == nil {
		return fmt.Errorf("config: bind address %q is not a valid IP", c.BindAddr)
	}
	for _, cidr := range c.TrustedProxyCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("config: invalid trusted-proxy-cidr %q: %w", cidr, err)
		}
	}
	return nil
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getenvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
