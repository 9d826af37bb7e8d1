// Package connectivity reports the network state to the backup engine.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"photobak/internal/backup"
	"photobak/internal/config"
)

const defaultProbeTimeout = 5 * time.Second

// Static always reports the same state.
type Static struct {
	state backup.Connectivity
}

func NewStatic(state backup.Connectivity) *Static {
	return &Static{state: state}
}

func (s *Static) Current(context.Context) (backup.Connectivity, error) {
	return s.state, nil
}

// Dialer opens network connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Probe reports connectivity by opening a TCP connection to a known
// address. A reachable address maps to Unmetered, or Metered when the
// probe is configured as metered. Dial failures mean no connectivity.
type Probe struct {
	address string
	timeout time.Duration
	metered bool
	dialer  Dialer
}

func NewProbe(address string, timeout time.Duration, metered bool, dialer Dialer) *Probe {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	return &Probe{address: address, timeout: timeout, metered: metered, dialer: dialer}
}

func (p *Probe) Current(ctx context.Context) (backup.Connectivity, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dialer.DialContext(ctx, "tcp", p.address)
	if err != nil {
		// The caller going away is not a network verdict.
		if errors.Is(err, context.Canceled) {
			return backup.ConnectivityNone, err
		}
		return backup.ConnectivityNone, nil
	}
	conn.Close()

	if p.metered {
		return backup.ConnectivityMetered, nil
	}
	return backup.ConnectivityUnmetered, nil
}

// NewFromConfig creates a ConnectivityProvider based on the configured mode.
func NewFromConfig(cfg config.ConnectivityConfig) (backup.ConnectivityProvider, error) {
	switch cfg.Mode {
	case "", "unmetered":
		return NewStatic(backup.ConnectivityUnmetered), nil
	case "metered":
		return NewStatic(backup.ConnectivityMetered), nil
	case "none":
		return NewStatic(backup.ConnectivityNone), nil
	case "probe":
		if cfg.ProbeAddress == "" {
			return nil, fmt.Errorf("probe connectivity requires probe_address to be set")
		}
		return NewProbe(cfg.ProbeAddress, cfg.ProbeTimeout, cfg.ProbeMetered, nil), nil
	default:
		return nil, fmt.Errorf("unknown connectivity mode: %s", cfg.Mode)
	}
}
