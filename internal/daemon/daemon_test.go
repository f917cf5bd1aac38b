package daemon

import (
	"testing"

	"github.com/fullbrightkay/routeweaver/internal/peer"
)

func TestIntOptHandlesTOMLNumericTypes(t *testing.T) {
	cases := []struct {
		name     string
		opts     map[string]any
		key      string
		fallback int
		want     int
	}{
		{"missing key falls back", map[string]any{}, "port", 9993, 9993},
		{"int64 from a toml decoder", map[string]any{"port": int64(4343)}, "port", 0, 4343},
		{"float64 from a generic any decode", map[string]any{"port": float64(8080)}, "port", 0, 8080},
		{"plain int", map[string]any{"port": 22}, "port", 0, 22},
		{"unsupported type falls back", map[string]any{"port": "nope"}, "port", 7, 7},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := intOpt(c.opts, c.key, c.fallback)
			if got != c.want {
				t.Fatalf("intOpt(%v, %q, %d) = %d, want %d", c.opts, c.key, c.fallback, got, c.want)
			}
		})
	}
}

func TestBuildTransportsRejectsUnknownProtocol(t *testing.T) {
	_, err := buildTransports(map[string]map[string]any{
		"carrier-pigeon": {},
	})
	if err == nil {
		t.Fatal("expected an error for an unparseable protocol name")
	}
}

func TestBuildTransportsBindsConfiguredDrivers(t *testing.T) {
	transports, err := buildTransports(map[string]map[string]any{
		"tcp": {"port": 0},
		"udp": {"port": 0},
	})
	if err != nil {
		t.Fatalf("buildTransports: %v", err)
	}
	defer func() {
		for _, drv := range transports {
			_ = drv.Close()
		}
	}()

	if len(transports) != 2 {
		t.Fatalf("got %d transports, want 2", len(transports))
	}
	if _, ok := transports[peer.ProtocolTCP]; !ok {
		t.Fatal("missing tcp transport")
	}
	if _, ok := transports[peer.ProtocolUDP]; !ok {
		t.Fatal("missing udp transport")
	}
}

func TestBuildDiscoveryRejectsUnknownDriver(t *testing.T) {
	_, err := buildDiscovery(map[string]map[string]any{
		"carrier-pigeon": {},
	})
	if err == nil {
		t.Fatal("expected an error for an unknown discovery driver id")
	}
}
