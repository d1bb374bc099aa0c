package fingerprint

import (
	"testing"

	"github.com/squirrelops/homesensor/pkg/models"
)

func TestNormalizeMDNSHostname(t *testing.T) {
	cases := map[string]string{
		"MacBook-Pro.local.": "macbook-pro",
		"macbook-pro.local":  "macbook-pro",
		"macbook-pro":        "macbook-pro",
		"  Printer.LOCAL.  ": "printer",
	}
	for in, want := range cases {
		if got := NormalizeMDNSHostname(in); got != want {
			t.Errorf("NormalizeMDNSHostname(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCompose_SignalCount(t *testing.T) {
	fp := Compose(models.RawSignals{
		MAC:          "A4:83:E7:11:22:33",
		MDNSHostname: "macbook-pro.local",
		DHCPOptions:  []int{1, 3, 6},
		Connections:  []string{"8.8.8.8:443"},
		OpenPorts:    []int{22, 80},
	}, nil)

	if fp.SignalCount != 5 {
		t.Errorf("SignalCount = %d, want 5", fp.SignalCount)
	}
	if fp.CompositeHash == "" {
		t.Error("CompositeHash should not be empty")
	}
}

func TestCompose_EmptySignalsYieldZeroCount(t *testing.T) {
	fp := Compose(models.RawSignals{}, nil)
	if fp.SignalCount != 0 {
		t.Errorf("SignalCount = %d, want 0", fp.SignalCount)
	}
}

func TestCompose_PortOrderDoesNotAffectHash(t *testing.T) {
	a := Compose(models.RawSignals{OpenPorts: []int{80, 22, 443}}, nil)
	b := Compose(models.RawSignals{OpenPorts: []int{443, 80, 22}}, nil)
	if a.OpenPortsHash != b.OpenPortsHash {
		t.Error("open ports hash should be order-independent")
	}
}

func TestCompose_ConnectionOrderDoesNotAffectHash(t *testing.T) {
	a := Compose(models.RawSignals{Connections: []string{"1.1.1.1:53", "8.8.8.8:443"}}, nil)
	b := Compose(models.RawSignals{Connections: []string{"8.8.8.8:443", "1.1.1.1:53"}}, nil)
	if a.ConnectionPatternHash != b.ConnectionPatternHash {
		t.Error("connection pattern hash should be order-independent")
	}
}

func TestCompose_MACIsNormalizedCaseInsensitive(t *testing.T) {
	a := Compose(models.RawSignals{MAC: "A4:83:E7:11:22:33"}, nil)
	b := Compose(models.RawSignals{MAC: "a4:83:e7:11:22:33"}, nil)
	if a.MAC != b.MAC {
		t.Errorf("MAC should normalize to same value: %q vs %q", a.MAC, b.MAC)
	}
}
