package fingerprint

import (
	"testing"

	"github.com/squirrelops/homesensor/pkg/models"
)

func TestMatch_EmptyKnownListReturnsNoMatch(t *testing.T) {
	cand := Candidate{Fingerprint: Compose(models.RawSignals{MAC: "aa:bb:cc:dd:ee:ff"}, nil)}
	res := Match(cand, nil)
	if res.DeviceID != "" || res.Confidence != 0 {
		t.Errorf("expected no match against empty known list, got %+v", res)
	}
}

func TestMatch_EmptyCandidateReturnsNoMatch(t *testing.T) {
	known := []Known{{DeviceID: "dev-1", Fingerprint: Compose(models.RawSignals{MAC: "aa:bb:cc:dd:ee:ff"}, nil)}}
	res := Match(Candidate{}, known)
	if res.DeviceID != "" {
		t.Errorf("expected no match for empty candidate, got %+v", res)
	}
}

func TestMatch_MACFastPath(t *testing.T) {
	known := []Known{{
		DeviceID:    "dev-1",
		Fingerprint: Compose(models.RawSignals{MAC: "a4:83:e7:11:22:33"}, nil),
	}}
	cand := Candidate{Fingerprint: Compose(models.RawSignals{MAC: "A4:83:E7:11:22:33"}, nil)}

	res := Match(cand, known)
	if res.DeviceID != "dev-1" {
		t.Fatalf("expected dev-1, got %q", res.DeviceID)
	}
	if res.Confidence < AutoApproveThreshold {
		t.Errorf("MAC exact match should be >= auto-approve threshold, got %v", res.Confidence)
	}
}

func TestMatch_MACOnlyCappedAtVerifyCeiling(t *testing.T) {
	known := []Known{{
		DeviceID:    "dev-1",
		Fingerprint: Compose(models.RawSignals{MAC: "a4:83:e7:11:22:33"}, nil),
	}}
	// Candidate carries only the MAC: the fast path finds dev-1, but with
	// no other agreeing signal the MAC is a single strong match, which
	// confidenceFor caps at 0.50.
	cand := Candidate{
		Fingerprint: Compose(models.RawSignals{MAC: "a4:83:e7:11:22:33"}, nil),
	}
	res := Match(cand, known)
	if res.DeviceID != "dev-1" {
		t.Fatalf("expected dev-1, got %q", res.DeviceID)
	}
	if res.Confidence > 0.50 {
		t.Fatalf("MAC-only match with no other signals present should be capped at 0.50, got %v", res.Confidence)
	}
}

func TestMatch_OneNonMACStrongMatchCappedAtVerifyCeiling(t *testing.T) {
	known := []Known{{
		DeviceID:    "dev-1",
		Fingerprint: Compose(models.RawSignals{MDNSHostname: "macbook-pro.local"}, nil),
	}}
	cand := Candidate{
		Fingerprint: Compose(models.RawSignals{MDNSHostname: "macbook-pro.local"}, nil),
	}
	res := Match(cand, known)
	if res.Confidence > 0.50 {
		t.Errorf("single non-MAC strong match should be capped at 0.50, got %v", res.Confidence)
	}
	if res.DeviceID != "dev-1" {
		t.Errorf("expected dev-1, got %q", res.DeviceID)
	}
}

func TestMatch_TwoStrongSignalsClearAutoApprove(t *testing.T) {
	known := []Known{{
		DeviceID: "dev-1",
		Fingerprint: Compose(models.RawSignals{
			MDNSHostname: "macbook-pro.local",
			OpenPorts:    []int{22, 80, 443},
		}, nil),
		OpenPorts: []int{22, 80, 443},
	}}
	cand := Candidate{
		Fingerprint: Compose(models.RawSignals{
			MDNSHostname: "macbook-pro.local",
			OpenPorts:    []int{22, 80, 443},
		}, nil),
		OpenPorts: []int{22, 80, 443},
	}
	res := Match(cand, known)
	if res.Confidence < AutoApproveThreshold {
		t.Errorf("two strong signals should clear auto-approve threshold, got %v", res.Confidence)
	}
}

func TestMatch_ZeroStrongMatchesReturnsNil(t *testing.T) {
	known := []Known{{
		DeviceID:    "dev-1",
		Fingerprint: Compose(models.RawSignals{MDNSHostname: "printer.local"}, nil),
	}}
	cand := Candidate{
		Fingerprint: Compose(models.RawSignals{MDNSHostname: "totally-different-name"}, nil),
	}
	res := Match(cand, known)
	if res.DeviceID != "" {
		t.Errorf("expected no match, got %+v", res)
	}
}

func TestMatch_MACChangeStillMatchesOnOtherSignals(t *testing.T) {
	// MAC-change flow from spec.md scenario 2: same mdns/dhcp/connection
	// signals, different MAC -- should still match via the other signals.
	known := []Known{{
		DeviceID: "dev-1",
		Fingerprint: Compose(models.RawSignals{
			MAC:          "a4:83:e7:11:22:33",
			MDNSHostname: "macbook-pro",
			DHCPOptions:  []int{1, 3, 6, 15, 28, 51, 53},
			Connections:  []string{"8.8.8.8:443"},
		}, nil),
		Connections: []string{"8.8.8.8:443"},
	}}
	cand := Candidate{
		Fingerprint: Compose(models.RawSignals{
			MAC:          "11:22:33:44:55:66",
			MDNSHostname: "macbook-pro",
			DHCPOptions:  []int{1, 3, 6, 15, 28, 51, 53},
			Connections:  []string{"8.8.8.8:443"},
		}, nil),
		Connections: []string{"8.8.8.8:443"},
	}

	res := Match(cand, known)
	if res.DeviceID != "dev-1" {
		t.Fatalf("expected match despite MAC change, got %+v", res)
	}
	if res.Confidence < AutoApproveThreshold {
		t.Errorf("3 agreeing signals should clear auto-approve, got %v", res.Confidence)
	}
}
