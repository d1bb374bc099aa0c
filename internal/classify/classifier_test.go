package classify

import (
	"context"
	"errors"
	"testing"

	"github.com/squirrelops/homesensor/pkg/models"
)

func testTable(t *testing.T) *Table {
	t.Helper()
	table, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return table
}

func TestManufacturerForMAC(t *testing.T) {
	table := testTable(t)
	if got := table.ManufacturerForMAC("A4:83:E7:11:22:33"); got != "Apple" {
		t.Errorf("ManufacturerForMAC = %q, want Apple", got)
	}
	if got := table.ManufacturerForMAC("00:00:00:11:22:33"); got != "" {
		t.Errorf("expected empty manufacturer for unknown OUI, got %q", got)
	}
}

func TestDeviceTypeForManufacturer(t *testing.T) {
	table := testTable(t)
	if got := table.DeviceTypeForManufacturer("Hikvision"); got != models.DeviceTypeCamera {
		t.Errorf("DeviceTypeForManufacturer(Hikvision) = %q, want camera", got)
	}
	if got := table.DeviceTypeForManufacturer("Totally Unknown Corp"); got != models.DeviceTypeUnknown {
		t.Errorf("expected unknown device type for unrecognized manufacturer, got %q", got)
	}
}

func TestClassify_LocalHit(t *testing.T) {
	c := New(testTable(t), nil, nil)
	res, err := c.Classify(context.Background(), models.RawSignals{MAC: "f4:92:bf:11:22:33"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Manufacturer != "Sonos" {
		t.Errorf("Manufacturer = %q, want Sonos", res.Manufacturer)
	}
	if res.Source != SourceLocal {
		t.Errorf("Source = %q, want local", res.Source)
	}
}

type fakeLLM struct {
	reply string
	err   error
}

func (f *fakeLLM) Chat(_ context.Context, _ string) (string, error) {
	return f.reply, f.err
}

func TestClassify_FallsBackToLLMOnUnknownMAC(t *testing.T) {
	llm := &fakeLLM{reply: `{"manufacturer": "Acme Corp", "device_type": "iot", "confidence": 0.8}`}
	c := New(testTable(t), llm, nil)

	res, err := c.Classify(context.Background(), models.RawSignals{MAC: "00:00:00:aa:bb:cc"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Manufacturer != "Acme Corp" || res.Source != SourceLLM {
		t.Errorf("expected LLM fallback result, got %+v", res)
	}
}

func TestClassify_LLMErrorFallsBackToLocalResult(t *testing.T) {
	llm := &fakeLLM{err: errors.New("endpoint unreachable")}
	c := New(testTable(t), llm, nil)

	res, err := c.Classify(context.Background(), models.RawSignals{MAC: "00:00:00:aa:bb:cc"})
	if err != nil {
		t.Fatalf("Classify should not surface LLM transport errors: %v", err)
	}
	if res.Source != SourceLocal {
		t.Errorf("expected local fallback result on LLM error, got %+v", res)
	}
}

func TestParseLLMReply_StripsThinkBlockAndCodeFence(t *testing.T) {
	reply := "<think>reasoning about the device...</think>\n```json\n" +
		`{"manufacturer": "Shelly", "device_type": "smart_home", "model": null, "confidence": 0.7}` +
		"\n```"
	res, err := parseLLMReply(reply)
	if err != nil {
		t.Fatalf("parseLLMReply: %v", err)
	}
	if res.Manufacturer != "Shelly" || res.DeviceType != "smart_home" {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Model != "" {
		t.Errorf("expected null model to become empty string, got %q", res.Model)
	}
}

func TestParseLLMReply_MissingConfidenceDefaultsToHalf(t *testing.T) {
	res, err := parseLLMReply(`{"manufacturer": "Acme", "device_type": "iot"}`)
	if err != nil {
		t.Fatalf("parseLLMReply: %v", err)
	}
	if res.Confidence != defaultLLMConfidence {
		t.Errorf("Confidence = %v, want %v", res.Confidence, defaultLLMConfidence)
	}
}

func TestParseLLMReply_MissingManufacturerFails(t *testing.T) {
	_, err := parseLLMReply(`{"device_type": "iot"}`)
	if err == nil {
		t.Fatal("expected error for missing manufacturer, got nil")
	}
}

func TestParseLLMReply_MissingDeviceTypeFails(t *testing.T) {
	_, err := parseLLMReply(`{"manufacturer": "Acme"}`)
	if err == nil {
		t.Fatal("expected error for missing device_type, got nil")
	}
}

func TestReclassifyIfUnknown_SkipsAlreadyKnownVendor(t *testing.T) {
	c := New(testTable(t), nil, nil)
	_, changed := c.ReclassifyIfUnknown("Apple", models.RawSignals{MAC: "f4:92:bf:11:22:33"})
	if changed {
		t.Error("expected no reclassification for an already-known vendor")
	}
}

func TestReclassifyIfUnknown_UpgradesUnknownVendor(t *testing.T) {
	c := New(testTable(t), nil, nil)
	res, changed := c.ReclassifyIfUnknown("Unknown", models.RawSignals{MAC: "f4:92:bf:11:22:33"})
	if !changed {
		t.Fatal("expected reclassification to report a change")
	}
	if res.Manufacturer != "Sonos" {
		t.Errorf("Manufacturer = %q, want Sonos", res.Manufacturer)
	}
}
