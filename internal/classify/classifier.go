package classify

import (
	"context"

	"github.com/squirrelops/homesensor/pkg/models"
	"go.uber.org/zap"
)

// defaultLLMConfidence is substituted when an LLM response omits confidence,
// per spec.md 4.2.
const defaultLLMConfidence = 0.5

// Classifier combines the local signature table with an optional LLM
// fallback. It is local-first: the LLM is only consulted when local
// classification cannot identify a manufacturer.
type Classifier struct {
	table  *Table
	llm    LLMClient
	logger *zap.Logger
}

// LLMClient is the minimal surface the fallback path depends on, satisfied
// by llm.Classifier. Kept as a local interface so this package does not
// require an LLM endpoint to be configured -- a nil LLMClient simply skips
// the fallback.
type LLMClient interface {
	Chat(ctx context.Context, prompt string) (string, error)
}

// New builds a Classifier. llmClient may be nil, in which case
// classification never falls back past the local signature table.
func New(table *Table, llmClient LLMClient, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{table: table, llm: llmClient, logger: logger}
}

// Classify maps raw scan signals to a manufacturer/device-type guess.
// Local classification always runs first; the LLM is only consulted when
// local classification could not identify a manufacturer (manufacturer
// "Unknown") and an LLM client is configured.
func (c *Classifier) Classify(ctx context.Context, raw models.RawSignals) (Result, error) {
	local := c.classifyLocal(raw)
	if local.Manufacturer != "" || c.llm == nil {
		return local, nil
	}

	llmResult, err := c.classifyLLM(ctx, raw)
	if err != nil {
		c.logger.Warn("llm classification fallback failed, using local result",
			zap.Error(err))
		return local, nil
	}
	return llmResult, nil
}

func (c *Classifier) classifyLocal(raw models.RawSignals) Result {
	manufacturer := ""
	if raw.MAC != "" {
		manufacturer = c.table.ManufacturerForMAC(raw.MAC)
	}

	deviceType := models.DeviceTypeUnknown
	confidence := 0.0
	if manufacturer != "" {
		deviceType = c.table.DeviceTypeForManufacturer(manufacturer)
		confidence = 0.6
		if deviceType != models.DeviceTypeUnknown {
			confidence = 0.9
		}
	}

	return Result{
		Manufacturer: manufacturer,
		DeviceType:   deviceType,
		Confidence:   confidence,
		Source:       SourceLocal,
	}
}

// ReclassifyIfUnknown re-runs local classification for a device whose
// stored manufacturer is "Unknown", per spec.md 4.2's reload-time
// reconciliation. It returns (result, true) only when the new result is a
// non-Unknown improvement worth persisting.
func (c *Classifier) ReclassifyIfUnknown(storedVendor string, raw models.RawSignals) (Result, bool) {
	if storedVendor != "" && storedVendor != models.DeviceTypeUnknown && !isUnknownVendor(storedVendor) {
		return Result{}, false
	}
	local := c.classifyLocal(raw)
	if local.Manufacturer == "" {
		return Result{}, false
	}
	return local, true
}

func isUnknownVendor(v string) bool {
	return v == "" || v == "Unknown" || v == models.DeviceTypeUnknown
}
