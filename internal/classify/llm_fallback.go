package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/squirrelops/homesensor/pkg/models"
)

// classifyLLM renders the fingerprint's signals as a chat prompt, sends it
// through the configured LLM client, and parses the structured reply.
func (c *Classifier) classifyLLM(ctx context.Context, raw models.RawSignals) (Result, error) {
	reply, err := c.llm.Chat(ctx, buildPrompt(raw))
	if err != nil {
		return Result{}, fmt.Errorf("llm chat: %w", err)
	}

	parsed, err := parseLLMReply(reply)
	if err != nil {
		return Result{}, fmt.Errorf("llm reply malformed: %w", err)
	}
	parsed.Source = SourceLLM
	return parsed, nil
}

func buildPrompt(raw models.RawSignals) string {
	var b strings.Builder
	b.WriteString("Identify the manufacturer and device type of a network device given these signals. ")
	b.WriteString("Respond with a single JSON object: ")
	b.WriteString(`{"manufacturer": string, "device_type": string, "model": string or null, "confidence": number between 0 and 1}. `)
	b.WriteString("No other text.\n\n")

	if raw.MAC != "" {
		fmt.Fprintf(&b, "MAC address: %s\n", raw.MAC)
	}
	if raw.MDNSHostname != "" {
		fmt.Fprintf(&b, "mDNS hostname: %s\n", raw.MDNSHostname)
	}
	if len(raw.OpenPorts) > 0 {
		fmt.Fprintf(&b, "Open ports: %v\n", raw.OpenPorts)
	}
	if len(raw.DHCPOptions) > 0 {
		fmt.Fprintf(&b, "DHCP options requested: %v\n", raw.DHCPOptions)
	}
	if len(raw.Connections) > 0 {
		fmt.Fprintf(&b, "Observed connections: %v\n", raw.Connections)
	}
	return b.String()
}

type llmReplyShape struct {
	Manufacturer string      `json:"manufacturer"`
	DeviceType   string      `json:"device_type"`
	Model        *string     `json:"model"`
	Confidence   interface{} `json:"confidence"`
}

// parseLLMReply tolerates <think>...</think> reasoning preambles and
// fenced ```json code blocks around the JSON object, per spec.md 4.2.
// Missing model becomes "", missing confidence defaults to 0.5. Missing
// manufacturer or device_type is a hard error -- the classifier never
// invents a value the model didn't provide.
func parseLLMReply(reply string) (Result, error) {
	cleaned := stripThinkBlock(reply)
	cleaned = stripCodeFence(cleaned)
	cleaned = strings.TrimSpace(cleaned)

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start == -1 || end == -1 || end < start {
		return Result{}, fmt.Errorf("no JSON object found in reply")
	}
	cleaned = cleaned[start : end+1]

	var shape llmReplyShape
	if err := json.Unmarshal([]byte(cleaned), &shape); err != nil {
		return Result{}, fmt.Errorf("unmarshal reply: %w", err)
	}

	if shape.Manufacturer == "" || shape.DeviceType == "" {
		return Result{}, fmt.Errorf("reply missing manufacturer or device_type")
	}

	model := ""
	if shape.Model != nil {
		model = *shape.Model
	}

	confidence := defaultLLMConfidence
	if shape.Confidence != nil {
		if v, ok := toFloat(shape.Confidence); ok {
			confidence = v
		}
	}

	return Result{
		Manufacturer: shape.Manufacturer,
		DeviceType:   shape.DeviceType,
		Model:        model,
		Confidence:   confidence,
	}, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func stripThinkBlock(s string) string {
	const open, close = "<think>", "</think>"
	start := strings.Index(s, open)
	if start == -1 {
		return s
	}
	end := strings.Index(s, close)
	if end == -1 {
		return s
	}
	return s[:start] + s[end+len(close):]
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return s
}
