package alertdispatch

import (
	"fmt"

	"github.com/squirrelops/homesensor/pkg/models"
)

var severityEmoji = map[models.Severity]string{
	models.SeverityLow:      ":large_blue_circle:",
	models.SeverityMedium:   ":large_yellow_circle:",
	models.SeverityHigh:     ":large_orange_circle:",
	models.SeverityCritical: ":red_circle:",
}

type slackPayload struct {
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Fields   []slackText `json:"fields,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// buildSlackBlocks renders a Block Kit message: a header with severity
// emoji and title, a section with source IP/timestamp/device
// identifiers, and a context block with the detail text.
func buildSlackBlocks(alert models.Alert) slackPayload {
	emoji := severityEmoji[alert.Severity]
	if emoji == "" {
		emoji = ":white_circle:"
	}

	header := slackBlock{
		Type: "section",
		Text: &slackText{Type: "mrkdwn", Text: fmt.Sprintf("%s *%s*", emoji, alert.Title)},
	}

	var fields []slackText
	fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*Severity:*\n%s", alert.Severity)})
	fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*Time:*\n%s", alert.CreatedAt.Format("2006-01-02 15:04:05 MST"))})
	if alert.SourceIP != "" {
		fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*Source IP:*\n%s", alert.SourceIP)})
	}
	if alert.SourceMAC != "" {
		fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*Source MAC:*\n%s", alert.SourceMAC)})
	}
	if alert.DeviceID != "" {
		fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*Device:*\n%s", alert.DeviceID)})
	}
	if alert.DecoyID != "" {
		fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*Decoy:*\n%s", alert.DecoyID)})
	}
	fieldsBlock := slackBlock{Type: "section", Fields: fields}

	detail := slackBlock{
		Type:     "context",
		Elements: []slackText{{Type: "mrkdwn", Text: alert.Detail}},
	}

	return slackPayload{Blocks: []slackBlock{header, fieldsBlock, detail}}
}
