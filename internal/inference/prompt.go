package inference

import (
	"fmt"
	"strings"

	"github.com/miradorstack/anomaly-hub/internal/explain"
	"github.com/miradorstack/anomaly-hub/internal/models"
)

// DefaultSystemPrompt frames the model as an L1 troubleshooting assistant.
const DefaultSystemPrompt = `You are a specialized 5G L1 network troubleshooting AI expert with deep knowledge of 5G RAN fronthaul, UE procedures, MAC layer operations, and L1 protocols.

Your responses must be:
- Technically accurate and actionable
- Structured with clear priority levels (Critical, Important, Optional)
- Include specific commands, tools, and configuration changes
- Focus on root cause analysis and prevention`

// Prompt is the request sent to a Streamer. System and User carry the rendered text; the
// remaining fields let offline streamers match on the anomaly itself.
type Prompt struct {
	AnomalyID   string
	Type        models.AnomalyType
	Severity    models.Severity
	Description string
	System      string
	User        string
}

// BuildPrompt renders the troubleshooting request for a.
func BuildPrompt(a models.Anomaly, system string) Prompt {
	if system == "" {
		system = DefaultSystemPrompt
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Anomaly ID: %s\n", a.ID)
	fmt.Fprintf(&b, "Type: %s\n", a.Type)
	fmt.Fprintf(&b, "Severity: %s\n", a.Severity)
	fmt.Fprintf(&b, "Description: %s\n", a.Description)
	fmt.Fprintf(&b, "Source: %s\n", a.SourceFile)
	if a.PacketNumber != nil {
		fmt.Fprintf(&b, "Packet: %d\n", *a.PacketNumber)
	}
	if a.UEID != nil {
		fmt.Fprintf(&b, "UE ID: %s\n", *a.UEID)
	}
	if a.MACAddress != nil {
		fmt.Fprintf(&b, "MAC address: %s\n", *a.MACAddress)
	}
	if a.ErrorContext != nil {
		fmt.Fprintf(&b, "Error context: %s\n", *a.ErrorContext)
	}
	if a.PacketContext != nil {
		fmt.Fprintf(&b, "Packet context: %s\n", *a.PacketContext)
	}
	if a.Context != nil {
		fmt.Fprintf(&b, "Detection evidence: %s\n", explain.Synthesize(*a.Context).Summary)
	}

	b.WriteString(`
ANALYSIS REQUIRED:
Provide troubleshooting in this structure:

1. ROOT CAUSE ANALYSIS
2. IMMEDIATE ACTIONS (Critical)
3. DETAILED INVESTIGATION (Important)
4. RESOLUTION STEPS
5. PREVENTION MEASURES (Optional)

Use markdown formatting, code blocks for commands, and be specific.

Analysis:`)

	return Prompt{
		AnomalyID:   a.ID,
		Type:        a.Type,
		Severity:    a.Severity,
		Description: a.Description,
		System:      system,
		User:        b.String(),
	}
}
