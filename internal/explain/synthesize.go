package explain

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/miradorstack/anomaly-hub/internal/models"
)

// Decision is a detector's normalised verdict.
type Decision string

const (
	DecisionAnomaly Decision = "ANOMALY"
	DecisionNormal  Decision = "NORMAL"
)

const (
	topFeatureCount   = 3
	highConsensusOver = 2
)

// Feature is one attribution in an explanation.
type Feature struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Impact      float64 `json:"impact"`
}

// ModelExplanation is the normalised record for one detector.
type ModelExplanation struct {
	Confidence          float64   `json:"confidence"`
	Decision            Decision  `json:"decision"`
	TopPositiveFeatures []Feature `json:"top_positive_features"`
	TopNegativeFeatures []Feature `json:"top_negative_features"`
	Narrative           string    `json:"narrative"`
}

// Explanation is the synthesised view of a detection context.
type Explanation struct {
	Models         map[string]ModelExplanation `json:"models"`
	ModelAgreement int                         `json:"model_agreement"`
	TotalModels    int                         `json:"total_models"`
	PrimaryModel   string                      `json:"primary_model,omitempty"`
	Summary        string                      `json:"summary"`
}

// Synthesize turns detector votes into a ranked, human-readable explanation. It has no side
// effects and yields the same output for the same input.
func Synthesize(dc models.DetectionContext) Explanation {
	out := Explanation{
		Models:      make(map[string]ModelExplanation, len(dc.ModelVotes)),
		TotalModels: len(dc.ModelVotes),
	}

	names := make([]string, 0, len(dc.ModelVotes))
	for name := range dc.ModelVotes {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		vote := dc.ModelVotes[name]
		me := ModelExplanation{
			Confidence:          vote.Confidence,
			Decision:            DecisionNormal,
			TopPositiveFeatures: rankFeatures(vote.PositiveFeatures),
			TopNegativeFeatures: rankFeatures(vote.NegativeFeatures),
		}
		if vote.IsAnomaly() {
			me.Decision = DecisionAnomaly
			out.ModelAgreement++
			if out.PrimaryModel == "" || vote.Confidence > dc.ModelVotes[out.PrimaryModel].Confidence {
				out.PrimaryModel = name
			}
		}
		me.Narrative = narrate(name, me)
		out.Models[name] = me
	}

	out.Summary = summarize(out)
	return out
}

// rankFeatures orders attributions by absolute impact, strongest first. Ties keep input order.
func rankFeatures(in []models.FeatureContribution) []Feature {
	out := make([]Feature, 0, len(in))
	for _, f := range in {
		out = append(out, Feature{Name: f.Name, Description: DescribeFeature(f.Name), Impact: f.Impact})
	}
	slices.SortStableFunc(out, func(a, b Feature) int {
		return cmp.Compare(abs(b.Impact), abs(a.Impact))
	})
	return out
}

func summarize(e Explanation) string {
	if e.PrimaryModel == "" {
		return fmt.Sprintf("%d of %d models classified this event as anomalous.", e.ModelAgreement, e.TotalModels)
	}
	primary := e.Models[e.PrimaryModel]

	var b strings.Builder
	fmt.Fprintf(&b, "%s flagged this event as anomalous with %.1f%% confidence.",
		titleCase(e.PrimaryModel), primary.Confidence*100)

	top := primary.TopPositiveFeatures[:min(topFeatureCount, len(primary.TopPositiveFeatures))]
	if len(top) > 0 {
		parts := make([]string, len(top))
		for i, f := range top {
			parts[i] = fmt.Sprintf("%s (impact %.3f)", f.Name, f.Impact)
		}
		fmt.Fprintf(&b, " Key contributing features: %s.", strings.Join(parts, ", "))
	}

	tier := "moderate"
	if e.ModelAgreement > highConsensusOver {
		tier = "high"
	}
	fmt.Fprintf(&b, " %d of %d models agree, indicating %s consensus.", e.ModelAgreement, e.TotalModels, tier)
	return b.String()
}

// narrate renders the per-detector breakdown shown when an operator expands a model.
func narrate(name string, me ModelExplanation) string {
	lines := []string{fmt.Sprintf("%s: %s (confidence %.1f%%)", titleCase(name), me.Decision, me.Confidence*100)}
	if top := me.TopPositiveFeatures[:min(topFeatureCount, len(me.TopPositiveFeatures))]; len(top) > 0 {
		lines = append(lines, "Primary anomaly indicators:")
		for _, f := range top {
			lines = append(lines, fmt.Sprintf("- %s (impact %.3f)", f.Description, abs(f.Impact)))
		}
	}
	if normal := me.TopNegativeFeatures[:min(2, len(me.TopNegativeFeatures))]; len(normal) > 0 {
		lines = append(lines, "Normal behaviour indicators:")
		for _, f := range normal {
			lines = append(lines, fmt.Sprintf("- %s (impact %.3f)", f.Description, abs(f.Impact)))
		}
	}
	return strings.Join(lines, "\n")
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
