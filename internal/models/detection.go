package models

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Known detector names emitted by the ensemble detection pipeline.
const (
	ModelIsolationForest = "isolation_forest"
	ModelOneClassSVM     = "one_class_svm"
	ModelDBSCAN          = "dbscan"
	ModelRandomForest    = "random_forest"
)

// Vote predictions. Detectors report 1 for an anomaly and 0 for normal traffic.
const (
	PredictionNormal  = 0
	PredictionAnomaly = 1
)

// DetectionContext carries per-detector votes attached to an anomaly by the detection pipeline.
type DetectionContext struct {
	ModelVotes         map[string]ModelVote `json:"model_votes"`
	ModelAgreement     *int                 `json:"model_agreement,omitempty"`
	EnsembleConfidence *float64             `json:"ensemble_confidence,omitempty"`
}

// ModelVote is a single detector's verdict with optional ranked feature attributions.
type ModelVote struct {
	Confidence       float64               `json:"confidence"`
	Prediction       int                   `json:"prediction"`
	PositiveFeatures []FeatureContribution `json:"top_positive_features,omitempty"`
	NegativeFeatures []FeatureContribution `json:"top_negative_features,omitempty"`
}

// IsAnomaly reports whether the detector voted anomalous.
func (v ModelVote) IsAnomaly() bool { return v.Prediction == PredictionAnomaly }

// FeatureContribution is one feature's attribution toward a detector's decision.
type FeatureContribution struct {
	Name   string   `json:"name"`
	Impact float64  `json:"impact"`
	Value  *float64 `json:"value,omitempty"`
}

// Validate enforces the ingestion rules for a detection context.
func (c DetectionContext) Validate() error {
	if len(c.ModelVotes) == 0 {
		return errors.New("model_votes must not be empty")
	}
	for name, vote := range c.ModelVotes {
		if name == "" {
			return errors.New("model name must not be empty")
		}
		if !finite(vote.Confidence) || vote.Confidence < 0 || vote.Confidence > 1 {
			return fmt.Errorf("model %s: confidence %v outside [0,1]", name, vote.Confidence)
		}
		if vote.Prediction != PredictionNormal && vote.Prediction != PredictionAnomaly {
			return fmt.Errorf("model %s: prediction must be 0 or 1, got %d", name, vote.Prediction)
		}
		for _, f := range append(slices.Clone(vote.PositiveFeatures), vote.NegativeFeatures...) {
			if f.Name == "" {
				return fmt.Errorf("model %s: feature name must not be empty", name)
			}
			if !finite(f.Impact) {
				return fmt.Errorf("model %s: feature %s impact is not finite", name, f.Name)
			}
		}
	}
	if c.ModelAgreement != nil && (*c.ModelAgreement < 0 || *c.ModelAgreement > len(c.ModelVotes)) {
		return fmt.Errorf("model_agreement %d outside [0,%d]", *c.ModelAgreement, len(c.ModelVotes))
	}
	if c.EnsembleConfidence != nil {
		v := *c.EnsembleConfidence
		if !finite(v) || v < 0 || v > 1 {
			return fmt.Errorf("ensemble_confidence %v outside [0,1]", v)
		}
	}
	return nil
}

// Clone deep-copies the context.
func (c DetectionContext) Clone() DetectionContext {
	out := DetectionContext{
		ModelAgreement:     c.ModelAgreement,
		EnsembleConfidence: c.EnsembleConfidence,
	}
	if c.ModelVotes != nil {
		out.ModelVotes = make(map[string]ModelVote, len(c.ModelVotes))
		for name, vote := range c.ModelVotes {
			vote.PositiveFeatures = slices.Clone(vote.PositiveFeatures)
			vote.NegativeFeatures = slices.Clone(vote.NegativeFeatures)
			out.ModelVotes[name] = vote
		}
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
