package models

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	assert.True(t, StatusOpen.CanTransition(StatusResolved))
	assert.True(t, StatusOpen.CanTransition(StatusDismissed))
	assert.True(t, StatusResolved.CanTransition(StatusResolved))
	assert.False(t, StatusResolved.CanTransition(StatusOpen))
	assert.False(t, StatusDismissed.CanTransition(StatusResolved))
	assert.False(t, StatusOpen.CanTransition(Status("archived")))
}

func TestSeverityRank(t *testing.T) {
	assert.Less(t, SeverityLow.Rank(), SeverityMedium.Rank())
	assert.Less(t, SeverityMedium.Rank(), SeverityHigh.Rank())
	assert.Less(t, SeverityHigh.Rank(), SeverityCritical.Rank())
	assert.False(t, Severity("urgent").Valid())
}

func validDraft() AnomalyDraft {
	return AnomalyDraft{
		Type:        AnomalyTypeFronthaul,
		Description: "DU-RU latency above threshold",
		Severity:    SeverityHigh,
		SourceFile:  "captures/fronthaul_01.pcap",
	}
}

func TestAnomalyDraftValidate(t *testing.T) {
	require.NoError(t, validDraft().Validate())

	bad := validDraft()
	bad.Type = "backhaul"
	require.Error(t, bad.Validate())

	bad = validDraft()
	bad.Severity = "urgent"
	require.Error(t, bad.Validate())

	score := 1.5
	bad = validDraft()
	bad.ConfidenceScore = &score
	require.Error(t, bad.Validate())

	mac := "not-a-mac"
	bad = validDraft()
	bad.MACAddress = &mac
	require.Error(t, bad.Validate())
}

func TestDetectionContextValidate(t *testing.T) {
	ctx := DetectionContext{ModelVotes: map[string]ModelVote{
		ModelIsolationForest: {Confidence: 0.9, Prediction: PredictionAnomaly},
	}}
	require.NoError(t, ctx.Validate())

	ctx.ModelVotes[ModelDBSCAN] = ModelVote{Confidence: 0.4, Prediction: -1}
	require.Error(t, ctx.Validate())

	ctx.ModelVotes[ModelDBSCAN] = ModelVote{Confidence: 0.4, PositiveFeatures: []FeatureContribution{{Name: "x", Impact: math.NaN()}}}
	require.Error(t, ctx.Validate())

	require.Error(t, DetectionContext{}.Validate())

	agreement := 3
	ctx = DetectionContext{
		ModelVotes:     map[string]ModelVote{ModelOneClassSVM: {Confidence: 0.2}},
		ModelAgreement: &agreement,
	}
	require.Error(t, ctx.Validate())
}

func TestDraftBuildDefaults(t *testing.T) {
	now := time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)
	a := validDraft().Build("a-1", now)
	assert.Equal(t, "a-1", a.ID)
	assert.Equal(t, now, a.Timestamp)
	assert.Equal(t, StatusOpen, a.Status)
	assert.Nil(t, a.Recommendation)
	assert.Nil(t, a.PacketNumber)
}

func TestAnomalyCloneIsolatesContext(t *testing.T) {
	a := Anomaly{
		Details: map[string]any{"k": "v"},
		Context: &DetectionContext{ModelVotes: map[string]ModelVote{
			ModelRandomForest: {Confidence: 0.8, Prediction: 1, PositiveFeatures: []FeatureContribution{{Name: "f", Impact: 0.1}}},
		}},
	}
	b := a.Clone()
	b.Details["k"] = "changed"
	vote := b.Context.ModelVotes[ModelRandomForest]
	vote.PositiveFeatures[0].Name = "changed"

	assert.Equal(t, "v", a.Details["k"])
	assert.Equal(t, "f", a.Context.ModelVotes[ModelRandomForest].PositiveFeatures[0].Name)
}

func TestAnomalyQueryNormalise(t *testing.T) {
	q := AnomalyQuery{Limit: 0, Offset: -4}.Normalise()
	assert.Equal(t, DefaultListLimit, q.Limit)
	assert.Equal(t, 0, q.Offset)
	assert.Equal(t, MaxListLimit, AnomalyQuery{Limit: 5000}.Normalise().Limit)
}

func TestFileUpdateRejectsTerminal(t *testing.T) {
	f := ProcessedFile{ProcessingStatus: ProcessingCompleted}
	_, ok := FileUpdate{Status: ProcessingFailed}.Apply(f)
	assert.False(t, ok)

	f.ProcessingStatus = ProcessingPending
	found := 4
	updated, ok := FileUpdate{Status: ProcessingCompleted, AnomaliesFound: &found}.Apply(f)
	require.True(t, ok)
	assert.Equal(t, 4, updated.AnomaliesFound)
}

func TestFileUpdateMovesForwardOnly(t *testing.T) {
	f := ProcessedFile{ProcessingStatus: ProcessingRunning}
	_, ok := FileUpdate{Status: ProcessingPending}.Apply(f)
	assert.False(t, ok)

	same, ok := FileUpdate{Status: ProcessingRunning}.Apply(f)
	require.True(t, ok)
	assert.Equal(t, ProcessingRunning, same.ProcessingStatus)

	done, ok := FileUpdate{Status: ProcessingFailed}.Apply(f)
	require.True(t, ok)
	assert.Equal(t, ProcessingFailed, done.ProcessingStatus)
}
