package store

import (
	_ "embed"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/anomaly-hub/internal/models"
)

//go:embed fixtures.yaml
var fixturesYAML []byte

// Dataset is a complete set of records in insertion order.
type Dataset struct {
	Anomalies []models.Anomaly
	Files     []models.ProcessedFile
	Sessions  []models.Session
	Metrics   []models.Metric
}

type fixtureFile struct {
	Anomalies []fixtureAnomaly `yaml:"anomalies"`
	Files     []fixtureFileRec `yaml:"files"`
	Sessions  []fixtureSession `yaml:"sessions"`
	Metrics   []fixtureMetric  `yaml:"metrics"`
}

type fixtureAnomaly struct {
	ID                 string                   `yaml:"id"`
	Age                string                   `yaml:"age"`
	Type               string                   `yaml:"type"`
	Severity           string                   `yaml:"severity"`
	Description        string                   `yaml:"description"`
	SourceFile         string                   `yaml:"source_file"`
	PacketNumber       *int64                   `yaml:"packet_number"`
	UEID               *string                  `yaml:"ue_id"`
	MACAddress         *string                  `yaml:"mac_address"`
	Status             string                   `yaml:"status"`
	DetectionAlgorithm *string                  `yaml:"detection_algorithm"`
	ConfidenceScore    *float64                 `yaml:"confidence_score"`
	ErrorContext       *string                  `yaml:"error_context"`
	PacketContext      *string                  `yaml:"packet_context"`
	Details            map[string]any           `yaml:"details"`
	Context            *fixtureDetectionContext `yaml:"context"`
}

type fixtureDetectionContext struct {
	ModelAgreement *int                   `yaml:"model_agreement"`
	ModelVotes     map[string]fixtureVote `yaml:"model_votes"`
}

type fixtureVote struct {
	Confidence float64          `yaml:"confidence"`
	Prediction int              `yaml:"prediction"`
	Positive   []fixtureFeature `yaml:"top_positive_features"`
	Negative   []fixtureFeature `yaml:"top_negative_features"`
}

type fixtureFeature struct {
	Name   string  `yaml:"name"`
	Impact float64 `yaml:"impact"`
}

type fixtureFileRec struct {
	ID               string  `yaml:"id"`
	Age              string  `yaml:"age"`
	Filename         string  `yaml:"filename"`
	FileType         string  `yaml:"file_type"`
	FileSize         int64   `yaml:"file_size"`
	Status           string  `yaml:"status"`
	AnomaliesFound   int     `yaml:"anomalies_found"`
	ProcessingTimeMs *int64  `yaml:"processing_time_ms"`
	ErrorMessage     *string `yaml:"error_message"`
}

type fixtureSession struct {
	ID                string `yaml:"id"`
	Age               string `yaml:"age"`
	Duration          string `yaml:"duration"`
	Name              string `yaml:"name"`
	SourceFile        string `yaml:"source_file"`
	PacketsAnalyzed   int64  `yaml:"packets_analyzed"`
	AnomaliesDetected int64  `yaml:"anomalies_detected"`
}

type fixtureMetric struct {
	ID         string  `yaml:"id"`
	Age        string  `yaml:"age"`
	Category   string  `yaml:"category"`
	Name       string  `yaml:"name"`
	Value      float64 `yaml:"value"`
	SourceFile *string `yaml:"source_file"`
}

// SampleDataset materialises the embedded fixtures relative to now.
func SampleDataset(now time.Time) (Dataset, error) {
	return parseDataset(fixturesYAML, now)
}

func parseDataset(data []byte, now time.Time) (Dataset, error) {
	var raw fixtureFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Dataset{}, fmt.Errorf("parse fixtures: %w", err)
	}
	now = now.UTC()
	var ds Dataset

	for _, fa := range raw.Anomalies {
		ts, err := ago(now, fa.Age)
		if err != nil {
			return Dataset{}, fmt.Errorf("anomaly %s: %w", fa.ID, err)
		}
		a := models.Anomaly{
			ID:                 fa.ID,
			Timestamp:          ts,
			Type:               models.AnomalyType(fa.Type),
			Description:        fa.Description,
			Severity:           models.Severity(fa.Severity),
			SourceFile:         fa.SourceFile,
			PacketNumber:       fa.PacketNumber,
			UEID:               fa.UEID,
			MACAddress:         fa.MACAddress,
			Details:            fa.Details,
			Status:             models.Status(fa.Status),
			ErrorContext:       fa.ErrorContext,
			PacketContext:      fa.PacketContext,
			ConfidenceScore:    fa.ConfidenceScore,
			DetectionAlgorithm: fa.DetectionAlgorithm,
		}
		if fa.Context != nil {
			ctx := fa.Context.toModel()
			a.Context = &ctx
		}
		if !a.Type.Valid() || !a.Severity.Valid() || !a.Status.Valid() {
			return Dataset{}, fmt.Errorf("anomaly %s: invalid enumeration value", fa.ID)
		}
		ds.Anomalies = append(ds.Anomalies, a)
	}

	for _, ff := range raw.Files {
		ts, err := ago(now, ff.Age)
		if err != nil {
			return Dataset{}, fmt.Errorf("file %s: %w", ff.ID, err)
		}
		ds.Files = append(ds.Files, models.ProcessedFile{
			ID:               ff.ID,
			Filename:         ff.Filename,
			FileType:         ff.FileType,
			FileSize:         ff.FileSize,
			UploadDate:       ts,
			ProcessingStatus: models.ProcessingStatus(ff.Status),
			AnomaliesFound:   ff.AnomaliesFound,
			ProcessingTimeMs: ff.ProcessingTimeMs,
			ErrorMessage:     ff.ErrorMessage,
		})
	}

	for _, fs := range raw.Sessions {
		start, err := ago(now, fs.Age)
		if err != nil {
			return Dataset{}, fmt.Errorf("session %s: %w", fs.ID, err)
		}
		s := models.Session{
			ID:                fs.ID,
			Name:              fs.Name,
			StartTime:         start,
			PacketsAnalyzed:   fs.PacketsAnalyzed,
			AnomaliesDetected: fs.AnomaliesDetected,
			SourceFile:        fs.SourceFile,
			Status:            models.SessionActive,
		}
		if fs.Duration != "" {
			d, err := time.ParseDuration(fs.Duration)
			if err != nil {
				return Dataset{}, fmt.Errorf("session %s: %w", fs.ID, err)
			}
			end := start.Add(d)
			s.EndTime = &end
			s.Status = models.SessionCompleted
		}
		ds.Sessions = append(ds.Sessions, s)
	}

	for _, fm := range raw.Metrics {
		ts, err := ago(now, fm.Age)
		if err != nil {
			return Dataset{}, fmt.Errorf("metric %s: %w", fm.ID, err)
		}
		ds.Metrics = append(ds.Metrics, models.Metric{
			ID:         fm.ID,
			Category:   fm.Category,
			Name:       fm.Name,
			Value:      fm.Value,
			Timestamp:  ts,
			SourceFile: fm.SourceFile,
		})
	}
	return ds, nil
}

func (c fixtureDetectionContext) toModel() models.DetectionContext {
	out := models.DetectionContext{
		ModelAgreement: c.ModelAgreement,
		ModelVotes:     make(map[string]models.ModelVote, len(c.ModelVotes)),
	}
	for name, v := range c.ModelVotes {
		out.ModelVotes[name] = models.ModelVote{
			Confidence:       v.Confidence,
			Prediction:       v.Prediction,
			PositiveFeatures: toFeatures(v.Positive),
			NegativeFeatures: toFeatures(v.Negative),
		}
	}
	return out
}

func toFeatures(in []fixtureFeature) []models.FeatureContribution {
	if len(in) == 0 {
		return nil
	}
	out := make([]models.FeatureContribution, len(in))
	for i, f := range in {
		out[i] = models.FeatureContribution{Name: f.Name, Impact: f.Impact}
	}
	return out
}

func ago(now time.Time, age string) (time.Time, error) {
	if age == "" {
		return now, nil
	}
	d, err := time.ParseDuration(age)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse age %q: %w", age, err)
	}
	return now.Add(-d), nil
}
