package inference

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRules []byte

// RuleStreamer answers from a YAML playbook when no model endpoint is configured.
type RuleStreamer struct {
	rules         []Rule
	pace          time.Duration
	wordsPerChunk int
	logger        *slog.Logger
}

// Rule is a single troubleshooting playbook.
type Rule struct {
	ID            string    `yaml:"id"`
	Title         string    `yaml:"title"`
	Match         RuleMatch `yaml:"match"`
	RootCause     string    `yaml:"root_cause"`
	Immediate     []string  `yaml:"immediate"`
	Investigation []string  `yaml:"investigation"`
	Resolution    []string  `yaml:"resolution"`
	Prevention    string    `yaml:"prevention"`
}

// RuleMatch defines optional attributes for rule matching. Keywords and Qualifiers each
// require at least one term to appear in the description.
type RuleMatch struct {
	Type       string   `yaml:"type"`
	Severity   string   `yaml:"severity"`
	Keywords   []string `yaml:"keywords"`
	Qualifiers []string `yaml:"qualifiers"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// RuleOption customises a RuleStreamer.
type RuleOption func(*RuleStreamer)

// WithPace delays consecutive chunks so clients render progressively.
func WithPace(d time.Duration) RuleOption {
	return func(s *RuleStreamer) { s.pace = d }
}

// WithWordsPerChunk sets how many words are sent per chunk.
func WithWordsPerChunk(n int) RuleOption {
	return func(s *RuleStreamer) {
		if n > 0 {
			s.wordsPerChunk = n
		}
	}
}

// NewRuleStreamer loads rules from path, falling back to the embedded playbook when path is
// empty or missing.
func NewRuleStreamer(path string, logger *slog.Logger, opts ...RuleOption) (*RuleStreamer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data := defaultRules
	if path != "" {
		custom, err := os.ReadFile(path)
		switch {
		case err == nil:
			data = custom
		case errors.Is(err, os.ErrNotExist):
			logger.Warn("rules file not found, using built-in playbook", slog.String("path", path))
		default:
			return nil, fmt.Errorf("read rules %s: %w", path, err)
		}
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	s := &RuleStreamer{rules: cfg.Rules, wordsPerChunk: 4, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Stream renders the matching playbook and emits it a few words at a time.
func (s *RuleStreamer) Stream(ctx context.Context, prompt Prompt, onChunk func(string) error) error {
	text := s.Recommend(prompt)
	for i, chunk := range chunkWords(text, s.wordsPerChunk) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 && s.pace > 0 {
			timer := time.NewTimer(s.pace)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := onChunk(chunk); err != nil {
			return err
		}
	}
	return nil
}

// Recommend renders the markdown recommendation for prompt.
func (s *RuleStreamer) Recommend(prompt Prompt) string {
	var (
		primary   *Rule
		immediate []string
	)
	for i := range s.rules {
		rule := &s.rules[i]
		if !ruleMatches(rule.Match, prompt) {
			continue
		}
		if primary == nil && rule.Title != "" {
			primary = rule
		}
		immediate = appendUnique(immediate, rule.Immediate...)
	}
	if primary == nil {
		s.logger.Debug("no playbook matched, using generic guide", slog.String("anomaly_id", prompt.AnomalyID))
		return genericGuide(prompt, immediate)
	}
	s.logger.Debug("playbook matched", slog.String("anomaly_id", prompt.AnomalyID), slog.String("rule", primary.ID))
	return renderRule(*primary, immediate)
}

func ruleMatches(m RuleMatch, prompt Prompt) bool {
	if m.Type == "" && m.Severity == "" && len(m.Keywords) == 0 && len(m.Qualifiers) == 0 {
		return false
	}
	if m.Type != "" && !strings.EqualFold(m.Type, string(prompt.Type)) {
		return false
	}
	if m.Severity != "" && !strings.EqualFold(m.Severity, string(prompt.Severity)) {
		return false
	}
	description := strings.ToLower(prompt.Description)
	return containsAny(description, m.Keywords) && containsAny(description, m.Qualifiers)
}

func containsAny(text string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func renderRule(r Rule, immediate []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n", r.Title)
	if r.RootCause != "" {
		fmt.Fprintf(&b, "**Root Cause**: %s\n", r.RootCause)
	}
	writeSteps(&b, "Immediate Actions", immediate)
	writeSteps(&b, "Detailed Investigation", r.Investigation)
	writeSteps(&b, "Resolution Steps", r.Resolution)
	if r.Prevention != "" {
		fmt.Fprintf(&b, "\n**Prevention**: %s\n", r.Prevention)
	}
	return b.String()
}

func genericGuide(prompt Prompt, immediate []string) string {
	var b strings.Builder
	b.WriteString("## Network Troubleshooting Guide\n")
	fmt.Fprintf(&b, "**Anomaly ID**: %s\n", prompt.AnomalyID)
	fmt.Fprintf(&b, "**Description**: %s\n", prompt.Description)
	writeSteps(&b, "Immediate Actions", immediate)
	writeSteps(&b, "General Investigation Steps", []string{
		"**Check Interface Status**: Verify all network interfaces are up and operational",
		"**Monitor Traffic**: Analyze traffic patterns and identify anomalies",
		"**Check Logs**: Review system logs for error messages and warnings",
		"**Verify Configuration**: Ensure all network configurations are correct",
		"**Test Connectivity**: Perform ping and traceroute tests",
	})
	writeSteps(&b, "Standard Resolution Approach", []string{
		"Isolate the affected network segment",
		"Check for hardware failures or misconfigurations",
		"Apply known fixes for similar issues",
		"Monitor for resolution and document changes",
		"Implement preventive measures",
	})
	b.WriteString("\n**Escalation Criteria**:\n")
	b.WriteString("- Service impacting issues lasting > 15 minutes\n")
	b.WriteString("- Multiple concurrent anomalies\n")
	b.WriteString("- Unknown or novel error patterns\n")
	b.WriteString("- Hardware replacement required\n")
	return b.String()
}

func writeSteps(b *strings.Builder, heading string, steps []string) {
	if len(steps) == 0 {
		return
	}
	fmt.Fprintf(b, "\n**%s**:\n", heading)
	for i, step := range steps {
		fmt.Fprintf(b, "%d. %s\n", i+1, step)
	}
}

var wordPattern = regexp.MustCompile(`\S+\s*`)

// chunkWords splits text into groups of n words, keeping the whitespace that follows each word
// so the chunks concatenate back to the trimmed text.
func chunkWords(text string, n int) []string {
	words := wordPattern.FindAllString(text, -1)
	chunks := make([]string, 0, len(words)/n+1)
	for start := 0; start < len(words); start += n {
		end := min(start+n, len(words))
		chunks = append(chunks, strings.Join(words[start:end], ""))
	}
	return chunks
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
