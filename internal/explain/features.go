package explain

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

var featureDescriptions = map[string]string{
	"line_length":      "Log line length",
	"error_mentions":   "Error keyword frequency",
	"warning_mentions": "Warning keyword frequency",
	"timeout_mentions": "Timeout event frequency",
	"failed_mentions":  "Failure event frequency",
	"du_ru_mention":    "DU-RU communication indicators",
	"ue_mention":       "UE event indicators",
	"timing_issues":    "Timing synchronization issues",
	"packet_mention":   "Packet-level indicators",
	"ue_events":        "UE mobility events",
	"digit_count":      "Numerical data density",
	"word_count":       "Information density",
	"colon_count":      "Structured data indicators",
	"bracket_count":    "Configuration/parameter indicators",
}

// DescribeFeature returns the operator-facing label of a detector feature. Unknown names are
// title-cased.
func DescribeFeature(name string) string {
	if desc, ok := featureDescriptions[name]; ok {
		return desc
	}
	return titleCase(name)
}

// titleCase turns snake_case identifiers into space separated words with leading capitals.
func titleCase(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool { return r == '_' || r == ' ' })
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + strings.ToLower(w[size:])
	}
	return strings.Join(words, " ")
}
