package transform

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"water-quality-etl/internal/models"
	"water-quality-etl/internal/reference"
)

// ChoiceLabels maps codes to labels for the named choice lists; the first label for a code wins
func ChoiceLabels(choices *models.Relation, lists ...string) map[string]string {
	want := make(map[string]bool, len(lists))
	for _, l := range lists {
		want[l] = true
	}
	labels := make(map[string]string)
	for _, row := range choices.Rows {
		if !want[row.Get("list_name")] {
			continue
		}
		code := strings.TrimSpace(row.Get("name"))
		if _, seen := labels[code]; seen || code == "" {
			continue
		}
		labels[code] = row.Get("label")
	}
	return labels
}

// ObfuscateName renders an unresolved name as its first word plus initials,
// e.g. "John Jack Doe" becomes "John J. D."
func ObfuscateName(name string) string {
	words := strings.Split(name, " ")
	if len(words) == 1 {
		return words[0]
	}
	parts := make([]string, len(words))
	parts[0] = words[0]
	for i := 1; i < len(words); i++ {
		initial := ""
		if words[i] != "" {
			r, _ := utf8.DecodeRuneInString(words[i])
			initial = string(r)
		}
		parts[i] = initial + "."
	}
	return strings.Join(parts, " ")
}

// DecodeNameList resolves a comma-joined list of person codes to display names
func DecodeNameList(raw string, labels map[string]string) string {
	cleaned := strings.ReplaceAll(raw, "other", "")
	cleaned = strings.ReplaceAll(cleaned, ",,", ",")
	cleaned = strings.TrimSpace(cleaned)

	var names []string
	for _, code := range strings.Split(cleaned, ",") {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		if label, ok := labels[code]; ok {
			names = append(names, label)
			continue
		}
		names = append(names, ObfuscateName(code))
	}
	return strings.Join(names, ", ")
}

// DecodeNames rewrites the reviewer and crew columns of every visit to display names
func DecodeNames(visits *models.VisitSet, choices *models.Relation, rules reference.DecodeRules) {
	labels := ChoiceLabels(choices, rules.Names.Lists...)
	decoded := make(map[string]string)

	for _, v := range visits.Visits {
		for _, col := range rules.Names.Columns {
			raw := v.Get(col)
			if raw == "" {
				continue
			}
			name, ok := decoded[raw]
			if !ok {
				name = DecodeNameList(raw, labels)
				decoded[raw] = name
			}
			v.Set(col, name)
		}
	}
}

// DecodeChars replaces coded result text with choice labels for the configured characteristics
func DecodeChars(results []*models.Result, choices *models.Relation, rules reference.DecodeRules) int {
	decoded := 0
	for _, cd := range rules.Characteristics {
		labels := ChoiceLabels(choices, cd.List)
		if cd.IntegerCodes {
			labels = integerKeys(labels)
		}

		for _, r := range results {
			if r.CharacteristicName != cd.Characteristic {
				continue
			}
			code := strings.TrimSpace(r.ResultText)
			if cd.IntegerCodes {
				code = integerCode(code)
			}
			if label, ok := labels[code]; ok && code != "" {
				r.ResultText = label
				decoded++
			}
		}
	}
	return decoded
}

// integerKeys normalises integer codes so "01" and "1" compare equal
func integerKeys(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for code, label := range labels {
		k := integerCode(code)
		if _, seen := out[k]; !seen {
			out[k] = label
		}
	}
	return out
}

func integerCode(code string) string {
	if n, err := strconv.Atoi(code); err == nil {
		return strconv.Itoa(n)
	}
	if f, err := strconv.ParseFloat(code, 64); err == nil && f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return code
}
