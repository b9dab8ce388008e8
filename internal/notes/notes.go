// Package notes reads free-text doctor notes into a structured patient
// record for the rule-based lookup path.
package notes

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// GeneralDiagnosis is used when no known condition appears in the note.
const GeneralDiagnosis = "General"

const unknown = "Unknown"

var (
	nameRe      = regexp.MustCompile(`(?i)name[:\-]\s*(.*)`)
	ageRe       = regexp.MustCompile(`(?i)age[:\-]\s*(\d+)`)
	genderRe    = regexp.MustCompile(`(?i)gender[:\-]\s*(male|female)`)
	diagnosisRe = regexp.MustCompile(`(?i)(diabetes|hypertension|heart disease|obesity)`)
)

// Note is the patient record extracted from a doctor note.
type Note struct {
	Name      string `json:"name"`
	Age       *int   `json:"age"`
	Gender    string `json:"gender"`
	Diagnosis string `json:"diagnosis"`
}

// Condition returns the diagnosis as a guideline key.
func (n Note) Condition() string {
	return strings.ToLower(n.Diagnosis)
}

// Parse extracts name, age, gender and diagnosis from a note. Fields that
// cannot be found default to "Unknown", a nil age, and the general
// diagnosis.
func Parse(text string) Note {
	text = norm.NFKC.String(text)
	n := Note{
		Name:      unknown,
		Gender:    unknown,
		Diagnosis: GeneralDiagnosis,
	}

	if m := nameRe.FindStringSubmatch(text); m != nil {
		n.Name = strings.TrimSpace(m[1])
	}
	if m := ageRe.FindStringSubmatch(text); m != nil {
		if age, err := strconv.Atoi(m[1]); err == nil {
			n.Age = &age
		}
	}
	if m := genderRe.FindStringSubmatch(text); m != nil {
		n.Gender = title(m[1])
	}
	if m := diagnosisRe.FindStringSubmatch(text); m != nil {
		n.Diagnosis = title(m[1])
	}
	return n
}

// CleanText normalises text for matching: NFKC, lower case, anything but
// ASCII letters and digits becomes a space, runs of space collapse.
func CleanText(text string) string {
	text = strings.ToLower(norm.NFKC.String(text))
	mapped := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || unicode.IsSpace(r) {
			return r
		}
		return ' '
	}, text)
	return strings.Join(strings.Fields(mapped), " ")
}

// MergeInputs joins the free-text parts of a report into one cleaned string.
func MergeInputs(diagnosis, notes, prescription string) string {
	return CleanText("diagnosis " + diagnosis + " clinical notes " + notes + " prescription " + prescription)
}

func title(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
