// Package export writes per-patient diet plan documents.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-pdf/fpdf"

	"github.com/kartoza/diet-planner/internal/guideline"
	"github.com/kartoza/diet-planner/internal/pipeline"
)

// Format is an export document type.
type Format string

const (
	FormatJSON Format = "json"
	FormatPDF  Format = "pdf"
)

// ParseFormat maps a file extension or name to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "json":
		return FormatJSON, nil
	case "pdf":
		return FormatPDF, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	if f == FormatPDF {
		return "application/pdf"
	}
	return "application/json"
}

// FileName returns the document name for the result row at index.
// Patients are numbered from 1, so row 0 is patient_1_high_risk_diet.pdf.
func FileName(index int, label string, f Format) string {
	if label == "" {
		label = "unknown"
	}
	safe := strings.Map(func(r rune) rune {
		if r == '-' || r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, label)
	return fmt.Sprintf("patient_%d_%s_diet.%s", index+1, safe, f)
}

// JSON writes the result's export mapping as indented JSON.
func JSON(w io.Writer, r pipeline.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r.Export()); err != nil {
		return fmt.Errorf("encode result %d: %w", r.Index, err)
	}
	return nil
}

// PDF renders the result's plan: a title naming the condition, one heading
// per top-level entry and one line per meal.
func PDF(w io.Writer, r pipeline.Result) error {
	if r.Plan.IsZero() {
		return fmt.Errorf("result %d has no diet plan", r.Index)
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle("Diet Plan", true)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.Cell(0, 10, tr("Diet Plan for "+strings.ToUpper(r.Label)))
	pdf.Ln(12)

	if r.Fallback {
		pdf.SetFont("Arial", "I", 10)
		pdf.MultiCell(0, 6, tr("General guideline shown: "+r.FallbackReason), "", "L", false)
		pdf.Ln(2)
	}

	if text := r.Plan.Text(); text != "" {
		pdf.SetFont("Arial", "", 12)
		pdf.MultiCell(0, 7, tr(text), "", "L", false)
	}

	for _, node := range r.Plan.Nodes() {
		if len(node.Children) == 0 {
			pdf.SetFont("Arial", "", 12)
			pdf.MultiCell(0, 7, tr(line(node)), "", "L", false)
			continue
		}
		pdf.SetFont("Arial", "B", 13)
		pdf.Cell(0, 8, tr(node.Key))
		pdf.Ln(9)
		pdf.SetFont("Arial", "", 12)
		for _, child := range node.Children {
			pdf.MultiCell(0, 7, tr(line(child)), "", "L", false)
		}
		pdf.Ln(3)
	}

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("render pdf for result %d: %w", r.Index, err)
	}
	return nil
}

// line renders a leaf entry as "key: value".
func line(n guideline.Node) string {
	value := n.Text
	if len(n.Items) > 0 {
		value = strings.Join(n.Items, ", ")
	}
	if len(n.Children) > 0 {
		parts := make([]string, 0, len(n.Children))
		for _, c := range n.Children {
			parts = append(parts, line(c))
		}
		value = strings.Join(parts, "; ")
	}
	return n.Key + ": " + value
}

// Write renders one result in the given format.
func Write(w io.Writer, r pipeline.Result, f Format) error {
	switch f {
	case FormatJSON:
		return JSON(w, r)
	case FormatPDF:
		return PDF(w, r)
	}
	return fmt.Errorf("unsupported export format %q", f)
}

// WriteAll writes every result in every format into dir and returns the
// created paths. Rows without a plan get a JSON document only.
func WriteAll(dir string, results []pipeline.Result, formats []Format) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	var paths []string
	for _, r := range results {
		for _, f := range formats {
			if f == FormatPDF && r.Plan.IsZero() {
				continue
			}
			path := filepath.Join(dir, FileName(r.Index, r.Label, f))
			if err := writeFile(path, r, f); err != nil {
				return paths, err
			}
			paths = append(paths, path)
		}
	}
	return paths, nil
}

func writeFile(path string, r pipeline.Result, f Format) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if err := Write(file, r, f); err != nil {
		file.Close()
		os.Remove(path)
		return err
	}
	return file.Close()
}
