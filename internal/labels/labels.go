// Package labels maps backend defect codes to the fixed display vocabulary
// and localizes the display labels.
package labels

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/sfdwatch/internal/model"
)

// defaultCodes is the built-in backend code lookup. Keys are lower-case.
var defaultCodes = map[string]model.DefectType{
	"scratches":   model.DefectScratches,
	"scratch":     model.DefectScratches,
	"rusting":     model.DefectRusting,
	"rust":        model.DefectRusting,
	"fracture":    model.DefectFracture,
	"crack":       model.DefectFracture,
	"deformation": model.DefectDeformation,
	"deformed":    model.DefectDeformation,
	"dent":        model.DefectDeformation,
}

// passCodes mark a non-defective result in payloads without an explicit flag.
var passCodes = map[string]bool{
	"normal": true,
	"pass":   true,
	"ok":     true,
	"none":   true,
}

var defaultLabels = map[string]map[model.DefectType]string{
	"en": {
		model.DefectScratches:    "Scratches",
		model.DefectRusting:      "Rusting",
		model.DefectFracture:     "Fracture",
		model.DefectDeformation:  "Deformation",
		model.DefectUnclassified: "Unclassified",
	},
	"ko": {
		model.DefectScratches:    "스크래치",
		model.DefectRusting:      "녹",
		model.DefectFracture:     "파손",
		model.DefectDeformation:  "변형",
		model.DefectUnclassified: "미분류",
	},
}

// Table resolves backend codes and display labels for one locale.
type Table struct {
	locale string
	codes  map[string]model.DefectType
	labels map[model.DefectType]string
}

// fileFormat is the YAML override layout:
//
//	codes:
//	  scuff: scratches
//	labels:
//	  en:
//	    scratches: Scratch
type fileFormat struct {
	Codes  map[string]string            `yaml:"codes"`
	Labels map[string]map[string]string `yaml:"labels"`
}

// New returns the built-in table for locale. Unknown locales fall back to English.
func New(locale string) *Table {
	locale = strings.ToLower(strings.TrimSpace(locale))
	if _, ok := defaultLabels[locale]; !ok {
		locale = model.DefaultLocale
	}

	t := &Table{
		locale: locale,
		codes:  make(map[string]model.DefectType, len(defaultCodes)),
		labels: make(map[model.DefectType]string, len(defaultLabels[locale])),
	}
	for k, v := range defaultCodes {
		t.codes[k] = v
	}
	for k, v := range defaultLabels[locale] {
		t.labels[k] = v
	}
	return t
}

// Load returns the built-in table for locale extended by the YAML file at path.
// An empty path returns the built-in table.
func Load(locale, path string) (*Table, error) {
	t := New(locale)
	if strings.TrimSpace(path) == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("labels: read %s: %w", path, err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("labels: parse %s: %w", path, err)
	}

	for code, name := range f.Codes {
		dt := model.DefectType(strings.ToLower(strings.TrimSpace(name)))
		if !dt.Valid() {
			return nil, fmt.Errorf("labels: code %q maps to unknown type %q", code, name)
		}
		t.codes[normalizeCode(code)] = dt
	}
	for name, label := range f.Labels[t.locale] {
		dt := model.DefectType(strings.ToLower(strings.TrimSpace(name)))
		if !dt.Valid() {
			return nil, fmt.Errorf("labels: label for unknown type %q", name)
		}
		t.labels[dt] = label
	}
	return t, nil
}

// Locale returns the active locale.
func (t *Table) Locale() string { return t.locale }

// Resolve maps a backend code to a defect type. Unmapped codes resolve to
// unclassified.
func (t *Table) Resolve(code string) model.DefectType {
	if dt, ok := t.codes[normalizeCode(code)]; ok {
		return dt
	}
	return model.DefectUnclassified
}

// IsPass reports whether code denotes a non-defective inspection.
func (t *Table) IsPass(code string) bool {
	return passCodes[normalizeCode(code)]
}

// Label returns the localized display label for dt.
func (t *Table) Label(dt model.DefectType) string {
	if l, ok := t.labels[dt]; ok {
		return l
	}
	return t.labels[model.DefectUnclassified]
}

func normalizeCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, " ", "_")
	return strings.ReplaceAll(code, "-", "_")
}
