package entities

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// RawMention is one candidate entity occurrence as emitted by a tagger,
// before normalization.
type RawMention struct {
	Text  string `json:"text"`
	Label string `json:"label"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Tagger produces raw named-entity candidates from document text. The
// model behind it is pluggable; the pipeline only depends on this contract.
type Tagger interface {
	Tag(ctx context.Context, text string) ([]RawMention, error)
}

var (
	// Mixed-case word runs: names, organizations, places.
	properRun = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+(?:of\s+|the\s+)?[A-Z][a-z]+)+\b`)

	datePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b\d{1,2}\s+(?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{4}\b`),
		regexp.MustCompile(`\b(?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2},?\s+\d{4}\b`),
		regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2,4}\b`),
	}

	orgMarkers = []string{
		"inc", "corp", "llc", "ltd", "company", "department", "bureau",
		"office", "agency", "committee", "commission", "university", "court",
	}

	locMarkers = []string{
		"island", "islands", "county", "city", "beach", "lake", "mount",
		"airport", "airfield", "street", "avenue",
	}
)

// PatternTagger is the built-in heuristic tagger: capitalized-run and date
// patterns good enough to exercise the pipeline without an external model.
type PatternTagger struct{}

func (PatternTagger) Tag(_ context.Context, text string) ([]RawMention, error) {
	var out []RawMention

	for _, re := range datePatterns {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			out = append(out, RawMention{
				Text:  text[loc[0]:loc[1]],
				Label: "DATE",
				Start: loc[0],
				End:   loc[1],
			})
		}
	}

	for _, loc := range properRun.FindAllStringIndex(text, -1) {
		candidate := text[loc[0]:loc[1]]
		out = append(out, RawMention{
			Text:  candidate,
			Label: classify(candidate),
			Start: loc[0],
			End:   loc[1],
		})
	}
	return out, nil
}

func classify(candidate string) string {
	lower := strings.ToLower(candidate)
	for _, m := range orgMarkers {
		if strings.Contains(lower, m) {
			return "ORG"
		}
	}
	for _, m := range locMarkers {
		if strings.Contains(lower, m) {
			return "LOC"
		}
	}
	return "PERSON"
}

// taggerOutputSchema constrains what an external tagger may feed back into
// the pipeline before any of it is trusted.
const taggerOutputSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["text", "label", "start", "end"],
		"properties": {
			"text":  {"type": "string"},
			"label": {"type": "string"},
			"start": {"type": "integer", "minimum": 0},
			"end":   {"type": "integer", "minimum": 0}
		}
	}
}`

// ExternalTagger shells out to a configured NER command (for example a
// spaCy wrapper script), passing text on stdin and reading a JSON array of
// mentions from stdout. Output is schema-validated before use.
type ExternalTagger struct {
	command []string
	schema  *jsonschema.Schema
}

func NewExternalTagger(command string) (*ExternalTagger, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty tagger command")
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tagger.json", strings.NewReader(taggerOutputSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("tagger.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &ExternalTagger{command: parts, schema: schema}, nil
}

func (t *ExternalTagger) Tag(ctx context.Context, text string) ([]RawMention, error) {
	cmd := exec.CommandContext(ctx, t.command[0], t.command[1:]...)
	cmd.Stdin = strings.NewReader(text)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("tagger command: %s: %w", strings.TrimSpace(errb.String()), err)
	}

	var v any
	if err := json.Unmarshal(out.Bytes(), &v); err != nil {
		return nil, fmt.Errorf("tagger output is not JSON: %w", err)
	}
	if err := t.schema.Validate(v); err != nil {
		return nil, fmt.Errorf("tagger output does not match schema: %w", err)
	}

	var mentions []RawMention
	if err := json.Unmarshal(out.Bytes(), &mentions); err != nil {
		return nil, err
	}
	return mentions, nil
}
