package pipeline

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// maxStoriesPerRun caps a single ingestion payload.
const maxStoriesPerRun = 20

// keyLineRe matches a KEY: at column 0 starting a new value.
var keyLineRe = regexp.MustCompile(`^([A-Z_]+):(.*)$`)

// ParseOutput parses a worker report into a key/value map. A token matching
// ^[A-Z_]+: begins a key whose value accumulates (newline-joined) until the
// next key or end of output. Keys are lowercased, values trimmed. The
// STORIES_JSON payload is returned separately and never merged into context.
func ParseOutput(output string) (values map[string]string, storiesJSON string) {
	values = map[string]string{}

	var currentKey string
	var currentLines []string
	flush := func() {
		if currentKey == "" {
			return
		}
		value := strings.TrimSpace(strings.Join(currentLines, "\n"))
		if currentKey == "STORIES_JSON" {
			storiesJSON = value
		} else {
			values[strings.ToLower(currentKey)] = value
		}
		currentKey = ""
		currentLines = nil
	}

	for _, line := range strings.Split(output, "\n") {
		if m := keyLineRe.FindStringSubmatch(line); m != nil {
			flush()
			currentKey = m[1]
			currentLines = []string{m[2]}
			continue
		}
		if currentKey != "" {
			currentLines = append(currentLines, line)
		}
	}
	flush()
	return values, storiesJSON
}

// StoryPayload is one entry of a STORIES_JSON array, validated at the
// ingestion boundary.
type StoryPayload struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`

	// Snake-case alias accepted from workers that emit it.
	AcceptanceCriteriaAlt []string `json:"acceptance_criteria"`
}

// Criteria resolves the camelCase/snake_case alias pair.
func (p *StoryPayload) Criteria() []string {
	if len(p.AcceptanceCriteria) > 0 {
		return p.AcceptanceCriteria
	}
	return p.AcceptanceCriteriaAlt
}

const storiesSchemaJSON = `{
	"type": "array",
	"maxItems": 20,
	"items": {
		"type": "object",
		"required": ["id", "title", "description"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"title": {"type": "string", "minLength": 1},
			"description": {"type": "string", "minLength": 1},
			"acceptanceCriteria": {"type": "array", "items": {"type": "string"}},
			"acceptance_criteria": {"type": "array", "items": {"type": "string"}}
		}
	}
}`

var storiesSchema = mustCompileStoriesSchema()

func mustCompileStoriesSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(storiesSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("stories schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("stories.json", doc); err != nil {
		panic(fmt.Sprintf("stories schema: %v", err))
	}
	schema, err := compiler.Compile("stories.json")
	if err != nil {
		panic(fmt.Sprintf("stories schema: %v", err))
	}
	return schema
}

// ParseStories decodes and validates a STORIES_JSON payload: each story needs
// a non-empty id, title, description and at least one acceptance criterion;
// ids must be unique; at most 20 stories.
func ParseStories(payload string) ([]StoryPayload, error) {
	raw := extractJSONArray(payload)
	if raw == "" {
		return nil, fmt.Errorf("%w: no JSON array found", ErrInvalidStories)
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStories, err)
	}
	if err := storiesSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStories, err)
	}

	var stories []StoryPayload
	if err := json.Unmarshal([]byte(raw), &stories); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStories, err)
	}
	if len(stories) == 0 {
		return nil, fmt.Errorf("%w: empty story list", ErrInvalidStories)
	}
	if len(stories) > maxStoriesPerRun {
		return nil, fmt.Errorf("%w: %d stories exceeds cap of %d", ErrInvalidStories, len(stories), maxStoriesPerRun)
	}

	seen := map[string]bool{}
	for _, st := range stories {
		if seen[st.ID] {
			return nil, fmt.Errorf("%w: duplicate story id %q", ErrInvalidStories, st.ID)
		}
		seen[st.ID] = true
		if len(st.Criteria()) == 0 {
			return nil, fmt.Errorf("%w: story %q has no acceptance criteria", ErrInvalidStories, st.ID)
		}
	}
	return stories, nil
}

// extractJSONArray trims a STORIES_JSON value down to the bracketed array,
// tolerating trailing prose after the closing bracket.
func extractJSONArray(payload string) string {
	start := strings.Index(payload, "[")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(payload); i++ {
		c := payload[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return payload[start : i+1]
			}
		}
	}
	return ""
}
