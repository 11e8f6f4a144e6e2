package aoftask

import (
	"bytes"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

const headerDelimiter = "---"

// Serialize renders t as a complete task file: the canonical header block
// delimited by "---" lines, followed by t.Body verbatim. Callers that need
// a stable contentHash should call RecomputeContentHash(t) first.
func Serialize(t *Task) []byte {
	var buf bytes.Buffer
	buf.WriteString(headerDelimiter)
	buf.WriteString("\n")
	buf.Write(canonicalHeader(t))
	buf.WriteString(headerDelimiter)
	buf.WriteString("\n")
	if t.Body != "" {
		buf.WriteString(t.Body)
		if !bytes.HasSuffix([]byte(t.Body), []byte("\n")) {
			buf.WriteString("\n")
		}
	}
	return buf.Bytes()
}

// knownHeaderKeys are the top-level header keys this package understands.
// Anything else found in a parsed header is tolerated and folded into
// Metadata rather than rejected, per the Task Serializer's tolerant-parse
// requirement.
var knownHeaderKeys = map[string]bool{
	"schemaVersion": true, "id": true, "project": true, "title": true,
	"description": true, "status": true, "priority": true, "routing": true,
	"createdAt": true, "updatedAt": true, "lastTransitionAt": true,
	"createdBy": true, "dependsOn": true, "parentId": true, "lease": true,
	"gate": true, "requiredRunbook": true, "escalatedAt": true,
	"metadata": true, "contentHash": true,
}

// Parse splits a task file into its header and body and decodes the header
// into a Task. Unknown top-level keys are preserved as metadata rather than
// rejected (tolerant parsing); a malformed header or a header that fails
// Validate returns a wrapped ErrParse / ErrSchemaViolation, except a
// schemaVersion mismatch, which returns a *SchemaVersionMismatchError.
func Parse(data []byte) (*Task, error) {
	header, body, err := splitHeader(data)
	if err != nil {
		return nil, err
	}

	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(header, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	t := &Task{Body: body}
	if err := decodeKnownFields(raw, t); err != nil {
		return nil, err
	}

	extra := map[string]interface{}{}
	for k, v := range raw {
		if !knownHeaderKeys[k] {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		if t.Metadata == nil {
			t.Metadata = map[string]interface{}{}
		}
		for k, v := range extra {
			t.Metadata[k] = v
		}
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// splitHeader locates the two "---" delimiter lines and returns the raw
// YAML bytes between them plus everything after the closing delimiter.
func splitHeader(data []byte) (header []byte, body string, err error) {
	s := string(data)
	if !bytes.HasPrefix(data, []byte(headerDelimiter)) {
		return nil, "", fmt.Errorf("%w: missing opening %q delimiter", ErrParse, headerDelimiter)
	}
	rest := s[len(headerDelimiter):]
	if len(rest) > 0 && rest[0] == '\n' {
		rest = rest[1:]
	} else if len(rest) > 0 && rest[0] == '\r' {
		rest = rest[2:]
	}
	idx := indexHeaderEnd(rest)
	if idx < 0 {
		return nil, "", fmt.Errorf("%w: missing closing %q delimiter", ErrParse, headerDelimiter)
	}
	header = []byte(rest[:idx])
	afterDelim := rest[idx+len(headerDelimiter):]
	if len(afterDelim) > 0 && afterDelim[0] == '\n' {
		afterDelim = afterDelim[1:]
	}
	return header, afterDelim, nil
}

// indexHeaderEnd finds the offset of a "---" line start within s.
func indexHeaderEnd(s string) int {
	searchFrom := 0
	for {
		i := indexByte(s[searchFrom:], '\n')
		lineStart := searchFrom
		var lineEnd int
		if i < 0 {
			lineEnd = len(s)
		} else {
			lineEnd = searchFrom + i
		}
		if s[lineStart:lineEnd] == headerDelimiter {
			return lineStart
		}
		if i < 0 {
			return -1
		}
		searchFrom = lineEnd + 1
		if searchFrom > len(s) {
			return -1
		}
	}
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

func decodeKnownFields(raw map[string]interface{}, t *Task) error {
	if v, ok := raw["schemaVersion"]; ok {
		n, err := toInt(v)
		if err != nil {
			return fmt.Errorf("%w: schemaVersion: %v", ErrParse, err)
		}
		t.SchemaVersion = n
	}
	t.ID, _ = raw["id"].(string)
	t.Project, _ = raw["project"].(string)
	t.Title, _ = raw["title"].(string)
	t.Description, _ = raw["description"].(string)
	if v, ok := raw["status"].(string); ok {
		t.Status = Status(v)
	}
	if v, ok := raw["priority"].(string); ok {
		t.Priority = Priority(v)
	}
	t.CreatedBy, _ = raw["createdBy"].(string)
	t.ParentID, _ = raw["parentId"].(string)
	t.RequiredRunbook, _ = raw["requiredRunbook"].(string)
	t.ContentHash, _ = raw["contentHash"].(string)

	var err error
	if t.CreatedAt, err = toTime(raw["createdAt"]); err != nil {
		return fmt.Errorf("%w: createdAt: %v", ErrParse, err)
	}
	if t.UpdatedAt, err = toTime(raw["updatedAt"]); err != nil {
		return fmt.Errorf("%w: updatedAt: %v", ErrParse, err)
	}
	if t.LastTransitionAt, err = toTime(raw["lastTransitionAt"]); err != nil {
		return fmt.Errorf("%w: lastTransitionAt: %v", ErrParse, err)
	}
	if raw["escalatedAt"] != nil {
		ts, err := toTime(raw["escalatedAt"])
		if err != nil {
			return fmt.Errorf("%w: escalatedAt: %v", ErrParse, err)
		}
		t.EscalatedAt = &ts
	}

	t.DependsOn = toStringSlice(raw["dependsOn"])

	if rm, ok := raw["routing"].(map[string]interface{}); ok {
		t.Routing.Agent, _ = rm["agent"].(string)
		t.Routing.Team, _ = rm["team"].(string)
		t.Routing.Role, _ = rm["role"].(string)
		t.Routing.Workflow, _ = rm["workflow"].(string)
		t.Routing.Tags = toStringSlice(rm["tags"])
	}

	if lm, ok := raw["lease"].(map[string]interface{}); ok {
		l := &Lease{}
		l.Agent, _ = lm["agent"].(string)
		if l.AcquiredAt, err = toTime(lm["acquiredAt"]); err != nil {
			return fmt.Errorf("%w: lease.acquiredAt: %v", ErrParse, err)
		}
		if l.ExpiresAt, err = toTime(lm["expiresAt"]); err != nil {
			return fmt.Errorf("%w: lease.expiresAt: %v", ErrParse, err)
		}
		if n, err := toInt(lm["renewCount"]); err == nil {
			l.RenewCount = n
		}
		t.Lease = l
	}

	if gm, ok := raw["gate"].(map[string]interface{}); ok {
		g := &GateState{}
		g.Current, _ = gm["current"].(string)
		if g.Entered, err = toTime(gm["entered"]); err != nil {
			return fmt.Errorf("%w: gate.entered: %v", ErrParse, err)
		}
		if hist, ok := gm["history"].([]interface{}); ok {
			for _, item := range hist {
				hm, ok := item.(map[string]interface{})
				if !ok {
					continue
				}
				entry := GateHistoryEntry{}
				entry.Gate, _ = hm["gate"].(string)
				entry.Outcome, _ = hm["outcome"].(string)
				entry.Actor, _ = hm["actor"].(string)
				if at, err := toTime(hm["at"]); err == nil {
					entry.At = at
				}
				g.History = append(g.History, entry)
			}
		}
		t.Gate = g
	}

	if mm, ok := raw["metadata"].(map[string]interface{}); ok {
		t.Metadata = mm
	}

	return nil
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

func toTime(v interface{}) (time.Time, error) {
	switch s := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return s.UTC(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, err
		}
		return parsed.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("not a timestamp: %v", v)
	}
}

func toStringSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
