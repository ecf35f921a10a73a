// Package diff renders the difference between a stored record and the record
// a playbook step would build, for human review in previews.
package diff

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"agentline/internal/domain"
)

type Line struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	OldLine int    `json:"old_line,omitempty"`
	NewLine int    `json:"new_line,omitempty"`
}

const (
	LineContext = "context"
	LineAdded   = "added"
	LineRemoved = "removed"
)

// FieldChange is one differing field of a record.
type FieldChange struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
	Lines  []Line `json:"lines,omitempty"`
}

// Lines is a line-level diff of two texts.
func Lines(before, after string) []Line {
	dmp := diffmatchpatch.New()
	beforeChars, afterChars, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(beforeChars, afterChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var lines []Line
	oldLine, newLine := 1, 1
	for _, d := range diffs {
		chunk := strings.Split(d.Text, "\n")
		if len(chunk) > 0 && chunk[len(chunk)-1] == "" {
			chunk = chunk[:len(chunk)-1]
		}
		for _, text := range chunk {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				lines = append(lines, Line{Type: LineContext, Text: text, OldLine: oldLine, NewLine: newLine})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				lines = append(lines, Line{Type: LineRemoved, Text: text, OldLine: oldLine})
				oldLine++
			case diffmatchpatch.DiffInsert:
				lines = append(lines, Line{Type: LineAdded, Text: text, NewLine: newLine})
				newLine++
			}
		}
	}
	return lines
}

// Records compares the reviewable fields of an existing record with a
// proposed one. Custom properties only present on one side are ignored unless
// listed in keys.
func Records(existing, proposed domain.Record, keys ...string) []FieldChange {
	var changes []FieldChange
	add := func(field, before, after string) {
		if before == after {
			return
		}
		c := FieldChange{Field: field, Before: before, After: after}
		if strings.Contains(before, "\n") || strings.Contains(after, "\n") {
			c.Lines = Lines(before, after)
		}
		changes = append(changes, c)
	}
	add("description", existing.Description, proposed.Description)
	add("status", existing.Status, proposed.Status)
	if len(keys) == 0 {
		for k := range proposed.CustomProperties {
			if _, ok := existing.CustomProperties[k]; ok {
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		add("custom_properties."+k, render(existing.CustomProperties[k]), render(proposed.CustomProperties[k]))
	}
	return changes
}

func render(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
