// Package workitem defines the work item model shared by the query,
// fetch, filter and report stages.
package workitem

import (
	"fmt"
	"strings"
)

// Well-known field reference names.
const (
	FieldID           = "System.Id"
	FieldTitle        = "System.Title"
	FieldDescription  = "System.Description"
	FieldState        = "System.State"
	FieldTags         = "System.Tags"
	FieldWorkItemType = "System.WorkItemType"
	FieldTeamProject  = "System.TeamProject"
	FieldChangedDate  = "System.ChangedDate"
)

// Reference is a lightweight pointer to a work item returned by a query.
// Position is the index of the reference in the ordered query result.
type Reference struct {
	ID       int
	Position int
}

// WorkItem is a fully fetched work item.
type WorkItem struct {
	ID     int            `json:"id"`
	Rev    int            `json:"rev,omitzero"`
	Fields map[string]any `json:"fields,omitempty"`
	URL    string         `json:"url,omitempty"`
}

// Field returns the named field as a string.
// Absent fields and nil values yield "".
func (w WorkItem) Field(name string) string {
	v, ok := w.Fields[name]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

// Title returns System.Title.
func (w WorkItem) Title() string { return w.Field(FieldTitle) }

// State returns System.State.
func (w WorkItem) State() string { return w.Field(FieldState) }

// Tags returns System.Tags. The service joins tags with "; ".
func (w WorkItem) Tags() string { return w.Field(FieldTags) }

// TagList splits System.Tags into trimmed, non-empty tags.
func (w WorkItem) TagList() []string {
	raw := w.Tags()
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ";")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

// IDs returns the ids of refs in order.
func IDs(refs []Reference) []int {
	ids := make([]int, len(refs))
	for i, r := range refs {
		ids[i] = r.ID
	}
	return ids
}
