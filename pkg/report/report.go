// Package report writes keyword matches as tab-separated lines.
package report

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/Sternrassler/wit-harvester/pkg/filter"
	"github.com/google/btree"
)

// Tabs and line breaks inside field values would break the line format.
var sanitizer = strings.NewReplacer("\t", " ", "\r\n", " ", "\n", " ", "\r", " ")

// Writer formats matches as "id\tstate\ttitle\ttags" lines.
type Writer struct {
	out    io.Writer
	sorted bool
}

// NewWriter creates a report writer. With sorted set, matches are
// written in ascending id order; otherwise in the order given.
func NewWriter(out io.Writer, sorted bool) *Writer {
	return &Writer{out: out, sorted: sorted}
}

// Line formats a single match.
func Line(m filter.Match) string {
	return fmt.Sprintf("%d\t%s\t%s\t%s",
		m.Item.ID,
		sanitizer.Replace(m.Item.State()),
		sanitizer.Replace(m.Item.Title()),
		sanitizer.Replace(m.Item.Tags()),
	)
}

// Summary writes the result count header.
func (w *Writer) Summary(total int) error {
	_, err := fmt.Fprintf(w.out, "Query Results: %d items found\n", total)
	return err
}

// Write writes one line per match.
func (w *Writer) Write(matches []filter.Match) error {
	bw := bufio.NewWriter(w.out)

	emit := func(m filter.Match) bool {
		_, err := bw.WriteString(Line(m) + "\n")
		return err == nil
	}

	if w.sorted {
		for _, m := range SortByID(matches) {
			if !emit(m) {
				break
			}
		}
	} else {
		for _, m := range matches {
			if !emit(m) {
				break
			}
		}
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

type entry struct {
	seq   int
	match filter.Match
}

// SortByID returns matches ordered by work item id. Matches sharing an
// id keep their relative order.
func SortByID(matches []filter.Match) []filter.Match {
	tree := btree.NewG(32, func(a, b entry) bool {
		if a.match.Item.ID != b.match.Item.ID {
			return a.match.Item.ID < b.match.Item.ID
		}
		return a.seq < b.seq
	})
	for i, m := range matches {
		tree.ReplaceOrInsert(entry{seq: i, match: m})
	}

	sorted := make([]filter.Match, 0, tree.Len())
	tree.Ascend(func(e entry) bool {
		sorted = append(sorted, e.match)
		return true
	})
	return sorted
}
