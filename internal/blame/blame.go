// Package blame computes per-line authorship attribution between two
// checkpointed versions of a note.
package blame

import (
	"strings"
	"time"
)

// Row captures the attribution for a single line of the note's current
// content. LineNumber is 1-based.
type Row struct {
	LineNumber   int
	AuthorUserID string
	RevisionID   string
	TouchedAt    time.Time
}

// SplitLines breaks note content into the line array the attribution diff
// operates on. Empty content yields a single empty line so that every note
// owns at least one blame row.
func SplitLines(content string) []string {
	return strings.Split(content, "\n")
}

// Attribute rebuilds the blame rows for nextLines given the previous line
// array and its attribution. Lines carried over unchanged keep their prior
// author and revision; inserted lines are attributed to authorUserID and
// revisionID; deleted lines emit nothing. The returned rows are numbered
// 1..len(nextLines) in order.
func Attribute(previousLines, nextLines []string, previous []Row, authorUserID, revisionID string, touchedAt time.Time) []Row {
	previousByLine := make(map[int]Row, len(previous))
	for _, row := range previous {
		previousByLine[row.LineNumber] = row
	}

	table := commonSubsequenceTable(previousLines, nextLines)

	rows := make([]Row, 0, len(nextLines))
	appendCarried := func(previousIndex, nextIndex int) {
		row := Row{
			LineNumber:   nextIndex + 1,
			AuthorUserID: authorUserID,
			RevisionID:   revisionID,
			TouchedAt:    touchedAt,
		}
		if carried, ok := previousByLine[previousIndex+1]; ok {
			row.AuthorUserID = carried.AuthorUserID
			row.RevisionID = carried.RevisionID
			row.TouchedAt = carried.TouchedAt
		}
		rows = append(rows, row)
	}
	appendInserted := func(nextIndex int) {
		rows = append(rows, Row{
			LineNumber:   nextIndex + 1,
			AuthorUserID: authorUserID,
			RevisionID:   revisionID,
			TouchedAt:    touchedAt,
		})
	}

	previousIndex, nextIndex := 0, 0
	for previousIndex < len(previousLines) && nextIndex < len(nextLines) {
		switch {
		case previousLines[previousIndex] == nextLines[nextIndex]:
			appendCarried(previousIndex, nextIndex)
			previousIndex++
			nextIndex++
		case table[previousIndex+1][nextIndex] >= table[previousIndex][nextIndex+1]:
			// Deletion: the previous line vanished, no row emitted.
			previousIndex++
		default:
			appendInserted(nextIndex)
			nextIndex++
		}
	}
	for ; nextIndex < len(nextLines); nextIndex++ {
		appendInserted(nextIndex)
	}

	return rows
}

// commonSubsequenceTable fills the LCS lengths bottom-up so that
// table[i][j] holds the longest common subsequence of previousLines[i:] and
// nextLines[j:].
func commonSubsequenceTable(previousLines, nextLines []string) [][]int {
	table := make([][]int, len(previousLines)+1)
	for i := range table {
		table[i] = make([]int, len(nextLines)+1)
	}
	for i := len(previousLines) - 1; i >= 0; i-- {
		for j := len(nextLines) - 1; j >= 0; j-- {
			if previousLines[i] == nextLines[j] {
				table[i][j] = table[i+1][j+1] + 1
			} else if table[i+1][j] >= table[i][j+1] {
				table[i][j] = table[i+1][j]
			} else {
				table[i][j] = table[i][j+1]
			}
		}
	}
	return table
}
