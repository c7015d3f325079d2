package capability

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// snippetLimit caps how much of a matched line is kept.
const snippetLimit = 200

// FSDiscovery scans a directory tree for supporting facts.
type FSDiscovery struct {
	root string
}

// NewFSDiscovery creates a Discovery over the given corpus root.
func NewFSDiscovery(root string) *FSDiscovery {
	return &FSDiscovery{root: root}
}

// Discover returns facts for files matching the query globs. When a content
// regexp is given, facts are matching lines; otherwise one fact per file with
// its opening lines as the snippet.
func (d *FSDiscovery) Discover(ctx context.Context, q Query) ([]Fact, error) {
	var re *regexp.Regexp
	if q.Content != "" {
		var err error
		re, err = regexp.Compile(q.Content)
		if err != nil {
			return nil, fmt.Errorf("discovery content pattern: %w", err)
		}
	}

	globs := q.Globs
	if len(globs) == 0 {
		globs = []string{"**"}
	}

	seen := make(map[string]bool)
	var paths []string
	fsys := os.DirFS(d.root)
	for _, glob := range globs {
		matches, err := doublestar.Glob(fsys, glob)
		if err != nil {
			return nil, fmt.Errorf("discovery glob %q: %w", glob, err)
		}
		for _, m := range matches {
			if seen[m] {
				continue
			}
			seen[m] = true
			paths = append(paths, m)
		}
	}

	var facts []Fact
	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := fs.Stat(fsys, rel)
		if err != nil || info.IsDir() {
			continue
		}

		fileFacts, err := d.scanFile(rel, re)
		if err != nil {
			continue // unreadable files are not facts
		}
		facts = append(facts, fileFacts...)

		if q.MaxResults > 0 && len(facts) >= q.MaxResults {
			return facts[:q.MaxResults], nil
		}
	}
	return facts, nil
}

func (d *FSDiscovery) scanFile(rel string, re *regexp.Regexp) ([]Fact, error) {
	f, err := os.Open(filepath.Join(d.root, rel))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if re == nil {
		// File-level fact: first few lines as the snippet.
		var lines []string
		scanner := bufio.NewScanner(f)
		for scanner.Scan() && len(lines) < 3 {
			lines = append(lines, scanner.Text())
		}
		return []Fact{{Path: rel, Snippet: clip(strings.Join(lines, "\n"))}}, nil
	}

	var facts []Fact
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if re.MatchString(line) {
			facts = append(facts, Fact{Path: rel, Line: lineNo, Snippet: clip(strings.TrimSpace(line))})
		}
	}
	return facts, scanner.Err()
}

func clip(s string) string {
	if len(s) > snippetLimit {
		return s[:snippetLimit]
	}
	return s
}
