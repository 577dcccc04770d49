// SPDX-License-Identifier: GPL-2.0-or-later

// Package roitext implements the tagged-section text format shared by the
// ROI file, the distance-matrix index file, and the tree serialisation
// (spec §6): UTF-8, line-oriented, sections delimited by `#<tag>` /
// `#end<tag>`. Grounded on the original hClustering WFileParser's
// tag-scan approach, generalised into a reusable reader/writer instead of
// three bespoke parsers.
package roitext

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/mpi-cbs/hclustering/lib/herrors"
)

// Sections maps a tag name to its ordered, raw (un-split) content lines.
type Sections map[string][]string

// Parse scans r for `#tag` / `#endtag` delimited sections. Blank lines
// are skipped. It is InvalidInput for a non-blank line to appear outside
// any section, for a tag to be opened without a matching close, or for
// tags to nest.
func Parse(r io.Reader) (Sections, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	sections := make(Sections)
	var openTag string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "#end"):
			closeTag := strings.TrimPrefix(line, "#end")
			if openTag == "" {
				return nil, herrors.InvalidInputf("roitext: #end%s with no open tag", closeTag)
			}
			if closeTag != openTag {
				return nil, herrors.InvalidInputf("roitext: #end%s does not match open tag %q", closeTag, openTag)
			}
			openTag = ""
		case strings.HasPrefix(line, "#"):
			tag := strings.TrimPrefix(line, "#")
			if openTag != "" {
				return nil, herrors.InvalidInputf("roitext: tag %q opened while %q is still open (nesting is not supported)", tag, openTag)
			}
			openTag = tag
			if _, ok := sections[tag]; !ok {
				sections[tag] = nil
			}
		default:
			if openTag == "" {
				return nil, herrors.InvalidInputf("roitext: content line outside any section: %q", line)
			}
			sections[openTag] = append(sections[openTag], line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, herrors.MissingDataf("roitext: reading input: %v", err)
	}
	if openTag != "" {
		return nil, herrors.InvalidInputf("roitext: tag %q never closed", openTag)
	}
	return sections, nil
}

// Require returns the lines for tag, or an InvalidInput error if the tag
// is absent.
func (s Sections) Require(tag string) ([]string, error) {
	lines, ok := s[tag]
	if !ok {
		return nil, herrors.InvalidInputf("roitext: required section #%s is missing", tag)
	}
	return lines, nil
}

// RequireSingle returns the single line for tag, or an InvalidInput error
// if the tag is absent or does not contain exactly one line.
func (s Sections) RequireSingle(tag string) (string, error) {
	lines, err := s.Require(tag)
	if err != nil {
		return "", err
	}
	if len(lines) != 1 {
		return "", herrors.InvalidInputf("roitext: section #%s must contain exactly one line, has %d", tag, len(lines))
	}
	return lines[0], nil
}

// Writer emits sections in the same `#tag`/`#endtag` delimited form.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// Section writes a full tagged section with the given content lines.
func (wr *Writer) Section(tag string, lines []string) error {
	if _, err := fmt.Fprintf(wr.w, "#%s\n", tag); err != nil {
		return err
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(wr.w, line); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(wr.w, "#end%s\n", tag)
	return err
}
