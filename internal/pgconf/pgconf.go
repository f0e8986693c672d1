// Copyright 2023 Sorint.lab
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pgconf reads and edits files in the postgres configuration file
// dialect (postgresql.conf, postgresql.auto.conf, pg_ctl.conf and friends).
// A file is kept as an ordered sequence of lines so that edits only touch the
// line they target and everything else round-trips byte identical.
package pgconf

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sorintlab/pgcluster/internal/common"
)

const (
	AutoConfName = "postgresql.auto.conf"

	// maximum include/include_dir nesting before we declare the
	// configuration malformed instead of looping forever
	maxIncludeDepth = 16
)

type LineKind int

const (
	LineBlank LineKind = iota
	LineComment
	LineAssign
	LineInclude
)

// Line is one physical configuration file line. Assignment lines found behind
// a leading '#' are parsed as assignments with Commented set, so that edits
// can re-enable them.
type Line struct {
	Kind      LineKind
	Raw       string
	Commented bool

	// assignment fields
	Indent  string
	Key     string // original case
	Value   string // unquoted
	Comment string // trailing comment starting at '#', leading spaces included

	// include fields
	Directive string // include, include_if_exists or include_dir
	Target    string
}

// MalformedLineError reports a non-blank, non-comment line that doesn't match
// the recognized grammar.
type MalformedLineError struct {
	Path string
	Num  int
	Text string
}

func (e *MalformedLineError) Error() string {
	return fmt.Sprintf("%s:%d: malformed configuration line %q", e.Path, e.Num, e.Text)
}

// Document is a parsed configuration file.
type Document struct {
	Path  string
	Lines []Line
}

// Parse reads a configuration document from r. path is only used for error
// reporting.
func Parse(r io.Reader, path string) (*Document, error) {
	d := &Document{Path: path}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	num := 0
	for scanner.Scan() {
		num++
		l, err := parseLine(scanner.Text())
		if err != nil {
			return nil, &MalformedLineError{Path: path, Num: num, Text: scanner.Text()}
		}
		d.Lines = append(d.Lines, l)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return d, nil
}

// ParseFile parses the file at path. A missing file is not an error and
// yields an empty document.
func ParseFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Document{Path: path}, nil
		}
		return nil, err
	}
	defer f.Close()
	return Parse(f, path)
}

func parseLine(text string) (Line, error) {
	rest := strings.TrimLeft(text, " \t")
	indent := text[:len(text)-len(rest)]

	if rest == "" {
		return Line{Kind: LineBlank, Raw: text}, nil
	}

	commented := false
	if rest[0] == '#' {
		commented = true
		rest = strings.TrimLeft(rest[1:], " \t")
	}

	key, after, ok := scanIdentifier(rest)
	if ok {
		if dir := strings.ToLower(key); dir == "include" || dir == "include_if_exists" || dir == "include_dir" {
			if commented {
				return Line{Kind: LineComment, Raw: text}, nil
			}
			target, trailing, verr := scanAssignment(after)
			if verr == nil && isTrailing(trailing) {
				return Line{Kind: LineInclude, Raw: text, Directive: dir, Target: target}, nil
			}
			return Line{}, fmt.Errorf("bad include directive")
		}

		value, trailing, verr := scanAssignment(after)
		if verr == nil && isTrailing(trailing) {
			return Line{
				Kind:      LineAssign,
				Raw:       text,
				Commented: commented,
				Indent:    indent,
				Key:       key,
				Value:     value,
				Comment:   trailing,
			}, nil
		}
	}

	if commented {
		// a comment that doesn't parse as a disabled assignment is
		// just a comment
		return Line{Kind: LineComment, Raw: text}, nil
	}
	return Line{}, fmt.Errorf("unrecognized line")
}

func scanIdentifier(s string) (string, string, bool) {
	i := 0
	for i < len(s) {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '.' {
			i++
			continue
		}
		break
	}
	if i == 0 {
		return "", "", false
	}
	c := s[0]
	if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_') {
		return "", "", false
	}
	return s[:i], s[i:], true
}

// scanAssignment parses the `= value` (or just whitespace separated value)
// part after a setting name.
func scanAssignment(s string) (string, string, error) {
	rest := strings.TrimLeft(s, " \t")
	sep := len(rest) != len(s)
	if strings.HasPrefix(rest, "=") {
		rest = strings.TrimLeft(rest[1:], " \t")
		sep = true
	}
	if !sep {
		return "", "", fmt.Errorf("missing separator")
	}
	return scanValue(rest)
}

// scanValue parses a single quoted or bare value and returns it together
// with whatever trails it.
func scanValue(s string) (string, string, error) {
	if s == "" {
		return "", "", fmt.Errorf("missing value")
	}
	if s[0] == '\'' {
		var b strings.Builder
		i := 1
		for i < len(s) {
			switch {
			case s[i] == '\\' && i+1 < len(s):
				b.WriteByte(s[i+1])
				i += 2
			case s[i] == '\'' && i+1 < len(s) && s[i+1] == '\'':
				b.WriteByte('\'')
				i += 2
			case s[i] == '\'':
				return b.String(), s[i+1:], nil
			default:
				b.WriteByte(s[i])
				i++
			}
		}
		return "", "", fmt.Errorf("unterminated quoted value")
	}

	i := 0
	for i < len(s) && s[i] != ' ' && s[i] != '\t' && s[i] != '#' {
		i++
	}
	if i == 0 {
		return "", "", fmt.Errorf("missing value")
	}
	return s[:i], s[i:], nil
}

// isTrailing reports whether s is valid after a value: blank or a comment.
func isTrailing(s string) bool {
	s = strings.TrimLeft(s, " \t")
	return s == "" || s[0] == '#'
}

// Lookup returns the effective value of key among uncommented assignments,
// case insensitively, last write wins.
func (d *Document) Lookup(key string) (string, bool) {
	value := ""
	found := false
	for _, l := range d.Lines {
		if l.Kind == LineAssign && !l.Commented && strings.EqualFold(l.Key, key) {
			value = l.Value
			found = true
		}
	}
	return value, found
}

// Parameters returns all uncommented assignments as a Parameters map with
// lowercased keys, last write wins.
func (d *Document) Parameters() common.Parameters {
	params := common.Parameters{}
	for _, l := range d.Lines {
		if l.Kind == LineAssign && !l.Commented {
			params[strings.ToLower(l.Key)] = l.Value
		}
	}
	return params
}

// Set rewrites the value of key. The last uncommented assignment (the
// effective one) is edited in place keeping its trailing comment; failing
// that the first commented-out assignment is re-enabled; failing that a new
// line is appended.
func (d *Document) Set(key, value string) {
	last := -1
	for i, l := range d.Lines {
		if l.Kind == LineAssign && !l.Commented && strings.EqualFold(l.Key, key) {
			last = i
		}
	}
	if last >= 0 {
		d.Lines[last].Value = value
		d.Lines[last].render()
		return
	}
	for i, l := range d.Lines {
		if l.Kind == LineAssign && l.Commented && strings.EqualFold(l.Key, key) {
			d.Lines[i].Commented = false
			d.Lines[i].Value = value
			d.Lines[i].render()
			return
		}
	}
	d.Lines = append(d.Lines, newAssign(key, value))
}

// Disable comments out the first uncommented assignment of key, appending
// reason as a trailing comment if given. It reports whether a line was
// disabled.
func (d *Document) Disable(key, reason string) bool {
	for i, l := range d.Lines {
		if l.Kind == LineAssign && !l.Commented && strings.EqualFold(l.Key, key) {
			d.Lines[i].Commented = true
			if reason != "" {
				d.Lines[i].Comment = " #" + reason
			}
			d.Lines[i].render()
			return true
		}
	}
	return false
}

// Replace disables oldKey like Disable and inserts newKey = newValue right
// after it. It reports whether oldKey was found.
func (d *Document) Replace(oldKey, reason, newKey, newValue string) bool {
	for i, l := range d.Lines {
		if l.Kind == LineAssign && !l.Commented && strings.EqualFold(l.Key, oldKey) {
			d.Lines[i].Commented = true
			if reason != "" {
				d.Lines[i].Comment = " #" + reason
			}
			d.Lines[i].render()

			nl := newAssign(newKey, newValue)
			d.Lines = append(d.Lines, Line{})
			copy(d.Lines[i+2:], d.Lines[i+1:])
			d.Lines[i+1] = nl
			return true
		}
	}
	return false
}

func newAssign(key, value string) Line {
	l := Line{Kind: LineAssign, Key: key, Value: value}
	l.render()
	return l
}

// render regenerates Raw for an assignment line after an edit.
func (l *Line) render() {
	var b strings.Builder
	b.WriteString(l.Indent)
	if l.Commented {
		b.WriteString("#")
	}
	b.WriteString(l.Key)
	b.WriteString(" = ")
	b.WriteString(QuoteValue(l.Value))
	b.WriteString(l.Comment)
	l.Raw = b.String()
}

func (d *Document) String() string {
	var b strings.Builder
	for _, l := range d.Lines {
		b.WriteString(l.Raw)
		b.WriteString("\n")
	}
	return b.String()
}

// Save writes the document back to its path atomically. When the file
// already exists its mode and owner are preserved, otherwise it is created
// with the given mode.
func (d *Document) Save(createMode os.FileMode) error {
	write := func(f io.Writer) error {
		_, err := io.WriteString(f, d.String())
		return err
	}
	if _, err := os.Stat(d.Path); err == nil {
		return common.WriteFileAtomicPreserve(d.Path, write)
	}
	return common.WriteFileAtomicFunc(d.Path, createMode, write)
}
