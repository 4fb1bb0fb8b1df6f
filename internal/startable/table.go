// Package startable reads and writes STAR-style metadata documents: named
// data blocks holding either key/value pairs or a single loop table.
package startable

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrBlockNotFound is returned when a named data block is absent.
var ErrBlockNotFound = errors.New("data block not found")

// ErrColumnNotFound is returned when a loop lacks a named column.
var ErrColumnNotFound = errors.New("column not found")

// Pair is a key/value entry of a non-loop block.
type Pair struct {
	Key   string
	Value string
}

// Block is one data_ section.
type Block struct {
	Name    string
	Pairs   []Pair
	Loop    bool
	Columns []string
	Rows    [][]string
}

// Document is an ordered list of blocks.
type Document struct {
	Blocks []*Block
}

// Block returns the block with the given name, without the data_ prefix.
func (d *Document) Block(name string) (*Block, error) {
	for _, b := range d.Blocks {
		if b.Name == name {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: data_%s", ErrBlockNotFound, name)
}

// Column returns the index of a loop column, with or without the leading
// underscore.
func (b *Block) Column(name string) (int, error) {
	name = strings.TrimPrefix(name, "_")
	for i, c := range b.Columns {
		if strings.TrimPrefix(c, "_") == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s in data_%s", ErrColumnNotFound, name, b.Name)
}

// Value returns a pair value by key.
func (b *Block) Value(key string) (string, bool) {
	key = strings.TrimPrefix(key, "_")
	for _, p := range b.Pairs {
		if strings.TrimPrefix(p.Key, "_") == key {
			return p.Value, true
		}
	}
	return "", false
}

// Float parses a loop cell as a float.
func (b *Block) Float(row, col int) (float64, error) {
	v, err := strconv.ParseFloat(b.Rows[row][col], 64)
	if err != nil {
		return 0, fmt.Errorf("data_%s row %d column %s: %w", b.Name, row+1, b.Columns[col], err)
	}
	return v, nil
}

// ReadFile parses the document at path.
func ReadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	doc, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

// Parse reads a document from r.
func Parse(r io.Reader) (*Document, error) {
	doc := &Document{}
	var cur *Block
	inHeader := false

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		switch {
		case strings.HasPrefix(line, "data_"):
			cur = &Block{Name: strings.TrimPrefix(line, "data_")}
			doc.Blocks = append(doc.Blocks, cur)
			inHeader = false
		case cur == nil:
			return nil, fmt.Errorf("line %d: content before first data block", lineNo)
		case line == "loop_":
			cur.Loop = true
			inHeader = true
		case strings.HasPrefix(line, "_"):
			fields := splitFields(line)
			if cur.Loop && inHeader {
				cur.Columns = append(cur.Columns, fields[0])
				continue
			}
			if cur.Loop {
				return nil, fmt.Errorf("line %d: label %s after loop rows", lineNo, fields[0])
			}
			if len(fields) < 2 {
				return nil, fmt.Errorf("line %d: label %s has no value", lineNo, fields[0])
			}
			cur.Pairs = append(cur.Pairs, Pair{Key: fields[0], Value: fields[1]})
		default:
			if !cur.Loop {
				return nil, fmt.Errorf("line %d: row outside loop in data_%s", lineNo, cur.Name)
			}
			inHeader = false
			fields := splitFields(line)
			if len(fields) != len(cur.Columns) {
				return nil, fmt.Errorf("line %d: %d fields, want %d", lineNo, len(fields), len(cur.Columns))
			}
			cur.Rows = append(cur.Rows, fields)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return doc, nil
}

// splitFields splits on whitespace, keeping quoted values intact.
func splitFields(line string) []string {
	var fields []string
	var b strings.Builder
	var quote rune
	inField := false

	for _, r := range line {
		switch {
		case quote != 0:
			b.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
			inField = true
			b.WriteRune(r)
		case r == ' ' || r == '\t':
			if inField {
				fields = append(fields, b.String())
				b.Reset()
				inField = false
			}
		case r == '#' && !inField:
			// Column numbering after a loop label.
			if len(fields) > 0 {
				return fields
			}
			inField = true
			b.WriteRune(r)
		default:
			inField = true
			b.WriteRune(r)
		}
	}
	if inField {
		fields = append(fields, b.String())
	}
	return fields
}
