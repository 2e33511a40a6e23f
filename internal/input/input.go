// Package input provides helpers for reading flag values from stdin and files
// (@file syntax).
package input

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
)

// Value expands a single value. "-" reads the first non-empty line of
// stdin, "@path" the first non-empty line of the file; anything else is
// returned as is.
func Value(v string, stdin io.Reader) (string, error) {
	lines, err := expand(v, stdin)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", errors.Newf("%s: no value", source(v))
	}
	return lines[0], nil
}

// ExpandValues expands every value, splicing in all lines read from stdin
// or files. stdin is read at most once.
func ExpandValues(values []string, stdin io.Reader) ([]string, error) {
	var (
		result    []string
		stdinUsed bool
	)
	for _, v := range values {
		if v == "-" {
			if stdinUsed {
				return nil, errors.New("stdin can only be used once")
			}
			stdinUsed = true
		}
		lines, err := expand(v, stdin)
		if err != nil {
			return nil, err
		}
		result = append(result, lines...)
	}
	return result, nil
}

func expand(v string, stdin io.Reader) ([]string, error) {
	switch {
	case v == "-":
		return ReadLinesFromReader(stdin), nil
	case strings.HasPrefix(v, "@"):
		path := strings.TrimPrefix(v, "@")
		file, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", path)
		}
		defer file.Close()
		return ReadLinesFromReader(file), nil
	}
	return []string{v}, nil
}

func source(v string) string {
	if v == "-" {
		return "stdin"
	}
	return strings.TrimPrefix(v, "@")
}

// ReadLinesFromReader reads non-empty lines from a reader.
func ReadLinesFromReader(r io.Reader) []string {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
