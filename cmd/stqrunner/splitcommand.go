package main

import (
	"strings"

	"github.com/pkg/errors"
)

// splitCommand tokenizes a command line into argv the way a POSIX shell
// would split words: whitespace separates arguments, single quotes take
// everything literally, double quotes allow backslash escapes, and a bare
// backslash escapes the next character.
func splitCommand(command string) ([]string, error) {
	var argv []string
	var current strings.Builder
	inWord := false

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '\\':
			if i+1 >= len(runes) {
				return nil, errors.New("trailing backslash")
			}
			i++
			current.WriteRune(runes[i])
			inWord = true
		case c == '\'':
			end := indexFrom(runes, i+1, '\'')
			if end < 0 {
				return nil, errors.New("unclosed single quote")
			}
			current.WriteString(string(runes[i+1 : end]))
			i = end
			inWord = true
		case c == '"':
			i++
			closed := false
			for i < len(runes) {
				if runes[i] == '"' {
					closed = true
					break
				}
				if runes[i] == '\\' && i+1 < len(runes) {
					i++
				}
				current.WriteRune(runes[i])
				i++
			}
			if !closed {
				return nil, errors.New("unclosed double quote")
			}
			inWord = true
		case c == ' ' || c == '\t' || c == '\n':
			if inWord {
				argv = append(argv, current.String())
				current.Reset()
				inWord = false
			}
		default:
			current.WriteRune(c)
			inWord = true
		}
	}
	if inWord {
		argv = append(argv, current.String())
	}
	return argv, nil
}

func indexFrom(runes []rune, start int, target rune) int {
	for i := start; i < len(runes); i++ {
		if runes[i] == target {
			return i
		}
	}
	return -1
}
