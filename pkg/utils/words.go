package utils

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// LoadWords reads a word bank with one word per line. Blank lines and lines
// starting with # are skipped.
func LoadWords(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open word bank: %w", err)
	}
	defer f.Close()

	var words []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		l := strings.TrimSpace(sc.Text())
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		words = append(words, l)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read word bank: %w", err)
	}
	if len(words) == 0 {
		return nil, errors.New("word bank empty after parsing")
	}
	return words, nil
}
