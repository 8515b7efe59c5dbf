// Package dotenv reads a .env file into the process environment before the
// configuration is parsed.
package dotenv

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// Parse reads KEY=VALUE lines. Blank lines, # comments and a leading
// "export " are ignored. Double-quoted values expand \n and \"; single-quoted
// values are literal; unquoted values end at " #".
func Parse(r io.Reader) (map[string]string, error) {
	out := make(map[string]string)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, raw, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || strings.ContainsAny(key, " \t") {
			return nil, fmt.Errorf("line %d: expected KEY=VALUE", lineNo)
		}
		val, err := parseValue(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		out[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseValue(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	switch raw[0] {
	case '"':
		end := strings.LastIndexByte(raw, '"')
		if end == 0 {
			return "", errors.New("unterminated double quote")
		}
		r := strings.NewReplacer(`\n`, "\n", `\"`, `"`, `\\`, `\`)
		return r.Replace(raw[1:end]), nil
	case '\'':
		end := strings.LastIndexByte(raw, '\'')
		if end == 0 {
			return "", errors.New("unterminated single quote")
		}
		return raw[1:end], nil
	}
	if i := strings.Index(raw, " #"); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimSpace(raw), nil
}

// LoadFile applies the variables in path whose name starts with prefix.
// Variables already present in the environment win. A missing file is not an
// error. The names that were set are returned sorted.
func LoadFile(path, prefix string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open env file %q: %w", path, err)
	}
	defer file.Close()

	vars, err := Parse(file)
	if err != nil {
		return nil, fmt.Errorf("parse env file %q: %w", path, err)
	}

	var applied []string
	for key, val := range vars {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return applied, fmt.Errorf("set env %q from %q: %w", key, path, err)
		}
		applied = append(applied, key)
	}
	sort.Strings(applied)
	return applied, nil
}
