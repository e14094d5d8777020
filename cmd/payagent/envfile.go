package main

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"strings"
)

const envFilePathEnv = "PAYAGENT_ENV_FILE"

// loadEnvFile reads KEY=VALUE pairs from the env file and exports the ones
// not already set, so real environment variables win. A missing file is not
// an error. Returns the path consulted and how many values were applied.
func loadEnvFile() (string, int, error) {
	path := strings.TrimSpace(os.Getenv(envFilePathEnv))
	if path == "" {
		path = ".env"
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return path, 0, nil
		}
		return path, 0, err
	}
	defer file.Close()

	loaded := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, value, ok := parseEnvLine(scanner.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return path, loaded, err
		}
		loaded++
	}
	return path, loaded, scanner.Err()
}

func parseEnvLine(line string) (string, string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", false
	}
	trimmed = strings.TrimPrefix(trimmed, "export ")
	key, value, found := strings.Cut(trimmed, "=")
	if !found {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", false
	}
	value = strings.TrimSpace(value)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return key, value, true
}
