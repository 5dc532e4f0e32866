package logging

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

const (
	logDirEnvVar       = "FLEET_LOG_DIR"
	serviceLogFileName = "fleet-debug.log"
)

// LogFileSnippet captures matched log lines for a single file.
type LogFileSnippet struct {
	Path      string   `json:"path,omitempty"`
	Entries   []string `json:"entries,omitempty"`
	Truncated bool     `json:"truncated,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// LogFetchOptions tunes how much log data is returned.
type LogFetchOptions struct {
	MaxEntries   int
	MaxBytes     int
	MaxLineBytes int
}

// FetchLogMatches returns service log lines containing the provided id
// (typically a run id or worker id).
func FetchLogMatches(logID string, opts LogFetchOptions) LogFileSnippet {
	logID = strings.TrimSpace(logID)
	if logID == "" {
		return LogFileSnippet{Error: "log_id is required"}
	}

	opts = normalizeLogFetchOptions(opts)
	return readLogMatches(filepath.Join(resolveLogDirectory(), serviceLogFileName), logID, opts)
}

func normalizeLogFetchOptions(opts LogFetchOptions) LogFetchOptions {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 200
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 1 << 20
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = 8 << 20
	}
	return opts
}

func resolveLogDirectory() string {
	if value, ok := os.LookupEnv(logDirEnvVar); ok {
		if override := strings.TrimSpace(value); override != "" {
			return override
		}
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "."
	}
	return filepath.Join(home, ".fleet", "logs")
}

func readLogMatches(path, logID string, opts LogFetchOptions) LogFileSnippet {
	opts = normalizeLogFetchOptions(opts)
	snippet := LogFileSnippet{Path: path}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			snippet.Error = "not_found"
		} else {
			snippet.Error = err.Error()
		}
		return snippet
	}
	defer func() { _ = file.Close() }()

	reader := bufio.NewReaderSize(file, 64*1024)
	matchedBytes := 0
	for {
		line, err := readLineString(reader, opts.MaxLineBytes)
		if err != nil {
			break
		}
		if line == "" {
			continue
		}
		if strings.Contains(line, logID) {
			snippet.Entries = append(snippet.Entries, line)
			matchedBytes += len(line)
			if len(snippet.Entries) >= opts.MaxEntries {
				snippet.Truncated = true
				break
			}
			if matchedBytes >= opts.MaxBytes {
				snippet.Truncated = true
				break
			}
		}
	}

	return snippet
}

// readLineString reads a single newline-terminated line from reader.
// Lines longer than maxBytes are silently skipped (drained and discarded).
// Returns ("", io.EOF) at end of input.
func readLineString(reader *bufio.Reader, maxBytes int) (string, error) {
	var buf []byte
	oversize := false
	for {
		segment, isPrefix, err := reader.ReadLine()
		if err != nil {
			if len(buf) > 0 && !oversize {
				return string(buf), nil
			}
			return "", err
		}
		if oversize {
			if !isPrefix {
				oversize = false
			}
			continue
		}
		buf = append(buf, segment...)
		if len(buf) > maxBytes {
			buf = nil
			if isPrefix {
				oversize = true
			}
			continue
		}
		if !isPrefix {
			return string(buf), nil
		}
	}
}
