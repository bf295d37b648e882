package ingest

import (
	"bufio"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const maxPromLineBytes = 1 << 20

// ParsePrometheusText converts text exposition into one flat record.
// Only counter and gauge samples are kept; series sharing a metric name are summed.
// Params: payload exposition text.
// Returns: record keyed by metric name or error when nothing matched.
func ParsePrometheusText(payload string) (map[string]any, error) {
	metricTypes := make(map[string]string)
	sums := make(map[string]float64)
	malformedLines := 0

	scanner := bufio.NewScanner(strings.NewReader(payload))
	scanner.Buffer(make([]byte, 0, 64*1024), maxPromLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			parseTypeLine(line, metricTypes)
			continue
		}

		metricName, value, err := parseSampleLine(line)
		if err != nil {
			malformedLines++
			continue
		}

		metricType := metricTypes[metricName]
		if metricType != "counter" && metricType != "gauge" {
			continue
		}
		sums[metricName] += value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan Prometheus payload: %w", err)
	}

	if len(sums) == 0 {
		if malformedLines > 0 {
			return nil, fmt.Errorf("no matching Prometheus samples found (malformed lines=%d)", malformedLines)
		}
		return nil, fmt.Errorf("no matching Prometheus samples found")
	}

	record := make(map[string]any, len(sums))
	for name, value := range sums {
		record[name] = value
	}
	return record, nil
}

// parseTypeLine parses '# TYPE <name> <type>' declarations.
// Params: line is one comment line; metricTypes stores parsed type by metric name.
// Returns: none.
func parseTypeLine(line string, metricTypes map[string]string) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return
	}
	if fields[0] != "#" || strings.ToUpper(fields[1]) != "TYPE" {
		return
	}
	metricName := strings.TrimSpace(fields[2])
	metricType := strings.ToLower(strings.TrimSpace(fields[3]))
	if metricName == "" || metricType == "" {
		return
	}
	metricTypes[metricName] = metricType
}

// parseSampleLine parses one sample line.
// Params: line contains metric sample in exposition format.
// Returns: metric name, numeric value, parse error.
func parseSampleLine(line string) (string, float64, error) {
	seriesToken, valuePart, err := splitSeriesAndValue(line)
	if err != nil {
		return "", 0, err
	}
	if seriesToken == "" || valuePart == "" {
		return "", 0, fmt.Errorf("invalid sample format")
	}

	metricName, err := parseSeriesToken(seriesToken)
	if err != nil {
		return "", 0, err
	}

	valueFields := strings.Fields(valuePart)
	if len(valueFields) == 0 {
		return "", 0, fmt.Errorf("missing sample value")
	}

	value, err := strconv.ParseFloat(valueFields[0], 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid sample value")
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return "", 0, fmt.Errorf("sample value must be finite")
	}

	return metricName, value, nil
}

// splitSeriesAndValue splits sample line into series token and value segment.
// Params: line is one sample line.
// Returns: series token, value segment, parse error.
func splitSeriesAndValue(line string) (string, string, error) {
	inBraces := false
	inQuotes := false
	escaped := false

	for idx := 0; idx < len(line); idx++ {
		ch := line[idx]

		if inQuotes {
			if escaped {
				escaped = false
				continue
			}
			if ch == '\\' {
				escaped = true
				continue
			}
			if ch == '"' {
				inQuotes = false
			}
			continue
		}

		switch ch {
		case '{':
			inBraces = true
		case '}':
			inBraces = false
		case '"':
			if inBraces {
				inQuotes = true
			}
		case ' ', '\t':
			if !inBraces {
				return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), nil
			}
		}
	}

	return "", "", fmt.Errorf("missing sample value")
}

// parseSeriesToken parses '<metric>{labels}' or '<metric>'.
// Params: token contains metric and optional labels segment.
// Returns: metric name, parse error.
func parseSeriesToken(token string) (string, error) {
	openIdx := strings.IndexByte(token, '{')
	if openIdx < 0 {
		name := strings.TrimSpace(token)
		if name == "" {
			return "", fmt.Errorf("empty metric name")
		}
		return name, nil
	}

	closeIdx := strings.LastIndexByte(token, '}')
	if closeIdx <= openIdx || closeIdx != len(token)-1 {
		return "", fmt.Errorf("invalid labels block")
	}

	name := strings.TrimSpace(token[:openIdx])
	if name == "" {
		return "", fmt.Errorf("empty metric name")
	}
	return name, nil
}
