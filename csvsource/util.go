package csvsource

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

func normalizeColumn(s string) string {
	return strings.TrimSpace(strings.ToLower(s))
}

func parseFloat32(s string) (float32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty string")
	}
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, err
	}
	return float32(v), nil
}

// readHeader returns a file's normalized column names.
func readHeader(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	header, err := csv.NewReader(file).Read()
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	columns := make([]string, len(header))
	for i, col := range header {
		columns[i] = normalizeColumn(col)
	}
	return columns, nil
}

// countRows counts the number of data rows in a CSV file (excluding header).
func countRows(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Skip header
	if _, err := reader.Read(); err != nil {
		return 0, err
	}

	count := 0
	for {
		_, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		count++
	}

	return count, nil
}
