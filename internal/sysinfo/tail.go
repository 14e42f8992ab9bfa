package sysinfo

import (
	"bufio"
	"fmt"
	"os"
)

// MaxTailLines bounds TailFile
const MaxTailLines = 10000

// TailFile returns the last n lines of the file at path
func TailFile(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, fmt.Errorf("lines must be greater than 0")
	}
	if n > MaxTailLines {
		return nil, fmt.Errorf("lines cannot exceed %d", MaxTailLines)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	// ring buffer of the most recent n lines
	ring := make([]string, n)
	count := 0

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		ring[count%n] = scanner.Text()
		count++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}

	if count <= n {
		return ring[:count], nil
	}
	start := count % n
	return append(ring[start:], ring[:start]...), nil
}
