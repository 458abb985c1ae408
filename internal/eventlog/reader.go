package eventlog

import (
	"bufio"
	"os"

	"github.com/wardhq/ward/internal/werr"
)

// maxLineBytes bounds a single JSONL line the bufio.Scanner will accept.
const maxLineBytes = 10 << 20 // 10 MiB

// ReadFromDisk reads every line of the JSONL file at path, tolerating a
// missing file (returns nil, nil). Used when Replay reports the requested
// range has been evicted from the in-memory ring buffer.
func ReadFromDisk(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, werr.TransientIO("open events file").Wrap(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	var lines [][]byte
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		lines = append(lines, cp)
	}
	if err := scanner.Err(); err != nil {
		return lines, werr.TransientIO("scan events file").Wrap(err)
	}
	return lines, nil
}
