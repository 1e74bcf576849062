package writer

import (
	"bufio"
	"encoding/json"
	"os"

	"go.uber.org/zap"
)

// ReadLines reads every JSON object line from path, skipping and
// logging (not truncating) any line that fails to parse — the
// "corrupt record" handling spec §7 requires. Returns an empty slice,
// not an error, if the file does not exist yet.
func ReadLines(path string, log *zap.Logger) ([]map[string]any, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if log == nil {
		log = zap.NewNop()
	}

	var out []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			log.Warn("skipping corrupt record", zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}
