package locationmapper

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadFile reads the URI->destination map file: lines of the
// form <baseUri>=<localPath>, '#' comments and blank lines skipped,
// trailing slashes stripped from the URI. Declaration order is preserved
// because it breaks ties between same-length prefixes. The Runner drops
// and re-reads the file at the top of every cycle.
func LoadFile(filename string, rootFolder string) (*DestinationMap, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open destination map %q: %w", filename, err)
	}
	defer f.Close()

	mappings := map[string]string{}
	var order []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		idx := strings.Index(line, "=")
		if idx < 0 {
			return nil, fmt.Errorf("destination map %q: malformed line %q", filename, line)
		}

		uri := strings.TrimSpace(line[:idx])
		dest := strings.TrimSpace(line[idx+1:])
		if _, dup := mappings[uri]; dup {
			// first declaration wins
			continue
		}
		mappings[uri] = dest
		order = append(order, uri)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read destination map %q: %w", filename, err)
	}

	return New(mappings, order, rootFolder), nil
}
