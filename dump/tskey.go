package dump

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// defaultObservableNames seeds the first entries of the built-in
// fallback list used when no tskey file is available; any index beyond
// this list falls back to a positional "obsN" name (see observableName).
var defaultObservableNames = []string{
	"cpuall", "cpu0", "cpu1", "cpu2", "cpu3",
	"memfree", "diskfree", "loadavg", "users", "rootprocs",
	"otherprocs", "netbiosns_in", "netbiosns_out", "www_in", "www_out",
}

// observableName returns the i'th observable's name, from names if
// present or else a positional fallback, so every index up to the
// record's observable count gets a name.
func observableName(names []string, i int) string {
	if i < len(names) {
		return names[i]
	}
	return fmt.Sprintf("obs%d", i)
}

// loadObservableNames reads a tskey file, one observable name per line.
// Lines may optionally be prefixed with a numeric index ("3 diskfree"),
// in which case only the last whitespace-separated field is kept as the
// name; blank lines are skipped. Returns the built-in default list if
// filename is empty or cannot be opened.
func loadObservableNames(filename string) []string {
	if filename == "" {
		return defaultObservableNames
	}

	f, err := os.Open(filename)
	if err != nil {
		return defaultObservableNames
	}
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		names = append(names, fields[len(fields)-1])
	}
	if len(names) == 0 {
		return defaultObservableNames
	}
	return names
}
