package apps

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// notInstalled stands for a missing or unreadable installed version.
const notInstalled = -1

// InstalledVersion reads a version as reported by a badge. JSON numbers and
// numeric strings are accepted; anything else, including values outside the
// int32 range versions are stored in, counts as not installed.
func InstalledVersion(v any) int {
	switch x := v.(type) {
	case json.Number:
		return InstalledVersion(string(x))
	case float64:
		if math.IsNaN(x) || x < math.MinInt32 || x > math.MaxInt32 {
			return notInstalled
		}
		return int(math.Trunc(x))
	case int:
		return InstalledVersion(int64(x))
	case int64:
		if x < math.MinInt32 || x > math.MaxInt32 {
			return notInstalled
		}
		return int(x)
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 32); err == nil {
			return int(n)
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return InstalledVersion(f)
		}
		return notInstalled
	default:
		return notInstalled
	}
}

// Plan returns the bundles in latest whose version is newer than what the
// badge reports, ordered by name.
func Plan(installed map[string]any, latest []Bundle) []Bundle {
	var out []Bundle
	for _, b := range latest {
		have := notInstalled
		if v, ok := installed[b.Name]; ok {
			have = InstalledVersion(v)
		}
		if have < b.Version {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
