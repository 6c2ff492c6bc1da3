package selector

import (
	"fmt"
	"path"
	"sort"

	"github.com/schaermu/copyrightd/internal/repo"
	"github.com/schaermu/copyrightd/internal/syntax"
)

// Strategy decides which paths of a push are candidates for rewriting
type Strategy string

const (
	// StrategyAuto picks full-scan when the policy file changed, incremental otherwise
	StrategyAuto Strategy = "auto"
	// StrategyFull considers every blob in the tree
	StrategyFull Strategy = "full"
	// StrategyIncremental considers only paths added or modified by the push
	StrategyIncremental Strategy = "incremental"
)

// Validate checks the strategy is known
func (s Strategy) Validate() error {
	switch s {
	case StrategyAuto, StrategyFull, StrategyIncremental:
		return nil
	default:
		return fmt.Errorf("invalid selection strategy: %s (must be auto, full, or incremental)", s)
	}
}

// DefaultExclude lists basenames that are never rewritten during a full scan
var DefaultExclude = []string{".gitignore", "LICENSE", "README.md"}

// Options configures candidate filtering
type Options struct {
	// Exclude is matched against the basename of each path
	Exclude []string
	// ExcludeIncremental applies Exclude to incremental selection too
	ExcludeIncremental bool
}

// Choose resolves the strategy for event. A configured full or incremental
// strategy always wins; auto re-baselines with a full scan when the push
// touched the policy file.
func Choose(event repo.ChangeEvent, policyFile string, configured Strategy) Strategy {
	if configured == StrategyFull || configured == StrategyIncremental {
		return configured
	}
	if policyFile != "" && event.Touched(policyFile) {
		return StrategyFull
	}
	return StrategyIncremental
}

// FullScan returns every blob in entries with a supported extension and a
// basename not in the exclusion list, sorted.
func FullScan(entries []repo.TreeEntry, opts Options) []string {
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type != repo.TypeBlob {
			continue
		}
		paths = append(paths, e.Path)
	}
	return filter(paths, opts.Exclude)
}

// Incremental returns the union of added and modified paths that have a
// supported extension, sorted and without duplicates.
func Incremental(added, modified []string, opts Options) []string {
	paths := make([]string, 0, len(added)+len(modified))
	paths = append(paths, added...)
	paths = append(paths, modified...)

	var exclude []string
	if opts.ExcludeIncremental {
		exclude = opts.Exclude
	}
	return filter(paths, exclude)
}

// filter keeps supported, non-excluded paths, deduplicated and sorted
func filter(paths []string, exclude []string) []string {
	seen := make(map[string]bool, len(paths))
	var result []string
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true

		if isExcluded(p, exclude) || !syntax.Supported(p) {
			continue
		}
		result = append(result, p)
	}

	sort.Strings(result)
	return result
}

func isExcluded(p string, exclude []string) bool {
	base := path.Base(p)
	for _, e := range exclude {
		if base == e {
			return true
		}
	}
	return false
}
