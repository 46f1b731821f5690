package engine

import (
	"regexp"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/Ghassan-elsman/Crow-Eye-sub005/pkg/domain"
)

// DefaultPatternCacheSize bounds compiled-regex memory for rule sets with
// many distinct patterns.
const DefaultPatternCacheSize = 256

// PatternCache compiles regex patterns once and keeps them behind a bounded
// LRU. Invalid patterns are remembered, logged a single time, and treated
// as non-matching for the rest of the run.
type PatternCache struct {
	logger *zap.Logger
	cache  *lru.Cache[string, *regexp.Regexp]

	mu      sync.Mutex
	invalid map[string]struct{}
}

// NewPatternCache creates a cache with the given capacity; non-positive
// capacities fall back to the default.
func NewPatternCache(capacity int, logger *zap.Logger) (*PatternCache, error) {
	if capacity <= 0 {
		capacity = DefaultPatternCacheSize
	}
	c, err := lru.New[string, *regexp.Regexp](capacity)
	if err != nil {
		return nil, err
	}
	return &PatternCache{
		logger:  logger,
		cache:   c,
		invalid: make(map[string]struct{}),
	}, nil
}

// Get returns the compiled, case-insensitive regex for pattern, or false if
// the pattern is invalid.
func (pc *PatternCache) Get(pattern string) (*regexp.Regexp, bool) {
	if re, ok := pc.cache.Get(pattern); ok {
		return re, true
	}

	pc.mu.Lock()
	if _, bad := pc.invalid[pattern]; bad {
		pc.mu.Unlock()
		return nil, false
	}
	pc.mu.Unlock()

	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		pc.mu.Lock()
		if _, logged := pc.invalid[pattern]; !logged {
			pc.invalid[pattern] = struct{}{}
			pc.logger.Warn("Invalid rule pattern disabled for this run",
				zap.Error(domain.ErrInvalidPattern(pattern, err)))
		}
		pc.mu.Unlock()
		return nil, false
	}

	pc.cache.Add(pattern, re)
	return re, true
}

// InvalidCount reports how many distinct patterns failed to compile.
func (pc *PatternCache) InvalidCount() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.invalid)
}

// Len reports the number of cached compiled patterns.
func (pc *PatternCache) Len() int {
	return pc.cache.Len()
}
