package lcd

import (
	"fmt"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/kwv/lcdmesh/dsg"
)

// DefaultCleanupInterval is how often expired solutions are purged
const DefaultCleanupInterval = 30 * time.Minute

// VerificationResult is a verified candidate as stored and published
type VerificationResult struct {
	RequestID  string                  `json:"requestId"`
	Solution   DsgRegistrationSolution `json:"solution"`
	VerifiedAt time.Time               `json:"verifiedAt"`
}

// SolutionCache keeps recent verification results, addressable by request
// id and by (query, match) anchor pair
type SolutionCache struct {
	cache *gocache.Cache
}

// NewSolutionCache creates a cache whose entries expire after ttl.
// A zero ttl keeps entries forever.
func NewSolutionCache(ttl time.Duration) *SolutionCache {
	expiration := ttl
	if expiration <= 0 {
		expiration = gocache.NoExpiration
	}
	return &SolutionCache{cache: gocache.New(expiration, DefaultCleanupInterval)}
}

func requestKey(id string) string {
	return "req:" + id
}

func pairKey(from, to dsg.NodeId) string {
	return fmt.Sprintf("pair:%d:%d", uint64(from), uint64(to))
}

// Put stores a result under its request id and its anchor pair.
// A later result for the same pair replaces the pair entry.
func (c *SolutionCache) Put(result VerificationResult) {
	c.cache.SetDefault(requestKey(result.RequestID), result)
	c.cache.SetDefault(pairKey(result.Solution.FromNode, result.Solution.ToNode), result.RequestID)
}

// Get returns the result for a request id
func (c *SolutionCache) Get(id string) (VerificationResult, bool) {
	value, found := c.cache.Get(requestKey(id))
	if !found {
		return VerificationResult{}, false
	}
	result, ok := value.(VerificationResult)
	return result, ok
}

// GetByPair returns the latest result between two anchors
func (c *SolutionCache) GetByPair(from, to dsg.NodeId) (VerificationResult, bool) {
	value, found := c.cache.Get(pairKey(from, to))
	if !found {
		return VerificationResult{}, false
	}
	id, ok := value.(string)
	if !ok {
		return VerificationResult{}, false
	}
	return c.Get(id)
}

// List returns all unexpired results, newest first
func (c *SolutionCache) List() []VerificationResult {
	items := c.cache.Items()
	results := make([]VerificationResult, 0, len(items))
	for _, item := range items {
		if r, ok := item.Object.(VerificationResult); ok {
			results = append(results, r)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].VerifiedAt.Equal(results[j].VerifiedAt) {
			return results[i].RequestID < results[j].RequestID
		}
		return results[i].VerifiedAt.After(results[j].VerifiedAt)
	})
	return results
}

// Len returns the number of stored results
func (c *SolutionCache) Len() int {
	return len(c.List())
}

// Flush removes everything
func (c *SolutionCache) Flush() {
	c.cache.Flush()
}
