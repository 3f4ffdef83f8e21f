package bitcode

import (
	"encoding/binary"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"
	xxh3 "github.com/zeebo/xxh3"
)

// DefaultCacheEntries bounds a Cache built with size <= 0.
const DefaultCacheEntries = 256

type cacheKey struct {
	hash     uint64
	words    int
	total    int
	bits     int
	wordBits int
}

// cacheEntry keeps a copy of the packed words so a hit is confirmed word for
// word, not by hash alone.
type cacheEntry struct {
	words []uint64
	codes []int
}

// Cache memoizes decoded index arrays so operators sharing a packed buffer
// decode it once. Arrays returned by Decode are shared and must not be
// modified.
type Cache struct {
	lru *lru.Cache[cacheKey, cacheEntry]
}

// NewCache returns a Cache holding at most size decoded arrays.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheEntries
	}
	c, err := lru.New[cacheKey, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: c}, nil
}

// Decode returns the cached decoding of p, decoding on a miss.
func (c *Cache) Decode(p Packed, totalCodes, bitsPerCode int) ([]int, error) {
	if c == nil {
		return p.Decode(totalCodes, bitsPerCode)
	}
	key := keyFor(p, totalCodes, bitsPerCode)
	if e, ok := c.lru.Get(key); ok && slices.Equal(e.words, p.Words) {
		return e.codes, nil
	}
	codes, err := p.Decode(totalCodes, bitsPerCode)
	if err != nil {
		return nil, err
	}
	c.lru.Add(key, cacheEntry{words: slices.Clone(p.Words), codes: codes})
	return codes, nil
}

func keyFor(p Packed, totalCodes, bitsPerCode int) cacheKey {
	return cacheKey{
		hash:     hashWords(p.Words),
		words:    len(p.Words),
		total:    totalCodes,
		bits:     bitsPerCode,
		wordBits: p.WordBits,
	}
}

// Len returns the number of cached arrays.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

func hashWords(words []uint64) uint64 {
	buf := make([]byte, 0, 8*len(words))
	for _, w := range words {
		buf = binary.LittleEndian.AppendUint64(buf, w)
	}
	return xxh3.Hash(buf)
}
