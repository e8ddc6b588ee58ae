package persistence

import (
	"github.com/bits-and-blooms/bloom/v3"
)

// BloomFilter answers "definitely absent" for keys that were never added.
type BloomFilter struct {
	filter *bloom.BloomFilter
}

// NewBloomFilter sizes a filter for n keys at the given false positive rate.
func NewBloomFilter(n uint, fpRate float64) *BloomFilter {
	if n == 0 {
		n = 1
	}
	return &BloomFilter{filter: bloom.NewWithEstimates(n, fpRate)}
}

func (bf *BloomFilter) Add(key []byte) {
	bf.filter.Add(key)
}

func (bf *BloomFilter) MayContain(key []byte) bool {
	return bf.filter.Test(key)
}

func (bf *BloomFilter) MarshalBinary() ([]byte, error) {
	return bf.filter.MarshalBinary()
}

func loadBloomFilter(data []byte) (*BloomFilter, error) {
	f := &bloom.BloomFilter{}
	if err := f.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &BloomFilter{filter: f}, nil
}
