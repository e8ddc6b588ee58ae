package store

import (
	"fmt"
	"testing"

	"lsmkv/pkg/config"
)

func benchStore(b *testing.B, durability config.Durability) *Store {
	return newTestStore(b, func(cfg *config.Config) {
		cfg.WAL.Durability = durability
		cfg.Memtable.FlushThresholdBytes = 4 << 20
		cfg.Persistence.SSTable.TargetSizeBytes = 2 << 20
		cfg.Persistence.SSTable.BlockSizeBytes = 4 << 10
		cfg.Compaction.LevelBaseSize = 10 << 20
	})
}

func BenchmarkStoreWrite(b *testing.B) {
	for _, d := range []config.Durability{config.SyncNever, config.SyncInterval} {
		b.Run(string(d), func(b *testing.B) {
			s := benchStore(b, d)
			value := make([]byte, 100)

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := s.Put([]byte(fmt.Sprintf("key%010d", i)), value); err != nil {
					b.Fatalf("Put failed: %v", err)
				}
			}
		})
	}
}

func BenchmarkStoreParallelWrite(b *testing.B) {
	s := benchStore(b, config.SyncNever)
	value := make([]byte, 100)

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if err := s.Put([]byte(fmt.Sprintf("key%p-%010d", pb, i)), value); err != nil {
				b.Errorf("Put failed: %v", err)
				return
			}
			i++
		}
	})
}

func BenchmarkStoreRead(b *testing.B) {
	const keys = 10000
	s := benchStore(b, config.SyncNever)
	value := make([]byte, 100)
	for i := 0; i < keys; i++ {
		if err := s.Put([]byte(fmt.Sprintf("key%010d", i)), value); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}
	if err := s.Flush(b.Context()); err != nil {
		b.Fatalf("Flush failed: %v", err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Get([]byte(fmt.Sprintf("key%010d", i%keys))); err != nil {
			b.Fatalf("Get failed: %v", err)
		}
	}
}
