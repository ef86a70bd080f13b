package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func BenchmarkInMemoryCache_Set(b *testing.B) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()
	key := GenerateCacheKey("current_time", json.RawMessage(`{"tz":"UTC"}`))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Set(ctx, key, "2026-01-05T09:00:00Z", 5*time.Minute)
	}
}

func BenchmarkInMemoryCache_Get_Hit(b *testing.B) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()
	key := GenerateCacheKey("current_time", json.RawMessage(`{"tz":"UTC"}`))
	c.Set(ctx, key, "2026-01-05T09:00:00Z", 5*time.Minute)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get(ctx, key)
	}
}

func BenchmarkInMemoryCache_Parallel(b *testing.B) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := fmt.Sprintf("key-%d", i%100)
			if i%2 == 0 {
				c.Set(ctx, key, "value", 5*time.Minute)
			} else {
				c.Get(ctx, key)
			}
			i++
		}
	})
}

func BenchmarkGenerateCacheKey(b *testing.B) {
	args := json.RawMessage(`{"url":"https://hooks.example/notify","payload":{"text":"hello","count":3}}`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		GenerateCacheKey("webhook", args)
	}
}
