package pool

import (
	"testing"
)

func TestConfigure(t *testing.T) {
	orig := globalConfig
	defer Configure(orig)

	t.Run("enable pooling", func(t *testing.T) {
		Configure(Config{Enabled: true, MaxCap: 512})
		if !IsEnabled() {
			t.Error("IsEnabled() = false, want true")
		}
	})

	t.Run("disable pooling still returns usable buffers", func(t *testing.T) {
		Configure(Config{Enabled: false, MaxCap: 512})
		buf := GetVector(16)
		if len(buf) != 16 {
			t.Errorf("len = %d, want 16", len(buf))
		}
		PutVector(buf) // must not panic
	})
}

func TestVectorPool(t *testing.T) {
	orig := globalConfig
	defer Configure(orig)
	Configure(Config{Enabled: true, MaxCap: 4096})

	t.Run("get returns requested length", func(t *testing.T) {
		buf := GetVector(128)
		if len(buf) != 128 {
			t.Errorf("len = %d, want 128", len(buf))
		}
		PutVector(buf)
	})

	t.Run("grows beyond pooled capacity", func(t *testing.T) {
		buf := GetVector(3000)
		if len(buf) != 3000 {
			t.Errorf("len = %d, want 3000", len(buf))
		}
		PutVector(buf)
	})

	t.Run("oversized buffers are dropped", func(t *testing.T) {
		huge := make([]float32, 10000)
		PutVector(huge) // silently dropped, must not panic
	})
}

func TestCandidatePool(t *testing.T) {
	orig := globalConfig
	defer Configure(orig)
	Configure(Config{Enabled: true, MaxCap: 4096})

	t.Run("get returns empty slice", func(t *testing.T) {
		c := GetCandidates()
		if len(c) != 0 {
			t.Errorf("len = %d, want 0", len(c))
		}
		PutCandidates(c)
	})

	t.Run("put clears entries", func(t *testing.T) {
		c := GetCandidates()
		c = append(c, Candidate{ID: "idea-1", Similarity: 0.9})
		PutCandidates(c)

		// The pooled backing array must not retain the old id.
		reused := c[:1]
		if reused[0].ID != "" {
			t.Errorf("pooled entry not cleared: %+v", reused[0])
		}
	})

	t.Run("nil put is a no-op", func(t *testing.T) {
		PutCandidates(nil)
	})
}
