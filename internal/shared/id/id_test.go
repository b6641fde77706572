package id

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateString(t *testing.T) {
	gen := NewGenerator()

	s := gen.GenerateString()
	assert.Len(t, s, 26)
	assert.True(t, IsValid(s))
}

func TestGenerateMonotonic(t *testing.T) {
	gen := NewGenerator()

	prev := gen.GenerateString()
	for i := 0; i < 1000; i++ {
		next := gen.GenerateString()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestTypedIDGeneration(t *testing.T) {
	tests := []struct {
		name   string
		value  string
		prefix string
	}{
		{"session", NewSessionID().String(), SessionPrefix},
		{"pane", NewPaneID().String(), PanePrefix},
		{"agent", NewAgentID().String(), AgentPrefix},
		{"request", NewRequestID().String(), RequestPrefix},
		{"subscription", NewSubscriptionID().String(), SubscriptionPrefix},
		{"policy", NewPolicyID().String(), PolicyPrefix},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, strings.HasPrefix(tt.value, tt.prefix+"_"))
			assert.True(t, HasPrefix(tt.value, tt.prefix))
		})
	}
}

func TestHasPrefixRejectsMalformed(t *testing.T) {
	assert.False(t, HasPrefix("pane_", PanePrefix))
	assert.False(t, HasPrefix("pane_not-a-ulid", PanePrefix))
	assert.False(t, HasPrefix(NewSessionID().String(), PanePrefix))
}

func TestSplit(t *testing.T) {
	paneID := NewPaneID()

	prefix, value, err := Split(paneID.String())
	require.NoError(t, err)
	assert.Equal(t, PanePrefix, prefix)
	assert.Equal(t, strings.TrimPrefix(paneID.String(), "pane_"), value.String())

	_, _, err = Split("nounderscore")
	assert.Error(t, err)
}

func TestTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	ts, err := Timestamp(NewPaneID().String())
	require.NoError(t, err)
	assert.True(t, ts.After(before))

	_, err = Timestamp("pane_garbage")
	assert.Error(t, err)
}

func TestConcurrentGenerationUnique(t *testing.T) {
	const workers = 16
	const perWorker = 200

	var (
		mu   sync.Mutex
		seen = make(map[PaneID]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]PaneID, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, NewPaneID())
			}
			mu.Lock()
			for _, p := range local {
				seen[p] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}
