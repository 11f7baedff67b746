package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		instance string
		runID    string
	}{
		{"simple", "worker-1", "run-abc"},
		{"uuid run", "api-0", "3f1a9c2e-8d4b-4f6a-9c1d-2e5b7a8f0c3d"},
		{"instance with colon", "host:8080", "run-xyz"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key := Key(tc.instance, tc.runID)
			inst, runID, ok := ParseKey(key)
			require.True(t, ok)
			assert.Equal(t, tc.instance, inst)
			assert.Equal(t, tc.runID, runID)
		})
	}
}

func TestParseKeyRejectsForeignKeys(t *testing.T) {
	for _, key := range []string{"", "agent_run:x:responses", "active_run", "active_run:solo"} {
		_, _, ok := ParseKey(key)
		assert.False(t, ok, "key %q", key)
	}
}
