package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noop = HandlerFunc(func(context.Context, Request) (Result, error) { return Result{Text: "ok"}, nil })

func TestNewRegistryValidates(t *testing.T) {
	tests := []struct {
		name  string
		descs []Descriptor
		want  string
	}{
		{"empty intent", []Descriptor{{Cost: Instant, Handler: noop}}, "empty intent"},
		{"nil handler", []Descriptor{{Intent: "joke", Cost: Instant}}, "nil handler"},
		{"bad cost", []Descriptor{{Intent: "joke", Cost: "huge", Handler: noop}}, "invalid cost class"},
		{"duplicate", []Descriptor{
			{Intent: "joke", Cost: Instant, Handler: noop},
			{Intent: "joke", Cost: Short, Handler: noop},
		}, "registered twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.descs)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLookup(t *testing.T) {
	r, err := NewRegistry([]Descriptor{
		{Intent: "joke", Cost: Instant, Handler: noop},
		{Intent: "weather", Cost: Short, Handler: noop, MaxDuration: 10 * time.Second},
		{Intent: "remove_background", Cost: Long, Handler: noop},
	})
	require.NoError(t, err)

	d, err := r.Lookup("joke")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d.MaxDuration)

	d, err = r.Lookup("weather")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, d.MaxDuration)

	d, err = r.Lookup("remove_background")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Minute, d.MaxDuration)

	_, err = r.Lookup("teleport")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, []string{"joke", "weather", "remove_background"}, intentsOf(r.List()))
	assert.Equal(t, []string{"joke", "remove_background", "weather"}, r.Intents())
	assert.Equal(t, 3, r.Len())
}

func TestWithTimeoutOverrides(t *testing.T) {
	descs := []Descriptor{{Intent: "weather", Cost: Short, Handler: noop}}

	r, err := NewRegistry(descs, WithTimeoutOverrides(map[string]time.Duration{"weather": 5 * time.Second}))
	require.NoError(t, err)
	d, _ := r.Lookup("weather")
	assert.Equal(t, 5*time.Second, d.MaxDuration)

	_, err = NewRegistry(descs, WithTimeoutOverrides(map[string]time.Duration{"nope": time.Second}))
	assert.Error(t, err)

	_, err = NewRegistry(descs, WithTimeoutOverrides(map[string]time.Duration{"weather": 0}))
	assert.Error(t, err)
}

func TestFailure(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := error(Fail(UpstreamUnavailable, "weather service is down", cause))

	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, UpstreamUnavailable, f.Category)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "upstream_unavailable")

	_, ok = AsFailure(cause)
	assert.False(t, ok)
}

func intentsOf(ds []Descriptor) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Intent
	}
	return out
}
