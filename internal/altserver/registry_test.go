package altserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddFindRemove(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(Entry{Host: "10.0.0.1", Port: 5003}))
	e, err := r.Find("10.0.0.1", 5003)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", e.Host)

	require.NoError(t, r.Remove("10.0.0.1", 5003))
	_, err = r.Find("10.0.0.1", 5003)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryFull(t *testing.T) {
	r := New()
	for i := 0; i < NumberServers; i++ {
		require.NoError(t, r.Add(Entry{Host: "10.0.0.1", Port: uint16(5000 + i)}))
	}
	assert.ErrorIs(t, r.Add(Entry{Host: "10.0.0.1", Port: 6000}), ErrFull)
}

func TestSnapshotFiltering(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(Entry{Host: "a", Port: 1, IsPrivate: true}))
	require.NoError(t, r.Add(Entry{Host: "b", Port: 2, IsClientOnly: true}))
	require.NoError(t, r.Add(Entry{Host: "c", Port: 3}))

	pub := r.Snapshot(true, false)
	assert.Len(t, pub, 2)

	upstreamCandidates := r.Snapshot(false, true)
	assert.Len(t, upstreamCandidates, 2)
}

func TestBestCountSaturation(t *testing.T) {
	e := &Entry{}
	for i := 0; i < 100; i++ {
		e.Win()
	}
	assert.Equal(t, BestCountMax, e.BestCount())

	for i := 0; i < 100; i++ {
		e.Lose()
	}
	assert.Equal(t, 0, e.BestCount())
}

func TestRTTWindowMeanIgnoresUnreachable(t *testing.T) {
	e := &Entry{}
	e.RecordSample(10 * time.Millisecond)
	e.RecordSample(Unreachable)
	e.RecordSample(20 * time.Millisecond)
	assert.True(t, e.Ready())

	mean, ok := e.RTT()
	require.True(t, ok)
	assert.Equal(t, 15*time.Millisecond, mean)
}

func TestReadyRequiresTwoSamples(t *testing.T) {
	e := &Entry{}
	assert.False(t, e.Ready())
	e.RecordSample(5 * time.Millisecond)
	assert.False(t, e.Ready())
	e.RecordSample(5 * time.Millisecond)
	assert.True(t, e.Ready())
}
