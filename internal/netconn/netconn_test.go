package netconn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSocketTimeoutFloor(t *testing.T) {
	assert.Equal(t, time.Duration(MinConnectTimeoutMS)*time.Millisecond, socketTimeout(0))
}

func TestSocketTimeoutScalesWithRTT(t *testing.T) {
	rtt := 800 * time.Millisecond
	assert.Equal(t, 2*rtt, socketTimeout(rtt))
}

func TestPollListAddRemove(t *testing.T) {
	p := NewPollList()
	require := assert.New(t)
	require.NoError(p.Add("127.0.0.1:0"))
	require.Error(p.Add("127.0.0.1:0")) // duplicate key collides in the map, even if OS ports differ
	require.NoError(p.Remove("127.0.0.1:0"))
	require.Error(p.Remove("127.0.0.1:0"))
	defer p.Close()
}
