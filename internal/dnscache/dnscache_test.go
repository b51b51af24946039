package dnscache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetThenGet(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	c.Set("svc.ns.svc.cluster.local", "10.0.0.5")
	v, ok := c.Get("svc.ns.svc.cluster.local")
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.5", v)
}

func TestGetMissingKeyReturnsFalse(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	_, ok := c.Get("missing")
	assert.False(t, ok)
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	c := New(10 * time.Millisecond)
	defer c.Close()

	c.Set("k", "v")
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok, "entry should be treated as expired once its TTL has elapsed")
}

func TestInvalidateRemovesEntryImmediately(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	c.Set("k", "v")
	c.Invalidate("k")

	_, ok := c.Get("k")
	assert.False(t, ok)
}
