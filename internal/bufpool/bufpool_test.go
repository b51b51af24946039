package bufpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetReturnsConfiguredSize(t *testing.T) {
	p := New(1024)
	buf := p.Get()
	assert.Len(t, buf, 1024)
}

func TestNewFallsBackToDefaultSize(t *testing.T) {
	p := New(0)
	assert.Len(t, p.Get(), DefaultSize)
}

func TestPutRejectsUndersizedBuffer(t *testing.T) {
	p := New(1024)
	small := make([]byte, 16)
	p.Put(small) // must not panic; undersized buffers are simply dropped

	buf := p.Get()
	assert.Len(t, buf, 1024)
}
