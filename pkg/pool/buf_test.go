package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetBuf(t *testing.T) {
	tests := []struct {
		size    int
		wantCap int
	}{
		{0, 512},
		{1, 512},
		{512, 512},
		{513, 1024},
		{4096, 4096},
		{4097, 8192},
		{65535, 65536},
		{65536, 65536},
	}
	for _, tt := range tests {
		b := GetBuf(tt.size)
		assert.Len(t, b.Bytes(), tt.size)
		assert.Equal(t, tt.wantCap, cap(b.b), tt.size)
		b.Release()
	}

	assert.Panics(t, func() { GetBuf(65537) })
	assert.Panics(t, func() { GetBuf(-1) })
}

func TestBuffer_SetLen(t *testing.T) {
	b := GetBuf(1024)
	defer b.Release()
	b.SetLen(12)
	assert.Len(t, b.Bytes(), 12)
	assert.Panics(t, func() { b.SetLen(2048) })
}
