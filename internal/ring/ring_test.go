package ring

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripIdentitySingleShot(t *testing.T) {
	src := make([]byte, 4096)
	_, err := rand.New(rand.NewSource(1)).Read(src)
	require.NoError(t, err)

	b := New(4096)
	n := copy(b.WritableSpan(), src)
	b.AdvanceWrite(n)
	require.Equal(t, len(src), n)

	got := append([]byte(nil), b.ReadableSpan()...)
	b.AdvanceRead(len(got))

	assert.True(t, bytes.Equal(src, got))
	assert.False(t, b.CanRead())
	assert.True(t, b.CanWrite())
}

func TestRoundTripIdentityInterleavedPartials(t *testing.T) {
	capacity := 64
	b := New(capacity)
	rng := rand.New(rand.NewSource(42))

	var produced, consumed bytes.Buffer

	for i := 0; i < 5000; i++ {
		// Occasionally drain a random prefix; when that prefix is the whole
		// span, the drain triggers the compaction reset.
		if b.CanRead() && rng.Intn(3) == 0 {
			span := b.ReadableSpan()
			n := 1 + rng.Intn(len(span))
			consumed.Write(span[:n])
			b.AdvanceRead(n)
			continue
		}
		if b.CanWrite() {
			span := b.WritableSpan()
			n := 1 + rng.Intn(len(span))
			chunk := make([]byte, n)
			rng.Read(chunk)
			copy(span, chunk)
			b.AdvanceWrite(n)
			produced.Write(chunk)
		}
	}
	// Drain whatever remains.
	for b.CanRead() {
		span := b.ReadableSpan()
		consumed.Write(span)
		b.AdvanceRead(len(span))
	}

	assert.Equal(t, produced.Bytes(), consumed.Bytes())
}

func TestCompactionResetsOnFullDrain(t *testing.T) {
	b := New(8)
	n := copy(b.WritableSpan(), []byte("abcd"))
	b.AdvanceWrite(n)
	b.AdvanceRead(n)

	assert.Equal(t, 8, len(b.WritableSpan()), "cursors must reset to 0 once drained")
}

func TestAdvanceBeyondSpanPanics(t *testing.T) {
	b := New(4)
	assert.Panics(t, func() { b.AdvanceWrite(5) })

	n := copy(b.WritableSpan(), []byte("ab"))
	b.AdvanceWrite(n)
	assert.Panics(t, func() { b.AdvanceRead(3) })
}

func TestCanReadCanWrite(t *testing.T) {
	b := New(2)
	assert.False(t, b.CanRead())
	assert.True(t, b.CanWrite())

	b.AdvanceWrite(2)
	assert.True(t, b.CanRead())
	assert.False(t, b.CanWrite())

	b.AdvanceRead(2)
	assert.False(t, b.CanRead())
	assert.True(t, b.CanWrite())
}
