package stream

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistant-chat/internal/domain"
)

const hiThere = `{"type":"AIMessageChunk","id":"m1","content":"Hi"}{"type":"AIMessageChunk","id":"m1","content":" there"}`

// tricky exercises strings holding braces, escaped quotes and backslashes,
// nested arrays, and framing noise between units.
var tricky = strings.Join([]string{
	`data: {"type":"AIMessageChunk","id":"m1","content":"a}{b"}` + "\n\n",
	`: keep-alive {` + "\n",
	`{"type":"AIMessageChunk","id":"m1","content":"quote \" and \\ slash }"}`,
	`{"type":"tool","id":"m1","tool_call_id":"t1","content":[{"x":[1,{"y":"]}"}]}]}`,
	"\r\n" + `data: [DONE]` + "\n\n",
}, "")

func units(t *testing.T, fragments ...string) []string {
	t.Helper()
	r := NewReassembler(0)
	var out []string
	for _, f := range fragments {
		got, err := r.Push([]byte(f))
		require.NoError(t, err)
		for _, u := range got {
			out = append(out, string(u))
		}
	}
	rest, err := r.Flush()
	require.NoError(t, err)
	for _, u := range rest {
		out = append(out, string(u))
	}
	return out
}

func TestReassembler_ConcatenatedSingleFragment(t *testing.T) {
	got := units(t, hiThere)
	assert.Equal(t, []string{
		`{"type":"AIMessageChunk","id":"m1","content":"Hi"}`,
		`{"type":"AIMessageChunk","id":"m1","content":" there"}`,
	}, got)
}

func TestReassembler_BraceInsideStringIsNotABoundary(t *testing.T) {
	in := `{"type":"AIMessageChunk","id":"m1","content":"x}{y"}`
	assert.Equal(t, []string{in}, units(t, in))
}

func TestReassembler_Framing(t *testing.T) {
	got := units(t, tricky)
	require.Len(t, got, 3)
	assert.Equal(t, `{"type":"AIMessageChunk","id":"m1","content":"a}{b"}`, got[0])
	assert.Contains(t, got[1], `quote \" and \\ slash }`)
	assert.Contains(t, got[2], `"tool_call_id":"t1"`)
}

func TestReassembler_SplitAtEveryBoundary(t *testing.T) {
	for _, stream := range []string{hiThere, tricky} {
		want := units(t, stream)
		for i := 0; i <= len(stream); i++ {
			got := units(t, stream[:i], stream[i:])
			require.Equal(t, want, got, "split at %d", i)
		}
	}
}

func TestReassembler_RandomMultiwaySplits(t *testing.T) {
	stream := tricky + hiThere + tricky
	want := units(t, stream)
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 200; trial++ {
		var frags []string
		rest := stream
		for len(rest) > 0 {
			n := 1 + rng.Intn(12)
			if n > len(rest) {
				n = len(rest)
			}
			frags = append(frags, rest[:n])
			rest = rest[n:]
		}
		require.Equal(t, want, units(t, frags...), "trial %d", trial)
	}
}

func TestReassembler_ByteAtATime(t *testing.T) {
	frags := make([]string, len(hiThere))
	for i := range hiThere {
		frags[i] = hiThere[i : i+1]
	}
	assert.Equal(t, units(t, hiThere), units(t, frags...))
}

func TestReassembler_CarriesPartialObject(t *testing.T) {
	r := NewReassembler(0)
	got, err := r.Push([]byte(`{"type":"AIMessageChunk","con`))
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, len(`{"type":"AIMessageChunk","con`), r.Buffered())

	got, err = r.Push([]byte(`tent":"Hi"}`))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0, r.Buffered())
}

func TestReassembler_FlushTruncated(t *testing.T) {
	r := NewReassembler(0)
	got, err := r.Push([]byte(`{"type":"AIMessageChunk","id":"m1","content":"Hi"}{"type":"AIMess`))
	require.NoError(t, err)
	require.Len(t, got, 1)

	rest, err := r.Flush()
	assert.Empty(t, rest)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStreamTruncated))
	assert.False(t, errors.Is(err, domain.ErrMalformedChunk))

	// Flush resets the reassembler.
	assert.Equal(t, 0, r.Buffered())
	got, err = r.Push([]byte(`{"a":1}`))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, `{"a":1}`, string(got[0]))
}

func TestReassembler_InvalidSegmentHeldThenUnresolved(t *testing.T) {
	r := NewReassembler(0)
	got, err := r.Push([]byte(`{"a":1,}`))
	require.NoError(t, err)
	assert.Empty(t, got, "invalid segment is held, not emitted")
	assert.Equal(t, len(`{"a":1,}`), r.Buffered())

	got, err = r.Push([]byte(`{"b":2}`))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, `{"b":2}`, string(got[0]))

	_, err = r.Flush()
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrMalformedChunk))
	var me *MalformedError
	require.True(t, errors.As(err, &me))
	require.Len(t, me.Segments, 1)
	assert.Equal(t, `{"a":1,}`, string(me.Segments[0]))
}

func TestReassembler_InvalidSegmentAtEnd(t *testing.T) {
	r := NewReassembler(0)
	_, err := r.Push([]byte(`{"a":tru}`))
	require.NoError(t, err)
	_, err = r.Flush()
	assert.True(t, errors.Is(err, domain.ErrMalformedChunk))
}

func TestReassembler_MismatchedCloserLosesOnlyItsUnit(t *testing.T) {
	bad := `{"type":"AIMessageChunk","id":"m0","content":[}`
	for _, tc := range []struct {
		name      string
		fragments []string
	}{
		{"one fragment", []string{bad + hiThere}},
		{"split after closer", []string{bad, hiThere}},
		{"bracket closes brace", []string{`{"a":{"b":1]}` + hiThere}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := NewReassembler(0)
			var got []string
			for _, f := range tc.fragments {
				units, err := r.Push([]byte(f))
				require.NoError(t, err)
				for _, u := range units {
					got = append(got, string(u))
				}
			}
			assert.Equal(t, 0, r.Buffered())
			assert.Equal(t, []string{
				`{"type":"AIMessageChunk","id":"m1","content":"Hi"}`,
				`{"type":"AIMessageChunk","id":"m1","content":" there"}`,
			}, got)

			rest, err := r.Flush()
			assert.Empty(t, rest)
			var me *MalformedError
			require.True(t, errors.As(err, &me), "got %v", err)
			require.Len(t, me.Segments, 1)
			assert.False(t, errors.Is(err, domain.ErrStreamTruncated))
		})
	}
}

func TestReassembler_UnitTooLarge(t *testing.T) {
	r := NewReassembler(16)
	got, err := r.Push([]byte(`{"a":"0123456789abcdef{"}{"b":1}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrChunkTooLarge))
	assert.Equal(t, domain.CodeChunkTooLarge, domain.ErrorCodeOf(err))
	require.Len(t, got, 1, "scanning resumes after the oversized unit")
	assert.Equal(t, `{"b":1}`, string(got[0]))

	rest, err := r.Flush()
	assert.NoError(t, err)
	assert.Empty(t, rest)
}
