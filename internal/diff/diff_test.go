package diff_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/vaulthist/internal/diff"
)

func roundTrip(t *testing.T, base, target string) {
	t.Helper()
	d := diff.Compute([]byte(base), []byte(target))

	encoded, err := d.Encode()
	require.NoError(t, err)
	decoded, err := diff.Decode(encoded)
	require.NoError(t, err)

	got, err := decoded.Apply([]byte(base))
	require.NoError(t, err)
	assert.Equal(t, target, string(got))
}

func TestComputeApplyRoundTrip(t *testing.T) {
	t.Run("line edit in the middle", func(t *testing.T) {
		roundTrip(t,
			"one\ntwo\nthree\n",
			"one\nTWO\nthree\n")
	})

	t.Run("append without trailing newline", func(t *testing.T) {
		roundTrip(t,
			"alpha\nbeta\n",
			"alpha\nbeta\ngamma")
	})

	t.Run("empty base", func(t *testing.T) {
		roundTrip(t, "", "fresh content\n")
	})

	t.Run("empty target", func(t *testing.T) {
		roundTrip(t, "going away\n", "")
	})

	t.Run("identical content", func(t *testing.T) {
		roundTrip(t, "same\nsame\n", "same\nsame\n")
	})

	t.Run("windows line endings preserved", func(t *testing.T) {
		roundTrip(t,
			"a\r\nb\r\n",
			"a\r\nb changed\r\nc\r\n")
	})

	t.Run("large mostly-shared content", func(t *testing.T) {
		base := strings.Repeat("shared line\n", 500)
		target := base + "one new line\n"
		roundTrip(t, base, target)

		d := diff.Compute([]byte(base), []byte(target))
		encoded, err := d.Encode()
		require.NoError(t, err)
		assert.Less(t, len(encoded), len(target), "delta should be smaller than full content")
	})
}

func TestApplyRejectsWrongBase(t *testing.T) {
	d := diff.Compute([]byte("one\ntwo\n"), []byte("one\ntwo\nthree\n"))

	_, err := d.Apply([]byte("completely\ndifferent\nbase\ncontent\n"))
	assert.Error(t, err)
}

func TestApplyRejectsCorruptOps(t *testing.T) {
	d := &diff.Delta{
		BaseLines: 1,
		Ops:       []diff.Op{{Kind: diff.OpCopy, I1: 0, I2: 5}},
	}
	_, err := d.Apply([]byte("only\n"))
	assert.Error(t, err)

	d = &diff.Delta{
		BaseLines: 1,
		Ops:       []diff.Op{{Kind: "bogus"}},
	}
	_, err = d.Apply([]byte("only\n"))
	assert.Error(t, err)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := diff.Decode([]byte("{not json"))
	assert.Error(t, err)
}
