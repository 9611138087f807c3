package random

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertAlphabet(t *testing.T, b []byte) {
	t.Helper()
	for i, c := range b {
		assert.Truef(t, c >= 'A' && c <= 'Z', "byte %d = %#x outside A-Z", i, c)
	}
}

func TestGenerators(t *testing.T) {
	generators := map[string]Generator{
		"default": Default(),
		"seeded":  NewSeeded(42),
		"crypto":  NewCrypto(),
	}

	for name, gen := range generators {
		t.Run(name, func(t *testing.T) {
			for _, n := range []int{0, 1, 10, 32, 1000} {
				b, err := gen.Letters(n)
				require.NoError(t, err)
				assert.Len(t, b, n)
				assertAlphabet(t, b)
			}

			_, err := gen.Letters(-1)
			assert.Error(t, err)
		})
	}
}

func TestSeededIsDeterministic(t *testing.T) {
	a, err := NewSeeded(7).Letters(64)
	require.NoError(t, err)
	b, err := NewSeeded(7).Letters(64)
	require.NoError(t, err)
	c, err := NewSeeded(8).Letters(64)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestCoversAlphabet(t *testing.T) {
	b, err := NewSeeded(1).Letters(5000)
	require.NoError(t, err)

	seen := make(map[byte]bool)
	for _, c := range b {
		seen[c] = true
	}
	assert.Len(t, seen, len(Alphabet))
}

func TestConcurrentUse(t *testing.T) {
	gens := []Generator{Default(), NewSeeded(3), NewCrypto()}

	for _, gen := range gens {
		var wg sync.WaitGroup
		results := make([][]byte, 50)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				b, err := gen.Letters(32)
				assert.NoError(t, err)
				results[i] = b
			}(i)
		}
		wg.Wait()

		for _, b := range results {
			assert.Len(t, b, 32)
			assertAlphabet(t, b)
		}
	}
}

func TestGeneratorFuncAndString(t *testing.T) {
	fixed := GeneratorFunc(func(n int) ([]byte, error) {
		return []byte(strings.Repeat("Q", n)), nil
	})

	s, err := String(fixed, 4)
	require.NoError(t, err)
	assert.Equal(t, "QQQQ", s)

	_, err = String(Default(), -2)
	assert.Error(t, err)
}

func TestCryptoLetters(t *testing.T) {
	gen := NewCrypto()

	b, err := gen.Letters(5000)
	require.NoError(t, err)
	require.Len(t, b, 5000)
	assertAlphabet(t, b)

	seen := make(map[byte]bool)
	for _, c := range b {
		seen[c] = true
	}
	assert.Len(t, seen, len(Alphabet))

	other, err := gen.Letters(64)
	require.NoError(t, err)
	assert.NotEqual(t, b[:64], other)

	empty, err := gen.Letters(0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
