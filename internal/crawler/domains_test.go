package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDomainMatcher(t *testing.T) {
	t.Parallel()

	t.Run("exact match", func(t *testing.T) {
		t.Parallel()
		m := NewDomainMatcher([]string{"Example.org"})
		require.NotNil(t, m)
		require.True(t, m.Match("example.org"))
		require.True(t, m.Match("EXAMPLE.ORG."))
		require.False(t, m.Match("sub.example.org"))
	})

	t.Run("suffix", func(t *testing.T) {
		t.Parallel()
		m := NewDomainMatcher([]string{"*.amazon.com", ".ebay.com"})
		require.True(t, m.Match("www.amazon.com"))
		require.True(t, m.Match("amazon.com"))
		require.True(t, m.Match("ebay.com"))
		require.False(t, m.Match("notamazon.com"))
	})

	t.Run("nil matcher", func(t *testing.T) {
		t.Parallel()
		require.Nil(t, NewDomainMatcher([]string{" ", ""}))
		var m *DomainMatcher
		require.False(t, m.Match("anything"))
	})
}
