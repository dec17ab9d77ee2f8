package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveAddress_Deterministic(t *testing.T) {
	require.Equal(t, DeriveAddress("project", []byte("P1")), DeriveAddress("project", []byte("P1")))
	require.Equal(t, ProjectAddress("P1"), DeriveAddress(TagProject, []byte("P1")))
	require.Equal(t, MilestoneAddress("P1", 7), DeriveAddress(TagMilestone, []byte("P1"), []byte{7}))
}

func TestDeriveAddress_DistinctInputs(t *testing.T) {
	seen := map[Address]string{}
	add := func(name string, a Address) {
		if prev, ok := seen[a]; ok {
			t.Fatalf("%s collides with %s", name, prev)
		}
		seen[a] = name
	}

	add("platform", PlatformAddress())
	add("project P1", ProjectAddress("P1"))
	add("project P2", ProjectAddress("P2"))
	add("project empty", ProjectAddress(""))
	add("milestone P1/0", MilestoneAddress("P1", 0))
	add("milestone P1/1", MilestoneAddress("P1", 1))
	add("milestone P2/0", MilestoneAddress("P2", 0))
	add("split ab|c", DeriveAddress("x", []byte("ab"), []byte("c")))
	add("split a|bc", DeriveAddress("x", []byte("a"), []byte("bc")))
	add("tag only project", DeriveAddress(TagProject))
}

func TestDeriveAddress_MilestoneIndexSpace(t *testing.T) {
	seen := map[Address]bool{}
	for i := 0; i < 256; i++ {
		a := MilestoneAddress("P1", uint8(i))
		require.False(t, seen[a], "index %d", i)
		seen[a] = true
	}
}

func TestAddress_TextRoundTrip(t *testing.T) {
	a := ProjectAddress("KEMENKES-2025-001")
	text, err := a.MarshalText()
	require.NoError(t, err)

	var back Address
	require.NoError(t, back.UnmarshalText(text))
	require.Equal(t, a, back)

	_, err = ParseAddress("abc")
	require.Error(t, err)
	_, err = ParsePubkey("zz" + a.String()[2:])
	require.Error(t, err)
}
