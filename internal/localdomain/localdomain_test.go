package localdomain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testMember [12]byte

func (m testMember) Prefix() [12]byte { return m }

func TestJoinReturnsExistingMembersBeforeAddingSelf(t *testing.T) {
	domain := 101

	a := testMember{1}
	_, existingForA := Join(domain, a)
	assert.Empty(t, existingForA)

	b := testMember{2}
	_, existingForB := Join(domain, b)
	require.Len(t, existingForB, 1)
	assert.Equal(t, a.Prefix(), existingForB[0].Prefix())

	Leave(domain, a)
	Leave(domain, b)
}

func TestLeaveTearsDownEmptyRegistry(t *testing.T) {
	domain := 102
	a := testMember{3}

	Join(domain, a)
	assert.Len(t, Members(domain), 1)

	Leave(domain, a)
	assert.Empty(t, Members(domain))
}

func TestMembersIsEmptyForUnknownDomain(t *testing.T) {
	assert.Empty(t, Members(999999))
}
