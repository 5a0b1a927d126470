package qos

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCompatibleDefaultPoliciesAreMutuallyCompatible(t *testing.T) {
	p := Default()
	assert.Empty(t, Compatible(p, p))
}

func TestCompatibleRejectsBestEffortWriterForReliableReader(t *testing.T) {
	offered := Default()
	requested := Default()
	requested.Reliability = Reliable

	incompat := Compatible(offered, requested)
	assert.Len(t, incompat, 1)
	assert.Equal(t, PolicyReliability, incompat[0].Policy)
}

func TestCompatibleRejectsVolatileWriterForTransientLocalReader(t *testing.T) {
	offered := Default()
	requested := Default()
	requested.Durability = TransientLocal

	incompat := Compatible(offered, requested)
	assert.Len(t, incompat, 1)
	assert.Equal(t, PolicyDurability, incompat[0].Policy)
}

func TestCompatibleRejectsLongerDeadlineThanRequested(t *testing.T) {
	offered := Default()
	offered.Deadline = 2 * time.Second
	requested := Default()
	requested.Deadline = time.Second

	incompat := Compatible(offered, requested)
	assert.Len(t, incompat, 1)
	assert.Equal(t, PolicyDeadline, incompat[0].Policy)
}

func TestCompatibleAcceptsEqualOrTighterDeadline(t *testing.T) {
	offered := Default()
	offered.Deadline = time.Second
	requested := Default()
	requested.Deadline = time.Second

	assert.Empty(t, Compatible(offered, requested))
}

func TestCompatibleRejectsMismatchedOwnershipKind(t *testing.T) {
	offered := Default()
	requested := Default()
	requested.Ownership = Ownership{Kind: ExclusiveOwnership}

	incompat := Compatible(offered, requested)
	assert.Len(t, incompat, 1)
	assert.Equal(t, PolicyOwnership, incompat[0].Policy)
}

func TestCompatibleReportsEveryFailedPolicy(t *testing.T) {
	offered := Default()
	requested := Default()
	requested.Reliability = Reliable
	requested.Durability = Persistent
	requested.Ownership = Ownership{Kind: ExclusiveOwnership}

	incompat := Compatible(offered, requested)
	assert.Len(t, incompat, 3)
}

func TestPartitionsMatchGlobs(t *testing.T) {
	assert.True(t, partitionsMatch(nil, nil))
	assert.True(t, partitionsMatch([]string{"sensors/*"}, []string{"sensors/weather"}))
	assert.False(t, partitionsMatch([]string{"sensors/*"}, []string{"actuators/valve"}))
	assert.True(t, partitionsMatch([]string{"sensors/weather"}, []string{"sensors/weather"}))
}

func TestCompatibleDefaultPartitionsMatchEmptyPartitions(t *testing.T) {
	offered := Default()
	requested := Default()
	assert.True(t, partitionsMatch(offered.Partitions, requested.Partitions))
}

func TestPolicyIDString(t *testing.T) {
	assert.Equal(t, "reliability", PolicyReliability.String())
	assert.Equal(t, "ownership", PolicyOwnership.String())
	assert.Equal(t, "unknown", PolicyID(99).String())
}
