package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtpsmesh/ddscore/qos"
)

const sampleTOML = `
domain_id = 3
participant_name = "weather-station"
lease_duration_secs = 5
transport = "multicast"

[[topics]]
topic = "telemetry"
reliability = "reliable"
durability = "transient-local"
history_kind = "keep-last"
history_depth = 10
partitions = ["site/*"]
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "participant.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadDecodesAndValidates(t *testing.T) {
	path := writeTempConfig(t, sampleTOML)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.DomainID)
	assert.Equal(t, "weather-station", cfg.ParticipantName)
	require.Len(t, cfg.Topics, 1)

	p := cfg.Topics[0].Policies()
	assert.Equal(t, qos.Reliable, p.Reliability)
	assert.Equal(t, qos.TransientLocal, p.Durability)
	assert.Equal(t, qos.KeepLast, p.History.Kind)
	assert.Equal(t, 10, p.History.Depth)
	assert.Equal(t, []string{"site/*"}, p.Partitions)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, sampleTOML)
	t.Setenv("DDS_DOMAIN_ID", "9")
	t.Setenv("DDS_PARTICIPANT_NAME", "override-name")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.DomainID)
	assert.Equal(t, "override-name", cfg.ParticipantName)
}

func TestValidateRejectsUnicastOnlyWithoutStaticPeers(t *testing.T) {
	path := writeTempConfig(t, `
domain_id = 0
transport = "unicast-only"
lease_duration_secs = 5
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejectsDuplicateTopicEntries(t *testing.T) {
	path := writeTempConfig(t, `
domain_id = 0
lease_duration_secs = 5
transport = "multicast"

[[topics]]
topic = "dup"

[[topics]]
topic = "dup"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejectsNegativeDomainID(t *testing.T) {
	path := writeTempConfig(t, `
domain_id = -1
lease_duration_secs = 5
transport = "multicast"
`)
	_, err := Load(path)
	require.Error(t, err)
}
