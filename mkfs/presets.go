package mkfs

import (
	_ "embed"
	"sync"

	"github.com/gocarina/gocsv"
)

// ClusterPreset maps a volume size bound to the recommended cluster size,
// per the sizing guidance of the exFAT specification.
type ClusterPreset struct {
	Slug string `csv:"slug"`
	// MaxVolumeBytes is the largest volume this preset applies to; 0 means
	// unbounded.
	MaxVolumeBytes int64 `csv:"max_volume_bytes"`
	ClusterBytes   int64 `csv:"cluster_bytes"`
}

//go:embed cluster-presets.csv
var clusterPresetsRawCSV string

var (
	clusterPresets     []ClusterPreset
	clusterPresetsOnce sync.Once
	clusterPresetsErr  error
)

func loadClusterPresets() ([]ClusterPreset, error) {
	clusterPresetsOnce.Do(func() {
		clusterPresetsErr = gocsv.UnmarshalString(clusterPresetsRawCSV, &clusterPresets)
	})
	return clusterPresets, clusterPresetsErr
}

// chooseClusterSize returns the preset cluster size for a volume of the
// given length.
func chooseClusterSize(volumeBytes int64) (int64, error) {
	presets, err := loadClusterPresets()
	if err != nil {
		return 0, err
	}
	for _, p := range presets {
		if p.MaxVolumeBytes == 0 || volumeBytes <= p.MaxVolumeBytes {
			return p.ClusterBytes, nil
		}
	}
	// The table always ends with an unbounded row; this is a safety net.
	return 128 << 10, nil
}
