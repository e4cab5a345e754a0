package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityKeys(t *testing.T) {
	assert.Equal(t, "lsr_acc_1", AccountKey("ACC-1"))
	assert.Equal(t, "lsr_acc_1_meter_8358216", MeterKey("acc-1", "8358216"))
	assert.Equal(t, "lsr_acc_1_camera_cam_7", CameraKey("Acc-1", "CAM-7"))
}

func TestSnapshotSort(t *testing.T) {
	s := Snapshot{Accounts: []Account{
		{
			ID:      "b",
			Meters:  []Meter{{Number: "2"}, {Number: "1"}},
			Cameras: []Camera{{ID: "z"}, {ID: "a"}},
		},
		{ID: "a"},
	}}
	s.Sort()

	assert.Equal(t, "a", s.Accounts[0].ID)
	assert.Equal(t, "b", s.Accounts[1].ID)
	assert.Equal(t, "1", s.Accounts[1].Meters[0].Number)
	assert.Equal(t, "a", s.Accounts[1].Cameras[0].ID)
}

func TestSnapshotAccountLookup(t *testing.T) {
	s := Snapshot{Accounts: []Account{{ID: "acc-1", Number: "100"}}}

	acc, ok := s.Account("acc-1")
	require.True(t, ok)
	assert.Equal(t, "100", acc.Number)

	_, ok = s.Account("missing")
	assert.False(t, ok)
}
