package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/stagecoord"
)

func aot(v float64) *float64 { return &v }

func TestMeanAOT(t *testing.T) {
	mean := MeanAOT(DefaultAOT)

	tests := []struct {
		name string
		jobs []stagecoord.JobRecord
		want float64
	}{
		{"mean of present values", []stagecoord.JobRecord{{AOT: aot(0.1)}, {AOT: aot(0.3)}, {}}, 0.2},
		{"single value", []stagecoord.JobRecord{{AOT: aot(0.42)}}, 0.42},
		{"all absent", []stagecoord.JobRecord{{}, {}}, DefaultAOT},
		{"empty list", nil, DefaultAOT},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, mean(tt.jobs), 1e-12)
		})
	}
}

func TestMeanAOT_CustomDefault(t *testing.T) {
	assert.Equal(t, 0.1, MeanAOT(0.1)([]stagecoord.JobRecord{{}}))
}

func TestApply(t *testing.T) {
	jobs := []stagecoord.JobRecord{{AOT: aot(0.1)}, {AOT: aot(0.3)}, {}}

	Apply(jobs, 0.2)

	for _, j := range jobs {
		require.NotNil(t, j.AOT)
		assert.Equal(t, 0.2, *j.AOT)
	}

	*jobs[0].AOT = 1
	assert.Equal(t, 0.2, *jobs[1].AOT, "records must not share the value")
}

func TestHasImage(t *testing.T) {
	assert.False(t, HasImage([]stagecoord.JobRecord{{}, {AOT: aot(0.1)}}))
	assert.True(t, HasImage([]stagecoord.JobRecord{{}, {AOTFromImage: true}}))
}
