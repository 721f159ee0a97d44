package exec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderJobScript_PresentKeysOnly(t *testing.T) {
	profile := ClusterProfile{Defaults: SchedulerDefaults{Partition: "gpu", Time: "01:00:00"}}

	script := RenderJobScript(profile, []string{"python train.py"})

	assert.Equal(t, "#!/bin/bash\n#SBATCH -p gpu\n#SBATCH -t 01:00:00\npython train.py", script)
	assert.NotContains(t, script, "--mem")
	assert.NotContains(t, script, "-c ")
	assert.NotContains(t, script, "--gres")
}

func TestRenderJobScript_FullOrder(t *testing.T) {
	profile := ClusterProfile{
		Defaults: SchedulerDefaults{
			GRES:      "gpu:1",
			CPUs:      "8",
			Mem:       "32G",
			Time:      "02:00:00",
			Partition: "long",
		},
		EnvInitCommands: []string{"module load cuda", "source venv/bin/activate"},
	}

	script := RenderJobScript(profile, []string{"make", "make test"})

	want := "#!/bin/bash\n" +
		"#SBATCH -p long\n" +
		"#SBATCH -t 02:00:00\n" +
		"#SBATCH --mem=32G\n" +
		"#SBATCH -c 8\n" +
		"#SBATCH --gres=gpu:1\n" +
		"module load cuda\n" +
		"source venv/bin/activate\n" +
		"make\n" +
		"make test"
	assert.Equal(t, want, script)
}

func TestRenderJobScript_NumericDefaultsFromJSON(t *testing.T) {
	var profile ClusterProfile
	require.NoError(t, json.Unmarshal([]byte(`{"host":"h","defaults":{"cpus":4,"mem":"8G"}}`), &profile))

	script := RenderJobScript(profile, nil)

	assert.Equal(t, "#!/bin/bash\n#SBATCH --mem=8G\n#SBATCH -c 4", script)
}

func TestParseJobID(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    string
		wantErr bool
	}{
		{"default form", "Submitted batch job 4242\n", "4242", false},
		{"with banner", "sbatch: notice\nSubmitted batch job 17\n", "17", false},
		{"parsable", "991\n", "991", false},
		{"parsable with cluster", "991;hpc\n", "991", false},
		{"empty", "", "", true},
		{"garbage", "sbatch: error: invalid partition\n", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseJobID(tt.output)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseAccounting(t *testing.T) {
	tests := []struct {
		output    string
		wantState string
		wantCode  int
		wantOK    bool
	}{
		{"COMPLETED|0:0\n", "COMPLETED", 0, true},
		{"FAILED|2:0\n", "FAILED", 2, true},
		{"CANCELLED by 1000|0:15\n", "CANCELLED", 0, true},
		{"\n\nTIMEOUT|0:0\n", "TIMEOUT", 0, true},
		{"", "", 0, false},
	}
	for _, tt := range tests {
		state, code, ok := parseAccounting(tt.output)
		assert.Equal(t, tt.wantState, state, tt.output)
		assert.Equal(t, tt.wantCode, code, tt.output)
		assert.Equal(t, tt.wantOK, ok, tt.output)
	}
}
