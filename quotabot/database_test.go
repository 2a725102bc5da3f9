package quotabot

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDuration_Scan(t *testing.T) {
	t.Parallel()
	tests := []struct {
		value any
		want  time.Duration
	}{
		{value: "1m30s", want: 90 * time.Second},
		{value: []byte("45s"), want: 45 * time.Second},
		{value: "120", want: 2 * time.Minute},
		{value: int64(30), want: 30 * time.Second},
	}
	for _, tc := range tests {
		var d Duration
		require.NoError(t, d.Scan(tc.value))
		assert.Equal(t, tc.want, d.Duration)
	}

	var d Duration
	assert.Error(t, d.Scan(3.5))
	assert.Error(t, d.Scan("soon"))
}

func TestDuration_Value(t *testing.T) {
	t.Parallel()
	v, err := Duration{90 * time.Second}.Value()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", v)
}

func TestDuration_JSON(t *testing.T) {
	t.Parallel()
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"5m"`), &d))
	assert.Equal(t, 5*time.Minute, d.Duration)

	require.NoError(t, json.Unmarshal([]byte(`1.5`), &d))
	assert.Equal(t, 1500*time.Millisecond, d.Duration)

	assert.Error(t, json.Unmarshal([]byte(`true`), &d))

	data, err := json.Marshal(Duration{time.Minute})
	require.NoError(t, err)
	assert.JSONEq(t, `"1m0s"`, string(data))
}

func TestDuration_YAML(t *testing.T) {
	t.Parallel()
	var p struct {
		Window Duration `yaml:"window"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("window: 10s\n"), &p))
	assert.Equal(t, 10*time.Second, p.Window.Duration)

	data, err := yaml.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, "window: 10s\n", string(data))
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	d, err := ParseDuration(" 60 ")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d.Duration)

	_, err = ParseDuration("")
	assert.Error(t, err)
}
