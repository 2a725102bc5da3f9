package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arcward/quotabot/quotabot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runPoliciesCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(
		func() {
			policyFileFlag = ""
			policyWriteFlag = ""
			policyDatabaseFlag = false
			policyDefaultsFlag = false
			rootCmd.SetOut(nil)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append([]string{"policies"}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestPoliciesCommand(t *testing.T) {
	t.Run(
		"defaults", func(t *testing.T) {
			output, err := runPoliciesCmd(t, "--defaults")
			require.NoError(t, err)

			table, err := quotabot.ParsePolicies([]byte(output))
			require.NoError(t, err)
			assert.Equal(t, quotabot.DefaultPolicies(), table)
		},
	)

	t.Run(
		"file overrides defaults", func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "policies.yaml")
			content := "policies:\n  ask:\n    requests: 3\n    window: 30s\n    cooldown: 1m\n"
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

			output, err := runPoliciesCmd(t, "--file", path)
			require.NoError(t, err)

			table, err := quotabot.ParsePolicies([]byte(output))
			require.NoError(t, err)
			assert.Equal(t, 3, table[quotabot.CategoryAsk].MaxRequests)
			assert.Equal(t, 30*time.Second, table[quotabot.CategoryAsk].Window.Duration)
			assert.Equal(t, time.Minute, table[quotabot.CategoryAsk].Cooldown.Duration)
			assert.Equal(
				t,
				quotabot.DefaultPolicies()[quotabot.CategorySummarize],
				table[quotabot.CategorySummarize],
			)
		},
	)

	t.Run(
		"invalid file", func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "policies.yaml")
			content := "policies:\n  ask:\n    requests: 0\n    window: 30s\n"
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

			_, err := runPoliciesCmd(t, "--file", path)
			assert.Error(t, err)
		},
	)

	t.Run(
		"write", func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "out.yaml")
			output, err := runPoliciesCmd(t, "--defaults", "--write", path)
			require.NoError(t, err)
			assert.Contains(t, output, path)

			table, err := quotabot.LoadPolicyFile(path)
			require.NoError(t, err)
			assert.Equal(t, quotabot.DefaultPolicies(), table)
		},
	)
}
