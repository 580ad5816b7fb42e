package common

import (
	"strings"
	"testing"

	"gopkg.in/stretchr/testify.v1/require"
)

func fullParams() map[string]string {
	return map[string]string{
		"token":          "AABBCC",
		"repo":           "omsf-eco-infra/awesome-project",
		"homedir":        "/home/ubuntu",
		"script":         "echo hello",
		"runner_release": "https://example.com/runner-linux-x64.tar.gz",
		"labels":         "runner-abc12345",
	}
}

func TestRenderUserDataDefaultTemplate(t *testing.T) {
	out, err := RenderUserData(DefaultUserDataTemplate, fullParams())
	require.NoError(t, err)
	require.Contains(t, out, "--token \"AABBCC\"")
	require.Contains(t, out, "https://github.com/omsf-eco-infra/awesome-project")
	require.Contains(t, out, "--labels \"runner-abc12345\"")
	require.NotContains(t, out, "$token")
	require.NotContains(t, out, "$repo")

	// same inputs, byte-identical output
	again, err := RenderUserData(DefaultUserDataTemplate, fullParams())
	require.NoError(t, err)
	require.Equal(t, out, again)
}

func TestRenderUserDataBracedAndEscaped(t *testing.T) {
	out, err := RenderUserData("cd ${homedir} && echo $$HOME", map[string]string{"homedir": "/srv"})
	require.NoError(t, err)
	require.Equal(t, "cd /srv && echo $HOME", out)
}

func TestRenderUserDataMissingParameter(t *testing.T) {
	params := fullParams()
	delete(params, "token")
	_, err := RenderUserData(DefaultUserDataTemplate, params)
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing parameters")
	require.Contains(t, err.Error(), "token")
}

func TestRenderUserDataUnusedParameter(t *testing.T) {
	params := fullParams()
	params["bogus"] = "value"
	_, err := RenderUserData(DefaultUserDataTemplate, params)
	require.Error(t, err)
	require.Contains(t, err.Error(), "without placeholders")
	require.Contains(t, err.Error(), "bogus")
}

func TestWrapCloudInit(t *testing.T) {
	out, err := WrapCloudInit("#!/bin/bash\necho hi\n", "")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "#cloud-config\n"))
	require.Contains(t, out, "write_files")
	require.Contains(t, out, "echo hi")
	require.Contains(t, out, "runcmd")
}

func TestWrapCloudInitWithOverlay(t *testing.T) {
	overlay := "packages:\n  - gcc\nruncmd:\n  - id\n"
	out, err := WrapCloudInit("#!/bin/bash\necho hi\n", overlay)
	require.NoError(t, err)
	require.Contains(t, out, "gcc")
	require.Contains(t, out, "id")
	require.Contains(t, out, "echo hi")
}

func TestMergeCloudInitOverridesScalars(t *testing.T) {
	base := "hostname: base\npackages:\n  - curl\n"
	overlay := "hostname: overlay\npackages:\n  - gcc\n"
	out, err := MergeCloudInit(base, overlay)
	require.NoError(t, err)
	require.Contains(t, out, "hostname: overlay")
	require.Contains(t, out, "curl")
	require.Contains(t, out, "gcc")
	require.NotContains(t, out, "hostname: base")
}
