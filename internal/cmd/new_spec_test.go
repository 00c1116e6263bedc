package cmd

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flo-mic/debdeploy/internal/updatespec"
)

func versions(kv ...string) map[string]*string {
	m := make(map[string]*string)
	for i := 0; i < len(kv); i += 2 {
		v := kv[i+1]
		m[kv[i]] = &v
	}
	return m
}

func TestBuildSpec(t *testing.T) {
	spec, err := buildSpec(specAnswers{
		Source:     " openssl ",
		UpdateType: "library",
		Comment:    "DSA-5532-1",
		Versions:   versions("bookworm", "3.0.11-1~deb12u2", "bullseye", " "),
		Libraries:  "libssl, libcrypto,,",
	}, []string{"bullseye", "bookworm"})
	require.NoError(t, err)

	require.Equal(t, "openssl", spec.Source)
	require.Equal(t, updatespec.Library, spec.UpdateType)
	require.Equal(t, map[string]string{"bookworm": "3.0.11-1~deb12u2"}, spec.Fixes)
	require.Equal(t, []string{"libssl", "libcrypto"}, spec.Libraries)
	require.False(t, spec.Downgrade)
}

func TestBuildSpec_Invalid(t *testing.T) {
	distros := []string{"bookworm"}

	_, err := buildSpec(specAnswers{Source: "openssl", UpdateType: "library", Versions: versions("bookworm", "")}, distros)
	require.Error(t, err, "a spec without any fixed version is invalid")

	_, err = buildSpec(specAnswers{Source: "openssl", UpdateType: "firmware", Versions: versions("bookworm", "1")}, distros)
	require.Error(t, err)
}
