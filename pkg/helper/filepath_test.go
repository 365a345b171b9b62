package helper_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numtide/harmonia/pkg/helper"
)

func TestBuildLogPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		drv  string
		path string
	}{
		{
			drv:  "n5glp21rsz314qssw9fbvfswgy3kc68f-hello-2.12.1.drv",
			path: filepath.Join("/var/log/nix/drvs", "n5", "glp21rsz314qssw9fbvfswgy3kc68f-hello-2.12.1.drv"),
		},
		{
			drv:  "abc.drv",
			path: filepath.Join("/var/log/nix/drvs", "ab", "c.drv"),
		},
	}

	for _, test := range []string{"", "a", "ab"} {
		t.Run(fmt.Sprintf("BuildLogPath(%q) should return error", test), func(t *testing.T) {
			t.Parallel()

			_, err := helper.BuildLogPath("/var/log/nix/drvs", test)
			assert.ErrorIs(t, err, helper.ErrInputTooShort)
		})
	}

	for _, test := range tests {
		t.Run(fmt.Sprintf("BuildLogPath(%q) -> %q", test.drv, test.path), func(t *testing.T) {
			t.Parallel()

			path, err := helper.BuildLogPath("/var/log/nix/drvs", test.drv)
			require.NoError(t, err)
			assert.Equal(t, test.path, path)
		})
	}
}
