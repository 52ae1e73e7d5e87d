package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/melancholy-txt/goofy/goofy"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := goofy.Version
	originalCommitSHA := goofy.CommitSHA
	originalBuildTime := goofy.BuildTime

	t.Cleanup(
		func() {
			goofy.Version = originalVersion
			goofy.CommitSHA = originalCommitSHA
			goofy.BuildTime = originalBuildTime
		},
	)

	goofy.Version = "1.0.0"
	goofy.CommitSHA = "abc123"
	goofy.BuildTime = "2024-06-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", output)
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		goofy.Version,
		goofy.CommitSHA,
		goofy.BuildTime,
	)
	assert.Equal(t, expected, output)
}
