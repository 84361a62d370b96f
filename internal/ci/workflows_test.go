package ci_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestReleasePipelineFilesExist(t *testing.T) {
	t.Helper()

	projectRoot := filepath.Clean(filepath.Join("..", ".."))
	pipelineFiles := []struct {
		relativePath string
		requiredSnip []byte
	}{
		{
			relativePath: filepath.Join(".github", "workflows", "go-tests.yml"),
			requiredSnip: []byte("go test ./..."),
		},
		{
			relativePath: filepath.Join(".github", "workflows", "release.yml"),
			requiredSnip: []byte("docker build"),
		},
		{
			relativePath: "Dockerfile",
			requiredSnip: []byte("./cmd/tcred"),
		},
	}

	for _, pipelineFile := range pipelineFiles {
		fullPath := filepath.Join(projectRoot, pipelineFile.relativePath)
		data, err := os.ReadFile(fullPath)
		if err != nil {
			t.Fatalf("read pipeline file %q: %v", pipelineFile.relativePath, err)
		}

		if !bytes.Contains(data, pipelineFile.requiredSnip) {
			t.Fatalf("pipeline file %q missing required snippet %q", pipelineFile.relativePath, string(pipelineFile.requiredSnip))
		}
	}
}
