package workerio

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/codebroker/pkg/orchestrator"
)

type scriptedExec struct {
	lastArgv  []string
	lastStdin string
	result    orchestrator.ExecResult
	err       error
}

func (s *scriptedExec) Exec(ctx context.Context, name string, argv []string, stdin io.Reader) (orchestrator.ExecResult, error) {
	s.lastArgv = argv
	if stdin != nil {
		data, _ := io.ReadAll(stdin)
		s.lastStdin = string(data)
	}
	return s.result, s.err
}

func TestListParsesHashLines(t *testing.T) {
	ex := &scriptedExec{result: orchestrator.ExecResult{
		Stdout: "aaaa  ./a.txt\nbbbb  ./sub/dir/b.txt\n\n",
	}}
	io_ := New(ex)

	files, err := io_.List(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"a.txt":         "aaaa",
		"sub/dir/b.txt": "bbbb",
	}, files)

	require.Equal(t, "sh", ex.lastArgv[0])
	assert.Contains(t, ex.lastArgv[2], "sha256sum")
	assert.Contains(t, ex.lastArgv[2], WorkspaceRoot)
}

func TestListEmptyWorkspace(t *testing.T) {
	ex := &scriptedExec{result: orchestrator.ExecResult{Stdout: ""}}
	files, err := New(ex).List(context.Background(), "w1")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestListFailsOnNonZeroExit(t *testing.T) {
	ex := &scriptedExec{result: orchestrator.ExecResult{ExitCode: 1, Stderr: "sh: not found"}}
	_, err := New(ex).List(context.Background(), "w1")
	assert.ErrorContains(t, err, "exit 1")
}

func TestUploadCreatesParentsAndStreams(t *testing.T) {
	ex := &scriptedExec{}
	err := New(ex).Upload(context.Background(), "w1", "sub/dir/file.bin", strings.NewReader("payload"))
	require.NoError(t, err)

	script := ex.lastArgv[2]
	assert.Contains(t, script, "mkdir -p '/workspace/sub/dir'")
	assert.Contains(t, script, "cat > '/workspace/sub/dir/file.bin'")
	assert.Equal(t, "payload", ex.lastStdin)
}

func TestUploadQuotesHostilePaths(t *testing.T) {
	ex := &scriptedExec{}
	err := New(ex).Upload(context.Background(), "w1", "it's.txt", strings.NewReader("x"))
	require.NoError(t, err)
	// The single quote must be escaped, not terminate the quoting.
	assert.Contains(t, ex.lastArgv[2], `it'\''s.txt`)
}

func TestDownloadReturnsBytes(t *testing.T) {
	ex := &scriptedExec{result: orchestrator.ExecResult{Stdout: "contents"}}
	data, err := New(ex).Download(context.Background(), "w1", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("contents"), data)
	assert.Equal(t, []string{"cat", "/workspace/a.txt"}, ex.lastArgv)
}

func TestRemoveTargetsWorkspacePath(t *testing.T) {
	ex := &scriptedExec{}
	err := New(ex).Remove(context.Background(), "w1", "old.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"rm", "-f", "--", "/workspace/old.txt"}, ex.lastArgv)
}
