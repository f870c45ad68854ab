package runtime

import (
	"bufio"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecLauncher_LaunchesCatAndEchoesStdin(t *testing.T) {
	l := NewExecLauncher()
	proc, err := l.Launch(context.Background(), Spec{Executable: "cat"})
	require.NoError(t, err)
	defer proc.Kill()

	_, err = proc.Stdin().Write([]byte("hello\n"))
	require.NoError(t, err)
	require.NoError(t, proc.Stdin().Close())

	scanner := bufio.NewScanner(proc.Stdout())
	require.True(t, scanner.Scan())
	assert.Equal(t, "hello", scanner.Text())

	require.NoError(t, proc.Wait())
}

func TestExecLauncher_SpawnFailureForMissingExecutable(t *testing.T) {
	l := NewExecLauncher()
	_, err := l.Launch(context.Background(), Spec{Executable: "definitely-not-a-real-binary-xyz"})
	assert.Error(t, err)
}
