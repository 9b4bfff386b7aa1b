package enclave

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/maja42/enclave/internal/locate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selftestRegion is a region within the test executable itself.
var selftestRegion = [len("~~enclave:selftest:128~~") + 128]byte{
	'~', '~', 'e', 'n', 'c', 'l', 'a', 'v', 'e', ':',
	's', 'e', 'l', 'f', 't', 'e', 's', 't', ':',
	'1', '2', '8', '~', '~',
}

var selftest = MustNew[settings](selftestRegion[:])

// childEnv makes the test executable print its own payload instead of running tests.
const childEnv = "ENCLAVE_SELFTEST_CHILD"

func TestMain(m *testing.M) {
	if os.Getenv(childEnv) != "" {
		v, err := selftest.Decode()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(3)
		}
		_ = json.NewEncoder(os.Stdout).Encode(v)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// copyExecutable copies the running test executable into a temporary directory.
func copyExecutable(t *testing.T) string {
	t.Helper()
	self, err := executable()
	require.NoError(t, err)

	src, err := os.Open(self)
	require.NoError(t, err)
	defer src.Close()

	path := filepath.Join(t.TempDir(), filepath.Base(self))
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o755)
	require.NoError(t, err)
	_, err = io.Copy(dst, src)
	require.NoError(t, err)
	require.NoError(t, dst.Close())
	return path
}

func TestEnclave_selfExec(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a child process")
	}
	if _, ok := locate.Host().(locate.Unsupported); ok {
		t.Skip("executable format of this platform is not supported")
	}

	path := copyExecutable(t)
	e := MustNew[settings](selftestRegion[:], WithExecutable(path))

	n, err := e.Write(&settings{Count: 43, Label: "see"})
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	_, err = selftest.Decode()
	assert.ErrorIs(t, err, ErrPayloadChecksum, "the writing process keeps its own image")

	cmd := exec.Command(path)
	cmd.Env = append(os.Environ(), childEnv+"=1")
	out, err := cmd.Output()
	require.NoError(t, err)

	var v settings
	require.NoError(t, json.Unmarshal(out, &v))
	assert.Equal(t, settings{Count: 43, Label: "see"}, v)
}
