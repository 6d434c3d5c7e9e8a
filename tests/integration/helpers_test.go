//go:build integration

package integration

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"testing"

	"github.com/kdomanski/iso9660"
	"github.com/stretchr/testify/require"
)

const checkMountPoint = "/mnt/check"

// uploadISO builds an ISO 9660 image with a random payload and copies it into
// the VM. It returns the remote path and the image bytes.
func uploadISO(t *testing.T, name, label string, payload int) (string, []byte) {
	t.Helper()

	w, err := iso9660.NewWriter()
	require.NoError(t, err, "create iso writer")
	defer func() { _ = w.Cleanup() }()

	data := make([]byte, payload)
	_, err = rand.Read(data)
	require.NoError(t, err)
	require.NoError(t, w.AddFile(bytes.NewReader(data), "payload.bin"))

	local := filepath.Join(t.TempDir(), name)
	f, err := os.Create(local)
	require.NoError(t, err)
	require.NoError(t, w.WriteTo(f, label), "write iso")
	require.NoError(t, f.Close())

	image, err := os.ReadFile(local)
	require.NoError(t, err)

	remote := path.Join(imageDir, name)
	require.NoError(t, testVM.CopyFile(local, remote, 0o644), "copy %s to VM", name)
	t.Cleanup(func() {
		_, _ = testVM.Run("rm -f " + remote)
	})

	return remote, image
}

// readFromStick mounts the data partition read-only and returns the content of name
func readFromStick(t *testing.T, partition, name string) []byte {
	t.Helper()

	mount := fmt.Sprintf("sudo mkdir -p %[1]s && sudo mount -o ro,uid=$(id -u) %[2]s %[1]s", checkMountPoint, partition)
	output, err := testVM.Run(mount)
	require.NoError(t, err, "mount %s: %s", partition, output)
	defer func() {
		_, _ = testVM.Run("sudo umount " + checkMountPoint)
	}()

	data, err := testVM.ReadFile(path.Join(checkMountPoint, name))
	require.NoError(t, err, "read %s from stick", name)
	return data
}

// requireNotMounted verifies nothing on the stick is left mounted
func requireNotMounted(t *testing.T) {
	t.Helper()
	output, err := testVM.Run(fmt.Sprintf("grep -c '^%s' /proc/mounts || true", stick))
	require.NoError(t, err)
	require.Equal(t, "0\n", output, "partitions of %s still mounted", stick)
}

// requireNoMountDirs verifies every temporary mount point was removed
func requireNoMountDirs(t *testing.T) {
	t.Helper()
	output, err := testVM.Run("ls -d /var/tmp/ventoy_mount_* 2>/dev/null | wc -l")
	require.NoError(t, err)
	require.Equal(t, "0\n", output, "temporary mount points left behind")
}
