package goed2k

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goed2k/goed2k/proto"
)

func testKnownFiles(t *testing.T) *KnownFiles {
	k, err := OpenKnownFiles(filepath.Join(t.TempDir(), "known.db"))
	require.NoError(t, err)
	t.Cleanup(func() { k.Close() })
	return k
}

func TestKnownFilesStoreLoad(t *testing.T) {
	k := testKnownFiles(t)

	atp := proto.CreateAddTransferParameters(proto.EMULE, 12345, "stored.bin")
	atp.Transferred = 777
	require.NoError(t, k.Store(&atp))

	back, err := k.Load(proto.EMULE)
	require.NoError(t, err)
	require.NotNil(t, back)
	require.Equal(t, "stored.bin", back.Filename.ToString())
	require.Equal(t, uint64(12345), back.Filesize)
	require.Equal(t, uint64(777), back.Transferred)
}

func TestKnownFilesLoadMissing(t *testing.T) {
	k := testKnownFiles(t)
	back, err := k.Load(proto.LIBED2K)
	require.NoError(t, err)
	require.Nil(t, back)
}

func TestKnownFilesOverwrite(t *testing.T) {
	k := testKnownFiles(t)

	atp := proto.CreateAddTransferParameters(proto.EMULE, 100, "v1.bin")
	require.NoError(t, k.Store(&atp))

	atp.Transferred = 50
	require.NoError(t, k.Store(&atp))

	back, err := k.Load(proto.EMULE)
	require.NoError(t, err)
	require.Equal(t, uint64(50), back.Transferred)
}

func TestKnownFilesRemove(t *testing.T) {
	k := testKnownFiles(t)

	atp := proto.CreateAddTransferParameters(proto.EMULE, 100, "gone.bin")
	require.NoError(t, k.Store(&atp))
	require.NoError(t, k.Remove(proto.EMULE))

	back, err := k.Load(proto.EMULE)
	require.NoError(t, err)
	require.Nil(t, back)
}

func TestKnownFilesForEach(t *testing.T) {
	k := testKnownFiles(t)

	first := proto.CreateAddTransferParameters(proto.EMULE, 100, "one.bin")
	second := proto.CreateAddTransferParameters(proto.LIBED2K, 200, "two.bin")
	require.NoError(t, k.Store(&first))
	require.NoError(t, k.Store(&second))

	seen := map[string]bool{}
	require.NoError(t, k.ForEach(func(atp proto.AddTransferParameters) error {
		seen[atp.Filename.ToString()] = true
		return nil
	}))

	require.True(t, seen["one.bin"])
	require.True(t, seen["two.bin"])
}
