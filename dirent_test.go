package exfat

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testName(s string) []uint16 {
	units, err := utf16FromString(s)
	if err != nil {
		panic(err)
	}
	return units
}

func TestEntryGroupEncodeDecode(t *testing.T) {
	name := testName("report final (v2).txt")
	fe := fileEntry{
		attrib:       AttribArchive,
		nameLength:   len(name),
		nameHash:     0xbeef,
		validSize:    123456,
		firstCluster: 42,
		dataSize:     123456,
		name:         name,
		streamFlags:  streamFlagAllocated | streamFlagContiguous,
		createTS:     0x52a1_4d22,
		modifyTS:     0x52a1_4d23,
		accessTS:     0x52a1_4d24,
		create10ms:   77,
		modify10ms:   101,
		createTZ:     0x80,
		modifyTZ:     0x88,
		accessTZ:     0x80,
	}

	group := fe.encodeGroup()
	require.Equal(t, direntSize*(2+nameEntryCount(len(name))), len(group))
	assert.Equal(t, byte(entryTypeFile), group[0])
	assert.Equal(t, byte(entryTypeStream), group[direntSize])

	decoded := decodeFileEntry(group[:direntSize])
	require.True(t, parseGroup(&decoded, group))

	assert.Equal(t, fe.attrib, decoded.attrib)
	assert.Equal(t, fe.validSize, decoded.validSize)
	assert.Equal(t, fe.firstCluster, decoded.firstCluster)
	assert.Equal(t, fe.dataSize, decoded.dataSize)
	assert.Equal(t, fe.name, decoded.name)
	assert.True(t, decoded.contiguous())
	assert.Equal(t, fe.createTS, decoded.createTS)
	assert.Equal(t, fe.modify10ms, decoded.modify10ms)

	// The stored checksum matches a recomputation over the raw group.
	assert.Equal(t, decoded.checksum, entrySetChecksum(group))
}

func TestEntrySetChecksumSkipsItsOwnField(t *testing.T) {
	group := make([]byte, 3*direntSize)
	group[0] = entryTypeFile
	group[direntSize] = entryTypeStream
	group[2*direntSize] = entryTypeFileName

	before := entrySetChecksum(group)
	binary.LittleEndian.PutUint16(group[2:], 0xffff)
	assert.Equal(t, before, entrySetChecksum(group),
		"bytes 2 and 3 of the primary entry must not affect the checksum")

	group[direntSize+2] = 0x55
	assert.NotEqual(t, before, entrySetChecksum(group),
		"secondary entry bytes must affect the checksum")
}

func TestEntryChecksumDetectsCorruption(t *testing.T) {
	fe := fileEntry{
		attrib:      AttribArchive,
		nameLength:  3,
		name:        testName("abc"),
		streamFlags: streamFlagAllocated,
	}
	group := fe.encodeGroup()
	stored := binary.LittleEndian.Uint16(group[2:])
	require.Equal(t, stored, entrySetChecksum(group))

	group[direntSize+20] ^= 0x01 // flip a bit in the first cluster field
	assert.NotEqual(t, stored, entrySetChecksum(group))
}

func TestNameEntryCount(t *testing.T) {
	assert.Equal(t, 1, nameEntryCount(1))
	assert.Equal(t, 1, nameEntryCount(15))
	assert.Equal(t, 2, nameEntryCount(16))
	assert.Equal(t, 17, nameEntryCount(NameMax))
}

func TestLabelEntryRoundTrip(t *testing.T) {
	le := labelEntry{name: testName("Backups")}
	raw := le.encode()
	require.Equal(t, direntSize, len(raw))
	assert.Equal(t, byte(entryTypeLabel), raw[0])

	decoded := decodeLabelEntry(raw)
	assert.Equal(t, le.name, decoded.name)
}

func TestMetadataEntryRoundTrip(t *testing.T) {
	be := bitmapEntry{firstCluster: 2, dataSize: 8192}
	decodedB := decodeBitmapEntry(be.encode())
	assert.Equal(t, be, decodedB)

	ue := upcaseEntry{tableChecksum: 0xdeadbeef, firstCluster: 7, dataSize: 5836}
	decodedU := decodeUpcaseEntry(ue.encode())
	assert.Equal(t, ue, decodedU)
}
