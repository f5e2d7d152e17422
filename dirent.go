package exfat

import (
	"encoding/binary"
)

// Directory entries are 32 bytes, tagged by a type byte whose high bit marks
// the entry as in use. A file or directory is described by a group: one FILE
// entry, one STREAM_EXT entry, and up to 17 FILE_NAME entries carrying 15
// UTF-16 code units each, all consecutive and covered by a 16-bit checksum
// stored in the FILE entry.

const (
	direntSize = 32

	entryTypeBitmap   = 0x81
	entryTypeUpcase   = 0x82
	entryTypeLabel    = 0x83
	entryTypeFile     = 0x85
	entryTypeGUID     = 0xa0
	entryTypeStream   = 0xc0
	entryTypeFileName = 0xc1

	entryInUse = 0x80

	// nameEntryUnits is how many code units one FILE_NAME entry holds.
	nameEntryUnits = 15

	// streamFlagAllocated and streamFlagContiguous are the general secondary
	// flags of a stream extension entry. Contiguous ("NoFatChain") means the
	// chain is implicit and the FAT must not be consulted.
	streamFlagAllocated  = 0x01
	streamFlagContiguous = 0x02

	maxContinuations = 18
)

// entrySetChecksum computes the group checksum over all entries of a group.
// Bytes 2 and 3 of the primary entry hold the checksum itself and are
// skipped.
func entrySetChecksum(group []byte) uint16 {
	var sum uint16
	for i, b := range group {
		if i == 2 || i == 3 {
			continue
		}
		sum = (sum>>1 | sum<<15) + uint16(b)
	}
	return sum
}

// nameEntryCount returns how many FILE_NAME entries a name needs.
func nameEntryCount(nameLen int) int {
	return (nameLen + nameEntryUnits - 1) / nameEntryUnits
}

// fileEntry is the decoded form of a FILE directory entry plus its stream
// extension; the codec always treats the two as a unit.
type fileEntry struct {
	attrib        uint16
	secondaryCnt  int
	checksum      uint16
	createTS      uint32
	modifyTS      uint32
	accessTS      uint32
	create10ms    byte
	modify10ms    byte
	createTZ      byte
	modifyTZ      byte
	accessTZ      byte
	streamFlags   byte
	nameLength    int
	nameHash      uint16
	validSize     uint64
	firstCluster  Cluster
	dataSize      uint64
	name          []uint16
}

func decodeFileEntry(raw []byte) fileEntry {
	return fileEntry{
		secondaryCnt: int(raw[1]),
		checksum:     binary.LittleEndian.Uint16(raw[2:]),
		attrib:       binary.LittleEndian.Uint16(raw[4:]),
		createTS:     binary.LittleEndian.Uint32(raw[8:]),
		modifyTS:     binary.LittleEndian.Uint32(raw[12:]),
		accessTS:     binary.LittleEndian.Uint32(raw[16:]),
		create10ms:   raw[20],
		modify10ms:   raw[21],
		createTZ:     raw[22],
		modifyTZ:     raw[23],
		accessTZ:     raw[24],
	}
}

func (fe *fileEntry) decodeStream(raw []byte) {
	fe.streamFlags = raw[1]
	fe.nameLength = int(raw[3])
	fe.nameHash = binary.LittleEndian.Uint16(raw[4:])
	fe.validSize = binary.LittleEndian.Uint64(raw[8:])
	fe.firstCluster = Cluster(binary.LittleEndian.Uint32(raw[20:]))
	fe.dataSize = binary.LittleEndian.Uint64(raw[24:])
}

func (fe *fileEntry) decodeName(raw []byte) {
	for i := 0; i < nameEntryUnits && len(fe.name) < fe.nameLength; i++ {
		fe.name = append(fe.name, binary.LittleEndian.Uint16(raw[2+2*i:]))
	}
}

func (fe *fileEntry) contiguous() bool {
	return fe.streamFlags&streamFlagContiguous != 0
}

// encodeGroup serializes a complete directory entry group. The checksum is
// computed over the finished buffer and patched into the FILE entry.
func (fe *fileEntry) encodeGroup() []byte {
	nameEntries := nameEntryCount(fe.nameLength)
	group := make([]byte, direntSize*(2+nameEntries))

	group[0] = entryTypeFile
	group[1] = byte(1 + nameEntries)
	binary.LittleEndian.PutUint16(group[4:], fe.attrib)
	binary.LittleEndian.PutUint32(group[8:], fe.createTS)
	binary.LittleEndian.PutUint32(group[12:], fe.modifyTS)
	binary.LittleEndian.PutUint32(group[16:], fe.accessTS)
	group[20] = fe.create10ms
	group[21] = fe.modify10ms
	group[22] = fe.createTZ
	group[23] = fe.modifyTZ
	group[24] = fe.accessTZ

	stream := group[direntSize:]
	stream[0] = entryTypeStream
	stream[1] = fe.streamFlags
	stream[3] = byte(fe.nameLength)
	binary.LittleEndian.PutUint16(stream[4:], fe.nameHash)
	binary.LittleEndian.PutUint64(stream[8:], fe.validSize)
	binary.LittleEndian.PutUint32(stream[20:], uint32(fe.firstCluster))
	binary.LittleEndian.PutUint64(stream[24:], fe.dataSize)

	for i := 0; i < nameEntries; i++ {
		entry := group[direntSize*(2+i):]
		entry[0] = entryTypeFileName
		for j := 0; j < nameEntryUnits; j++ {
			idx := i*nameEntryUnits + j
			if idx < len(fe.name) {
				binary.LittleEndian.PutUint16(entry[2+2*j:], fe.name[idx])
			}
		}
	}

	fe.checksum = entrySetChecksum(group)
	binary.LittleEndian.PutUint16(group[2:], fe.checksum)
	return group
}

// bitmapEntry describes the cluster allocation bitmap's backing chain.
type bitmapEntry struct {
	firstCluster Cluster
	dataSize     uint64
}

func decodeBitmapEntry(raw []byte) bitmapEntry {
	return bitmapEntry{
		firstCluster: Cluster(binary.LittleEndian.Uint32(raw[20:])),
		dataSize:     binary.LittleEndian.Uint64(raw[24:]),
	}
}

func (be bitmapEntry) encode() []byte {
	raw := make([]byte, direntSize)
	raw[0] = entryTypeBitmap
	binary.LittleEndian.PutUint32(raw[20:], uint32(be.firstCluster))
	binary.LittleEndian.PutUint64(raw[24:], be.dataSize)
	return raw
}

// upcaseEntry describes the upcase table's backing chain.
type upcaseEntry struct {
	tableChecksum uint32
	firstCluster  Cluster
	dataSize      uint64
}

func decodeUpcaseEntry(raw []byte) upcaseEntry {
	return upcaseEntry{
		tableChecksum: binary.LittleEndian.Uint32(raw[4:]),
		firstCluster:  Cluster(binary.LittleEndian.Uint32(raw[20:])),
		dataSize:      binary.LittleEndian.Uint64(raw[24:]),
	}
}

func (ue upcaseEntry) encode() []byte {
	raw := make([]byte, direntSize)
	raw[0] = entryTypeUpcase
	binary.LittleEndian.PutUint32(raw[4:], ue.tableChecksum)
	binary.LittleEndian.PutUint32(raw[20:], uint32(ue.firstCluster))
	binary.LittleEndian.PutUint64(raw[24:], ue.dataSize)
	return raw
}

// labelEntry is the volume label, up to 11 code units.
type labelEntry struct {
	name []uint16
}

func decodeLabelEntry(raw []byte) labelEntry {
	count := int(raw[1])
	if count > 11 {
		count = 11
	}
	le := labelEntry{name: make([]uint16, count)}
	for i := range le.name {
		le.name[i] = binary.LittleEndian.Uint16(raw[2+2*i:])
	}
	return le
}

func (le labelEntry) encode() []byte {
	raw := make([]byte, direntSize)
	raw[0] = entryTypeLabel
	raw[1] = byte(len(le.name))
	for i, u := range le.name {
		binary.LittleEndian.PutUint16(raw[2+2*i:], u)
	}
	return raw
}
