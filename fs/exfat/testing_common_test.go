package exfat

import (
	"reflect"
	"testing"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
	"github.com/spf13/afero"
)

const (
	testSectorSize        = 512
	testFatOffset         = 24
	testClusterHeapOffset = 32
	testClusterCount      = 32
	testVolumeLength      = testClusterHeapOffset + testClusterCount

	testBitmapCluster    = 2
	testUpcaseCluster    = 3
	testRootCluster      = 4
	testSubdirCluster    = 6
	testFileDataCluster  = 7
	testImageFilepath    = "/images/test.exfat"
	testVolumeSerial     = 0x3d51a058
	testAllocatedBitmap  = 0x3f
	testFileDataContents = "hello world"

	// testFragmentedRootCluster is the second cluster of the root directory
	// in the fragmented image.
	testFragmentedRootCluster = 8

	// testFragmentedDirectoryInode is the inode of the last entry of the
	// first sector of the root directory.
	testFragmentedDirectoryInode = 50
)

var (
	// 2019-09-01 12:30:10
	testTimestamp = ExfatTimestamp(39<<25 | 9<<21 | 1<<16 | 12<<11 | 30<<5 | 5)

	testVolumeGuid = [16]byte{
		0x78, 0x56, 0x34, 0x12, 0x34, 0x12, 0x78, 0x56,
		0x9a, 0xbc, 0xde, 0xf0, 0x12, 0x34, 0x56, 0x78,
	}
)

func packTestEntry(x interface{}) []byte {
	raw, err := restruct.Pack(defaultEncoding, x)
	log.PanicIf(err)

	if len(raw) != DirectoryEntryBytesCount {
		log.Panicf("packed entry is the wrong size: (%d)", len(raw))
	}

	return raw
}

// buildFileEntrySet returns the raw entries of a file entry set with a correct
// set checksum.
func buildFileEntrySet(isDeleted bool, name string, attributes FileAttributes, firstCluster uint32, dataLength uint64, noFatChain bool) (entries [][]byte) {
	fileType, streamType, nameType := EntryTypeFile, EntryTypeFileStream, EntryTypeFileName
	if isDeleted == true {
		fileType, streamType, nameType = EntryTypeDeletedFile, EntryTypeDeletedFileStream, EntryTypeDeletedFileName
	}

	encoded := EncodeUtf16Name(name)
	nameLength := len(encoded) / 2

	nameEntryCount := (nameLength + MaxFileNameSegmentLength - 1) / MaxFileNameSegmentLength
	if nameEntryCount == 0 {
		nameEntryCount = 1
	}

	fdf := ExfatFileDirectoryEntry{
		EntryType:             fileType,
		SecondaryCount_:       uint8(1 + nameEntryCount),
		FileAttributes:        attributes,
		CreateTimestamp:       testTimestamp,
		LastModifiedTimestamp: testTimestamp,
		LastAccessedTimestamp: testTimestamp,
	}

	entries = append(entries, packTestEntry(&fdf))

	flags := uint8(GeneralSecondaryFlagAllocationPossible)
	if noFatChain == true {
		flags |= GeneralSecondaryFlagNoFatChain
	}

	sede := ExfatStreamExtensionDirectoryEntry{
		EntryType:             streamType,
		GeneralSecondaryFlags: flags,
		NameLength:            uint8(nameLength),
		ValidDataLength:       dataLength,
		FirstCluster:          firstCluster,
		DataLength:            dataLength,
	}

	entries = append(entries, packTestEntry(&sede))

	for i := 0; i < nameEntryCount; i++ {
		fnde := ExfatFileNameDirectoryEntry{
			EntryType: nameType,
		}

		start := i * MaxFileNameSegmentLength * 2
		end := start + MaxFileNameSegmentLength*2
		if end > len(encoded) {
			end = len(encoded)
		}

		if start < end {
			copy(fnde.FileName[:], encoded[start:end])
		}

		entries = append(entries, packTestEntry(&fnde))
	}

	checksum := EntrySetChecksum(entries)
	defaultEncoding.PutUint16(entries[0][2:], checksum)

	return entries
}

func buildVolumeLabelEntry(label string) []byte {
	encoded := EncodeUtf16Name(label)

	vlde := ExfatVolumeLabelDirectoryEntry{
		EntryType:      EntryTypeVolumeLabel,
		CharacterCount: uint8(len(encoded) / 2),
	}

	copy(vlde.VolumeLabel[:], encoded)

	return packTestEntry(&vlde)
}

func buildAllocationBitmapEntry(firstCluster uint32, dataLength uint64) []byte {
	abde := ExfatAllocationBitmapDirectoryEntry{
		EntryType:    EntryTypeAllocBitmap,
		FirstCluster: firstCluster,
		DataLength:   dataLength,
	}

	return packTestEntry(&abde)
}

func buildUpcaseTableEntry(firstCluster uint32, dataLength uint64) []byte {
	utde := ExfatUpcaseTableDirectoryEntry{
		EntryType:     EntryTypeUpcaseTable,
		TableChecksum: 0xe619d30d,
		FirstCluster:  firstCluster,
		DataLength:    dataLength,
	}

	return packTestEntry(&utde)
}

func buildVolumeGuidEntry() []byte {
	vgde := ExfatVolumeGuidDirectoryEntry{
		EntryType:  EntryTypeVolumeGuid,
		VolumeGuid: testVolumeGuid,
	}

	return packTestEntry(&vgde)
}

// buildTaggedEntry returns an otherwise-empty entry with the given tag.
func buildTaggedEntry(entryType EntryType) []byte {
	raw := make([]byte, DirectoryEntryBytesCount)
	raw[0] = byte(entryType)

	return raw
}

func flattenEntrySets(sets ...[][]byte) (entries [][]byte) {
	for _, set := range sets {
		entries = append(entries, set...)
	}

	return entries
}

// buildDirectoryBuffer lays the entries out back-to-back in a zeroed buffer of
// the given number of sectors.
func buildDirectoryBuffer(sectorCount int, entries [][]byte) []byte {
	buffer := make([]byte, sectorCount*testSectorSize)

	for i, directoryEntryData := range entries {
		copy(buffer[i*DirectoryEntryBytesCount:], directoryEntryData)
	}

	return buffer
}

func testGeometry() Geometry {
	return Geometry{
		SectorSize:      testSectorSize,
		FirstDataSector: testClusterHeapOffset,
		SectorCount:     testVolumeLength,
	}
}

// testVolumeInfo is a VolumeInfo with every sector allocated unless stated
// otherwise.
type testVolumeInfo struct {
	geometry    Geometry
	unallocated map[uint64]bool
	failing     map[uint64]bool
	lookups     []uint64
}

func newTestVolumeInfo() *testVolumeInfo {
	return &testVolumeInfo{
		geometry:    testGeometry(),
		unallocated: make(map[uint64]bool),
		failing:     make(map[uint64]bool),
	}
}

func (tvi *testVolumeInfo) Geometry() Geometry {
	return tvi.geometry
}

func (tvi *testVolumeInfo) IsSectorAllocated(sectorAddress uint64) (isAllocated bool, err error) {
	tvi.lookups = append(tvi.lookups, sectorAddress)

	if tvi.failing[sectorAddress] == true {
		return false, log.Wrap(ErrSectorLookup)
	}

	return tvi.unallocated[sectorAddress] == false, nil
}

func testSectorAddresses(firstSectorAddress uint64, count int) []uint64 {
	sectorAddresses := make([]uint64, count)
	for i := range sectorAddresses {
		sectorAddresses[i] = firstSectorAddress + uint64(i)
	}

	return sectorAddresses
}

func testClusterOffset(clusterNumber uint32) int {
	return (testClusterHeapOffset + int(clusterNumber) - 2) * testSectorSize
}

// testRootDirectoryEntries are the entries of the root directory of the test
// image. It starts at inode (35). The last set crosses into the second
// cluster of the directory.
func testRootDirectoryEntries() [][]byte {
	return flattenEntrySets(
		[][]byte{
			buildVolumeLabelEntry("TESTVOL"),
			buildAllocationBitmapEntry(testBitmapCluster, (testClusterCount+7)/8),
			buildUpcaseTableEntry(testUpcaseCluster, 8),
			buildVolumeGuidEntry(),
		},
		buildFileEntrySet(false, "file1.txt", FileAttributeArchive, testFileDataCluster, uint64(len(testFileDataContents)), true),
		buildFileEntrySet(false, "dir1", FileAttributeDirectory, testSubdirCluster, testSectorSize, true),
		buildFileEntrySet(true, "gone.txt", FileAttributeArchive, 10, 100, true),
		buildFileEntrySet(false, "a-rather-long-name.txt", FileAttributeArchive, 0, 0, false),
	)
}

// testSubdirEntries are the entries of "dir1". It starts at inode (67).
func testSubdirEntries() [][]byte {
	return flattenEntrySets(
		buildFileEntrySet(false, "nested.bin", FileAttributeArchive, 0, 0, false),
		buildFileEntrySet(true, "old.bin", FileAttributeArchive, 0, 0, false),
	)
}

// buildTestImage returns a small, complete exFAT volume: 512-byte sectors, one
// sector per cluster, and a two-cluster root directory chained through the
// FAT.
func buildTestImage() []byte {
	image := make([]byte, testVolumeLength*testSectorSize)

	bsh := BootSectorHeader{
		JumpBoot:                    [3]byte{0xeb, 0x76, 0x90},
		VolumeLength:                testVolumeLength,
		FatOffset:                   testFatOffset,
		FatLength:                   1,
		ClusterHeapOffset:           testClusterHeapOffset,
		ClusterCount:                testClusterCount,
		FirstClusterOfRootDirectory: testRootCluster,
		VolumeSerialNumber:          testVolumeSerial,
		FileSystemRevision:          [2]uint8{0, 1},
		BytesPerSectorShift:         9,
		SectorsPerClusterShift:      0,
		NumberOfFats:                1,
		DriveSelect:                 0x80,
		BootSignature:               0xaa55,
	}

	copy(bsh.FileSystemName[:], "EXFAT   ")

	raw, err := restruct.Pack(defaultEncoding, &bsh)
	log.PanicIf(err)

	copy(image, raw)

	for i := 1; i <= mainExtendedBootSectorCount; i++ {
		defaultEncoding.PutUint32(image[(i+1)*testSectorSize-4:], requiredExtendedBootSignature)
	}

	fat := image[testFatOffset*testSectorSize:]

	putFatEntry := func(clusterNumber uint32, value uint32) {
		defaultEncoding.PutUint32(fat[clusterNumber*4:], value)
	}

	putFatEntry(0, 0xfffffff8)
	putFatEntry(1, 0xffffffff)
	putFatEntry(testBitmapCluster, 0xffffffff)
	putFatEntry(testUpcaseCluster, 0xffffffff)
	putFatEntry(testRootCluster, testRootCluster+1)
	putFatEntry(testRootCluster+1, 0xffffffff)
	putFatEntry(testFileDataCluster, 0xffffffff)

	// Clusters (2) through (7).
	image[testClusterOffset(testBitmapCluster)] = testAllocatedBitmap

	copy(image[testClusterOffset(testUpcaseCluster):], []byte{0, 0, 1, 0, 2, 0, 3, 0})

	for i, directoryEntryData := range testRootDirectoryEntries() {
		copy(image[testClusterOffset(testRootCluster)+i*DirectoryEntryBytesCount:], directoryEntryData)
	}

	for i, directoryEntryData := range testSubdirEntries() {
		copy(image[testClusterOffset(testSubdirCluster)+i*DirectoryEntryBytesCount:], directoryEntryData)
	}

	copy(image[testClusterOffset(testFileDataCluster):], testFileDataContents)

	return image
}

// buildFragmentedRootImage returns the test image with the root directory
// moved to clusters (4) and (8). The entry set of "dirx" starts with the last
// entry of cluster (4) and continues in cluster (8). Cluster (5) is empty.
func buildFragmentedRootImage() []byte {
	image := buildTestImage()

	fat := image[testFatOffset*testSectorSize:]
	defaultEncoding.PutUint32(fat[testRootCluster*4:], testFragmentedRootCluster)
	defaultEncoding.PutUint32(fat[(testRootCluster+1)*4:], 0)
	defaultEncoding.PutUint32(fat[testFragmentedRootCluster*4:], 0xffffffff)

	// Clusters (2) through (8).
	image[testClusterOffset(testBitmapCluster)] = 0x7f

	for _, clusterNumber := range []uint32{testRootCluster, testRootCluster + 1} {
		offset := testClusterOffset(clusterNumber)
		copy(image[offset:offset+testSectorSize], make([]byte, testSectorSize))
	}

	entries := flattenEntrySets(
		[][]byte{
			buildVolumeLabelEntry("TESTVOL"),
			buildAllocationBitmapEntry(testBitmapCluster, (testClusterCount+7)/8),
			buildUpcaseTableEntry(testUpcaseCluster, 8),
			buildVolumeGuidEntry(),
		},
		buildFileEntrySet(false, "file1.txt", FileAttributeArchive, testFileDataCluster, uint64(len(testFileDataContents)), true),
		buildFileEntrySet(false, "fragment-name-one.txt", FileAttributeArchive, 0, 0, false),
		buildFileEntrySet(false, "fragment-name-two.txt", FileAttributeArchive, 0, 0, false),
		buildFileEntrySet(false, "dirx", FileAttributeDirectory, testSubdirCluster, testSectorSize, true),
	)

	entriesPerCluster := testSectorSize / DirectoryEntryBytesCount
	if len(entries) != entriesPerCluster+2 {
		log.Panicf("fragmented root has the wrong number of entries: (%d)", len(entries))
	}

	for i, directoryEntryData := range entries[:entriesPerCluster] {
		copy(image[testClusterOffset(testRootCluster)+i*DirectoryEntryBytesCount:], directoryEntryData)
	}

	for i, directoryEntryData := range entries[entriesPerCluster:] {
		copy(image[testClusterOffset(testFragmentedRootCluster)+i*DirectoryEntryBytesCount:], directoryEntryData)
	}

	return image
}

// getTestFileAndParser writes the given image to an in-memory filesystem and
// returns an unparsed reader over it.
func getTestFileAndParser(image []byte) (f afero.File, er *ExfatReader) {
	fs := afero.NewMemMapFs()

	err := afero.WriteFile(fs, testImageFilepath, image, 0644)
	log.PanicIf(err)

	f, err = fs.Open(testImageFilepath)
	log.PanicIf(err)

	er = NewExfatReader(f)
	return f, er
}

// openTestImage returns a fully loaded reader over the standard test image.
func openTestImage() (f afero.File, er *ExfatReader) {
	fs := afero.NewMemMapFs()

	err := afero.WriteFile(fs, testImageFilepath, buildTestImage(), 0644)
	log.PanicIf(err)

	f, er, err = OpenImage(fs, testImageFilepath)
	log.PanicIf(err)

	return f, er
}

func assertNames(t *testing.T, actual, expected []FsName) {
	t.Helper()

	if reflect.DeepEqual(actual, expected) == true {
		return
	}

	for i, fn := range actual {
		t.Logf("ACTUAL: (%d) %s", i, fn)
	}

	for i, fn := range expected {
		t.Logf("EXPECTED: (%d) %s", i, fn)
	}

	t.Fatalf("Names not correct.")
}
