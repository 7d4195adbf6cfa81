package exfat

import (
	"fmt"
	"reflect"
	"time"

	"encoding/binary"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
	"github.com/google/uuid"
)

const (
	// DirectoryEntryBytesCount is the size of every directory entry.
	DirectoryEntryBytesCount = 32

	// MaxFileNameSegmentLength is the number of UTF-16 code-units carried by a
	// single file-name entry.
	MaxFileNameSegmentLength = 15

	// MaxVolumeLabelLength is the maximum number of UTF-16 code-units in a
	// volume label.
	MaxVolumeLabelLength = 11

	// MaxNameLengthUtf8 is the capacity of an assembled name, in bytes, including
	// room for a terminator.
	MaxNameLengthUtf8 = 1024

	// MinFileSecondaryCount and MaxFileSecondaryCount bound the secondary count
	// of a file entry: one stream entry plus 1..17 name entries.
	MinFileSecondaryCount = 2
	MaxFileSecondaryCount = 18
)

var (
	defaultEncoding = binary.LittleEndian
)

// EntryType is the first byte of every directory entry.
type EntryType uint8

const (
	// EntryTypeNone is never a valid classified type. The classifier returns it
	// for anything that is not a directory entry.
	EntryTypeNone EntryType = 0x00

	EntryTypeVolumeLabelEmpty       EntryType = 0x03
	EntryTypeDeletedFile            EntryType = 0x05
	EntryTypeDeletedFileStream      EntryType = 0x40
	EntryTypeDeletedFileName        EntryType = 0x41
	EntryTypeAllocBitmap            EntryType = 0x81
	EntryTypeUpcaseTable            EntryType = 0x82
	EntryTypeVolumeLabel            EntryType = 0x83
	EntryTypeFile                   EntryType = 0x85
	EntryTypeVolumeGuid             EntryType = 0xa0
	EntryTypeTexFat                 EntryType = 0xa1
	EntryTypeFileStream             EntryType = 0xc0
	EntryTypeFileName               EntryType = 0xc1
	EntryTypeAllocationControlTable EntryType = 0xe2
)

// ClassifiedEntryTypes lists every type that the entry classifier can assign.
var ClassifiedEntryTypes = []EntryType{
	EntryTypeFile,
	EntryTypeDeletedFile,
	EntryTypeFileStream,
	EntryTypeDeletedFileStream,
	EntryTypeFileName,
	EntryTypeDeletedFileName,
	EntryTypeVolumeLabel,
	EntryTypeVolumeLabelEmpty,
	EntryTypeVolumeGuid,
	EntryTypeAllocBitmap,
	EntryTypeUpcaseTable,
	EntryTypeTexFat,
	EntryTypeAllocationControlTable,
}

func (et EntryType) IsEndOfDirectory() bool {
	return et == 0
}

func (et EntryType) IsUnusedEntryMarker() bool {
	return et >= 0x01 && et <= 0x7f
}

func (et EntryType) IsRegular() bool {
	return et >= 0x81 && et <= 0xff
}

func (et EntryType) TypeCode() int {
	return int(et & 31)
}

func (et EntryType) IsCritical() bool {
	return et&32 == 0
}

func (et EntryType) IsPrimary() bool {
	return et&64 == 0
}

func (et EntryType) IsInUse() bool {
	return et&128 > 0
}

// IsClassified indicates whether this is one of the types in
// ClassifiedEntryTypes.
func (et EntryType) IsClassified() bool {
	for _, current := range ClassifiedEntryTypes {
		if current == et {
			return true
		}
	}

	return false
}

// InUseVariant returns the in-use tag for a deleted file, stream, or name tag.
// Every other tag is returned as-is. The set checksum is computed before an
// entry set is marked deleted and is never updated afterward.
func (et EntryType) InUseVariant() EntryType {
	switch et {
	case EntryTypeDeletedFile:
		return EntryTypeFile
	case EntryTypeDeletedFileStream:
		return EntryTypeFileStream
	case EntryTypeDeletedFileName:
		return EntryTypeFileName
	}

	return et
}

// TypeName returns the short name of the classified type.
func (et EntryType) TypeName() string {
	switch et {
	case EntryTypeFile:
		return "File"
	case EntryTypeDeletedFile:
		return "DeletedFile"
	case EntryTypeFileStream:
		return "FileStream"
	case EntryTypeDeletedFileStream:
		return "DeletedFileStream"
	case EntryTypeFileName:
		return "FileName"
	case EntryTypeDeletedFileName:
		return "DeletedFileName"
	case EntryTypeVolumeLabel:
		return "VolumeLabel"
	case EntryTypeVolumeLabelEmpty:
		return "VolumeLabelEmpty"
	case EntryTypeVolumeGuid:
		return "VolumeGuid"
	case EntryTypeAllocBitmap:
		return "AllocBitmap"
	case EntryTypeUpcaseTable:
		return "UpcaseTable"
	case EntryTypeTexFat:
		return "TexFat"
	case EntryTypeAllocationControlTable:
		return "AllocationControlTable"
	case EntryTypeNone:
		return "None"
	}

	return "Unknown"
}

func (et EntryType) String() string {
	return fmt.Sprintf("EntryType<TAG=(0x%02x) NAME=[%s] TYPE-CODE=(%d) IS-CRITICAL=[%v] IS-PRIMARY=[%v] IS-IN-USE=[%v]>", uint8(et), et.TypeName(), et.TypeCode(), et.IsCritical(), et.IsPrimary(), et.IsInUse())
}

// DirectoryEntryParserKey is the (type code, importance, category) triple
// that identifies an entry layout. The in-use bit is not part of it, so a
// deleted entry decodes with the same layout as its in-use twin.
type DirectoryEntryParserKey struct {
	typeCode   int
	isCritical bool
	isPrimary  bool
}

func (depk DirectoryEntryParserKey) String() string {
	return fmt.Sprintf("DirectoryEntryParserKey<TYPE-CODE=(%d) IS-CRITICAL=[%v] IS-PRIMARY=[%v]>", depk.typeCode, depk.isCritical, depk.isPrimary)
}

var (
	directoryEntryParsers = map[DirectoryEntryParserKey]reflect.Type{
		// Critical primary
		DirectoryEntryParserKey{typeCode: 1, isCritical: true, isPrimary: true}: reflect.TypeOf(ExfatAllocationBitmapDirectoryEntry{}),
		DirectoryEntryParserKey{typeCode: 2, isCritical: true, isPrimary: true}: reflect.TypeOf(ExfatUpcaseTableDirectoryEntry{}),
		DirectoryEntryParserKey{typeCode: 3, isCritical: true, isPrimary: true}: reflect.TypeOf(ExfatVolumeLabelDirectoryEntry{}),
		DirectoryEntryParserKey{typeCode: 5, isCritical: true, isPrimary: true}: reflect.TypeOf(ExfatFileDirectoryEntry{}),

		// Benign primary
		DirectoryEntryParserKey{typeCode: 0, isCritical: false, isPrimary: true}: reflect.TypeOf(ExfatVolumeGuidDirectoryEntry{}),
		DirectoryEntryParserKey{typeCode: 1, isCritical: false, isPrimary: true}: reflect.TypeOf(ExfatTexFATDirectoryEntry{}),

		// Critical secondary
		DirectoryEntryParserKey{typeCode: 0, isCritical: true, isPrimary: false}: reflect.TypeOf(ExfatStreamExtensionDirectoryEntry{}),
		DirectoryEntryParserKey{typeCode: 1, isCritical: true, isPrimary: false}: reflect.TypeOf(ExfatFileNameDirectoryEntry{}),

		// Benign secondary
		DirectoryEntryParserKey{typeCode: 2, isCritical: false, isPrimary: false}: reflect.TypeOf(ExfatAllocationControlTableDirectoryEntry{}),
	}
)

// DirectoryEntry is implemented by every decoded entry layout.
type DirectoryEntry interface {
	TypeName() string
}

// PrimaryDirectoryEntry is implemented by the primary layouts that declare a
// number of trailing secondary entries.
type PrimaryDirectoryEntry interface {
	SecondaryCount() uint8
}

type ExfatTimestamp uint32

func (et ExfatTimestamp) Second() int {
	return int(et&31) * 2
}

func (et ExfatTimestamp) Minute() int {
	return int(et&2016) >> 5
}

func (et ExfatTimestamp) Hour() int {
	return int(et&63488) >> 11
}

func (et ExfatTimestamp) Day() int {
	return int(et&2031616) >> 16
}

func (et ExfatTimestamp) Month() int {
	return int(et&31457280) >> 21
}

func (et ExfatTimestamp) Year() int {
	return 1980 + int(uint32(et)&4261412864>>25)
}

// IsValid checks the field ranges. A zero timestamp is valid (never set).
func (et ExfatTimestamp) IsValid() bool {
	if et == 0 {
		return true
	}

	return et.Month() >= 1 && et.Month() <= 12 &&
		et.Day() >= 1 && et.Day() <= 31 &&
		et.Hour() < 24 && et.Minute() < 60 && et.Second() < 60
}

func (et ExfatTimestamp) Timestamp() time.Time {
	return time.Date(et.Year(), time.Month(et.Month()), et.Day(), et.Hour(), et.Minute(), et.Second(), 0, time.UTC)
}

func (et ExfatTimestamp) String() string {
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d", et.Year(), et.Month(), et.Day(), et.Hour(), et.Minute(), et.Second())
}

type FileAttributes uint16

const (
	FileAttributeReadOnly  FileAttributes = 1
	FileAttributeHidden    FileAttributes = 2
	FileAttributeSystem    FileAttributes = 4
	FileAttributeDirectory FileAttributes = 16
	FileAttributeArchive   FileAttributes = 32
)

func (fa FileAttributes) IsReadOnly() bool {
	return fa&FileAttributeReadOnly > 0
}

func (fa FileAttributes) IsHidden() bool {
	return fa&FileAttributeHidden > 0
}

func (fa FileAttributes) IsSystem() bool {
	return fa&FileAttributeSystem > 0
}

func (fa FileAttributes) IsDirectory() bool {
	return fa&FileAttributeDirectory > 0
}

func (fa FileAttributes) IsArchive() bool {
	return fa&FileAttributeArchive > 0
}

func (fa FileAttributes) String() string {
	return fmt.Sprintf("FileAttributes<IS-READONLY=[%v] IS-HIDDEN=[%v] IS-SYSTEM=[%v] IS-DIRECTORY=[%v] IS-ARCHIVE=[%v]>",
		fa.IsReadOnly(), fa.IsHidden(), fa.IsSystem(), fa.IsDirectory(), fa.IsArchive())
}

// ExfatFileDirectoryEntry is the primary entry of a file or directory entry
// set (section 7.4).
type ExfatFileDirectoryEntry struct {
	EntryType                 EntryType
	SecondaryCount_           uint8
	SetChecksum               uint16
	FileAttributes            FileAttributes
	Reserved1                 uint16
	CreateTimestamp           ExfatTimestamp
	LastModifiedTimestamp     ExfatTimestamp
	LastAccessedTimestamp     ExfatTimestamp
	Create10msIncrement       uint8
	LastModified10msIncrement uint8
	CreateUtcOffset           uint8
	LastModifiedUtcOffset     uint8
	LastAccessedUtcOffset     uint8
	Reserved2                 [7]byte
}

func (fdf ExfatFileDirectoryEntry) String() string {
	return fmt.Sprintf("FileDirectoryEntry<SECONDARY-COUNT=(%d) SET-CHECKSUM=(0x%04x) CTIME=[%s] MTIME=[%s] ATIME=[%s]>",
		fdf.SecondaryCount_, fdf.SetChecksum,
		fdf.CreateTimestamp, fdf.LastModifiedTimestamp, fdf.LastAccessedTimestamp)
}

func (fdf ExfatFileDirectoryEntry) SecondaryCount() uint8 {
	return fdf.SecondaryCount_
}

func (ExfatFileDirectoryEntry) TypeName() string {
	return "File"
}

type ExfatAllocationBitmapDirectoryEntry struct {
	EntryType    EntryType
	BitmapFlags  uint8
	Reserved     [18]byte
	FirstCluster uint32
	DataLength   uint64
}

func (abde ExfatAllocationBitmapDirectoryEntry) String() string {
	return fmt.Sprintf("AllocationBitmapDirectoryEntry<BITMAP-FLAGS=[%08b] FIRST-CLUSTER=(%d) DATA-LENGTH=(%d)>", abde.BitmapFlags, abde.FirstCluster, abde.DataLength)
}

func (ExfatAllocationBitmapDirectoryEntry) TypeName() string {
	return "AllocationBitmap"
}

type ExfatUpcaseTableDirectoryEntry struct {
	EntryType     EntryType
	Reserved1     [3]byte
	TableChecksum uint32
	Reserved2     [12]byte
	FirstCluster  uint32
	DataLength    uint64
}

func (utde ExfatUpcaseTableDirectoryEntry) String() string {
	return fmt.Sprintf("UpcaseTableDirectoryEntry<TABLE-CHECKSUM=[%08x] FIRST-CLUSTER=(%d) DATA-LENGTH=(%d)>", utde.TableChecksum, utde.FirstCluster, utde.DataLength)
}

func (ExfatUpcaseTableDirectoryEntry) TypeName() string {
	return "UpcaseTable"
}

type ExfatVolumeLabelDirectoryEntry struct {
	EntryType      EntryType
	CharacterCount uint8

	// VolumeLabel holds up to eleven UTF-16 units; the eight reserved bytes
	// that follow are folded in since some tools write into them.
	VolumeLabel [30]byte
}

func (vlde ExfatVolumeLabelDirectoryEntry) String() string {
	return fmt.Sprintf("VolumeLabelDirectoryEntry<CHARACTER-COUNT=(%d)>", vlde.CharacterCount)
}

func (ExfatVolumeLabelDirectoryEntry) TypeName() string {
	return "VolumeLabel"
}

type ExfatVolumeGuidDirectoryEntry struct {
	EntryType           EntryType
	SecondaryCount_     uint8
	SetChecksum         uint16
	GeneralPrimaryFlags uint16
	VolumeGuid          [16]byte
	Reserved            [10]byte
}

// Guid returns the volume GUID. It is stored in the mixed-endian Windows
// layout, so the first three groups are byte-swapped.
func (vgde ExfatVolumeGuidDirectoryEntry) Guid() uuid.UUID {
	var raw [16]byte
	copy(raw[:], vgde.VolumeGuid[:])

	raw[0], raw[1], raw[2], raw[3] = raw[3], raw[2], raw[1], raw[0]
	raw[4], raw[5] = raw[5], raw[4]
	raw[6], raw[7] = raw[7], raw[6]

	return uuid.UUID(raw)
}

func (vgde ExfatVolumeGuidDirectoryEntry) String() string {
	return fmt.Sprintf("VolumeGuidDirectoryEntry<SECONDARY-COUNT=(%d) SET-CHECKSUM=(0x%04x) GUID=[%s]>", vgde.SecondaryCount_, vgde.SetChecksum, vgde.Guid())
}

func (vgde ExfatVolumeGuidDirectoryEntry) SecondaryCount() uint8 {
	return vgde.SecondaryCount_
}

func (ExfatVolumeGuidDirectoryEntry) TypeName() string {
	return "VolumeGuid"
}

type ExfatTexFATDirectoryEntry struct {
	// Layout is vendor-defined.
	Reserved [32]byte
}

func (ExfatTexFATDirectoryEntry) String() string {
	return "TexFATDirectoryEntry<>"
}

func (ExfatTexFATDirectoryEntry) TypeName() string {
	return "TexFAT"
}

type ExfatAllocationControlTableDirectoryEntry struct {
	// Reserved: Windows CE only, undocumented.
	Reserved [32]byte
}

func (ExfatAllocationControlTableDirectoryEntry) String() string {
	return "AllocationControlTableDirectoryEntry<>"
}

func (ExfatAllocationControlTableDirectoryEntry) TypeName() string {
	return "AllocationControlTable"
}

const (
	// GeneralSecondaryFlagAllocationPossible is bit 0 of the secondary flags.
	GeneralSecondaryFlagAllocationPossible = 1

	// GeneralSecondaryFlagNoFatChain is bit 1 of the secondary flags.
	GeneralSecondaryFlagNoFatChain = 2
)

type ExfatStreamExtensionDirectoryEntry struct {
	EntryType             EntryType
	GeneralSecondaryFlags uint8
	Reserved1             [1]byte
	NameLength            uint8
	NameHash              uint16
	Reserved2             [2]byte
	ValidDataLength       uint64
	Reserved3             [4]byte
	FirstCluster          uint32
	DataLength            uint64
}

// NoFatChain indicates that the allocation is one contiguous run of clusters.
func (sede ExfatStreamExtensionDirectoryEntry) NoFatChain() bool {
	return sede.GeneralSecondaryFlags&GeneralSecondaryFlagNoFatChain > 0
}

func (sede ExfatStreamExtensionDirectoryEntry) String() string {
	return fmt.Sprintf("StreamExtensionDirectoryEntry<GENERAL-SECONDARY-FLAGS=(%08b) NAME-LENGTH=(%d) NAME-HASH=(%04x) VALID-DATA-LENGTH=(%d) FIRST-CLUSTER=(%d) DATA-LENGTH=(%d)>",
		sede.GeneralSecondaryFlags, sede.NameLength, sede.NameHash, sede.ValidDataLength, sede.FirstCluster, sede.DataLength)
}

func (ExfatStreamExtensionDirectoryEntry) TypeName() string {
	return "StreamExtension"
}

type ExfatFileNameDirectoryEntry struct {
	EntryType             EntryType
	GeneralSecondaryFlags uint8
	FileName              [30]byte
}

func (fnde ExfatFileNameDirectoryEntry) String() string {
	return fmt.Sprintf("FileNameDirectoryEntry<GENERAL-SECONDARY-FLAGS=(%08b)>", fnde.GeneralSecondaryFlags)
}

func (ExfatFileNameDirectoryEntry) TypeName() string {
	return "FileName"
}

// parseDirectoryEntry decodes the raw bytes of one entry into the struct for
// its layout. Deleted variants share the layout of their in-use twin.
func parseDirectoryEntry(entryType EntryType, directoryEntryData []byte) (parsed DirectoryEntry, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw)
			}
		}
	}()

	if len(directoryEntryData) != DirectoryEntryBytesCount {
		log.Panicf("directory-entry data is the wrong size: (%d)", len(directoryEntryData))
	}

	depk := DirectoryEntryParserKey{
		typeCode:   entryType.TypeCode(),
		isCritical: entryType.IsCritical(),
		isPrimary:  entryType.IsPrimary(),
	}

	structType, found := directoryEntryParsers[depk]
	if found == false {
		log.Panicf("no struct-type recorded for entry-type: %s", depk)
	}

	s := reflect.New(structType)
	x := s.Interface()

	err = restruct.Unpack(directoryEntryData, defaultEncoding, x)
	log.PanicIf(err)

	return x.(DirectoryEntry), nil
}
