package exfat

import (
	"unicode/utf8"

	"github.com/dsoprea/go-logging"
)

const (
	volumeLabelTag = " (Volume Label Entry)"
)

var (
	nameInfoLogger = log.NewLogger("exfat.name_info")
)

var (
	// virtualFileNames are the fixed names given to the single-entry metadata
	// objects.
	virtualFileNames = map[EntryType]string{
		EntryTypeVolumeGuid:             "$VOLUME_GUID",
		EntryTypeAllocBitmap:            "$ALLOC_BITMAP",
		EntryTypeUpcaseTable:            "$UPCASE_TABLE",
		EntryTypeTexFat:                 "$TEX_FAT",
		EntryTypeAllocationControlTable: "$ACT",
	}
)

// nameInfo accumulates the entry set currently being assembled. Exactly one
// set is open at a time. The instance is reset after every emission.
type nameInfo struct {
	sink         NameSink
	decoder      Utf16Decoder
	nameCapacity int

	// sectorIsAllocated is refreshed for every sector.
	sectorIsAllocated bool

	// lastEntryType is EntryTypeNone when no set is open.
	lastEntryType EntryType

	expectedSecondaryEntryCount int
	actualSecondaryEntryCount   int
	expectedChecksum            uint16
	actualChecksum              uint16

	// Name lengths are in UTF-16 code-units.
	expectedNameLength int
	actualNameLength   int

	name         []byte
	inodeAddress uint64
	nameType     NameType
	flags        NameFlags
}

func newNameInfo(sink NameSink, decoder Utf16Decoder, nameCapacity int) *nameInfo {
	ni := &nameInfo{
		sink:         sink,
		decoder:      decoder,
		nameCapacity: nameCapacity,
		name:         make([]byte, 0, nameCapacity),
	}

	ni.reset()

	return ni
}

func (ni *nameInfo) reset() {
	ni.lastEntryType = EntryTypeNone
	ni.expectedSecondaryEntryCount = 0
	ni.actualSecondaryEntryCount = 0
	ni.expectedChecksum = 0
	ni.actualChecksum = 0
	ni.expectedNameLength = 0
	ni.actualNameLength = 0
	ni.name = ni.name[:0]
	ni.inodeAddress = 0
	ni.nameType = NameTypeUndefined
	ni.flags = NameFlagAllocated
}

// finalize emits the pending name, if there is one, and closes the set. It is
// a no-op on a closed set.
func (ni *nameInfo) finalize() {
	if len(ni.name) > 0 {
		fn := FsName{
			InodeAddress: ni.inodeAddress,
			Type:         ni.nameType,
			Flags:        ni.flags,
			Name:         string(ni.name),
		}

		ni.sink.Add(fn)
	}

	ni.reset()
}

// finalizeEntrySet closes a set whose secondary count has been satisfied. The
// checksum is reported but does not gate the emission.
func (ni *nameInfo) finalizeEntrySet() {
	if ni.actualChecksum != ni.expectedChecksum {
		nameInfoLogger.Debugf(nil, "Entry-set checksum mismatch for inode (%d): (0x%04x) != (0x%04x)", ni.inodeAddress, ni.actualChecksum, ni.expectedChecksum)
	}

	ni.finalize()
}

func (ni *nameInfo) remainingNameCapacity() int {
	remaining := ni.nameCapacity - 1 - len(ni.name)
	if remaining < 0 {
		return 0
	}

	return remaining
}

// appendName appends as much of `s` as fits, cutting on a rune boundary.
func (ni *nameInfo) appendName(s string) {
	remaining := ni.remainingNameCapacity()

	if len(s) > remaining {
		cut := remaining
		for cut > 0 && utf8.RuneStart(s[cut]) == false {
			cut--
		}

		s = s[:cut]
	}

	ni.name = append(ni.name, s...)
}

func (ni *nameInfo) updateChecksum(entryType EntryType, directoryEntryData []byte) {
	ni.actualChecksum = UpdateEntrySetChecksum(ni.actualChecksum, directoryEntryData, entryType)
}

func (ni *nameInfo) parseFileEntry(entryType EntryType, directoryEntryData []byte, inodeAddress uint64) {
	// Starting a new set, so save the current name, if any.
	ni.finalize()

	de, err := parseDirectoryEntry(entryType, directoryEntryData)
	if err != nil {
		nameInfoLogger.Debugf(nil, "Could not decode file entry at inode (%d): [%s]", inodeAddress, err)
		return
	}

	fdf := de.(*ExfatFileDirectoryEntry)

	ni.lastEntryType = entryType
	ni.expectedSecondaryEntryCount = int(fdf.SecondaryCount_)
	ni.expectedChecksum = fdf.SetChecksum

	if fdf.FileAttributes.IsDirectory() == true {
		ni.nameType = NameTypeDirectory
	} else {
		ni.nameType = NameTypeRegular
	}

	// An in-use entry is only allocated if its sector is, too.
	if ni.sectorIsAllocated == true && entryType == EntryTypeFile {
		ni.flags = NameFlagAllocated
	} else {
		ni.flags = NameFlagUnallocated
	}

	ni.inodeAddress = inodeAddress

	ni.updateChecksum(entryType, directoryEntryData)
}

func (ni *nameInfo) parseFileStreamEntry(entryType EntryType, directoryEntryData []byte, inodeAddress uint64) {
	// A stream entry must directly follow a file entry, with the same in-use
	// state. Otherwise, this is a false positive or corruption.
	if ni.lastEntryType != EntryTypeFile && ni.lastEntryType != EntryTypeDeletedFile {
		ni.finalize()
		return
	} else if ni.lastEntryType.IsInUse() != entryType.IsInUse() {
		ni.finalize()
		return
	}

	de, err := parseDirectoryEntry(entryType, directoryEntryData)
	if err != nil {
		nameInfoLogger.Debugf(nil, "Could not decode stream entry at inode (%d): [%s]", inodeAddress, err)
		ni.finalize()
		return
	}

	sede := de.(*ExfatStreamExtensionDirectoryEntry)

	ni.lastEntryType = entryType
	ni.expectedNameLength = int(sede.NameLength)

	ni.updateChecksum(entryType, directoryEntryData)

	// Satisfying the count here is degenerate (there should be at least one
	// name entry), but the set is still complete.
	ni.actualSecondaryEntryCount++
	if ni.actualSecondaryEntryCount == ni.expectedSecondaryEntryCount {
		ni.finalizeEntrySet()
	}
}

func (ni *nameInfo) parseFileNameEntry(entryType EntryType, directoryEntryData []byte, inodeAddress uint64) {
	switch ni.lastEntryType {
	case EntryTypeFileStream, EntryTypeDeletedFileStream, EntryTypeFileName, EntryTypeDeletedFileName:
	default:
		ni.finalize()
		return
	}

	if ni.lastEntryType.IsInUse() != entryType.IsInUse() {
		ni.finalize()
		return
	}

	de, err := parseDirectoryEntry(entryType, directoryEntryData)
	if err != nil {
		nameInfoLogger.Debugf(nil, "Could not decode name entry at inode (%d): [%s]", inodeAddress, err)
		ni.finalize()
		return
	}

	fnde := de.(*ExfatFileNameDirectoryEntry)

	ni.lastEntryType = entryType

	charsToCopy := ni.expectedNameLength - ni.actualNameLength
	if charsToCopy > MaxFileNameSegmentLength {
		charsToCopy = MaxFileNameSegmentLength
	} else if charsToCopy < 0 {
		charsToCopy = 0
	}

	if charsToCopy > 0 && ni.remainingNameCapacity() > 0 {
		part, err := ni.decoder(fnde.FileName[:], charsToCopy)
		if err != nil {
			// Keep what was assembled before this segment.
			nameInfoLogger.Debugf(nil, "Could not decode name segment at inode (%d): [%s]", inodeAddress, err)
			ni.finalize()
			return
		}

		ni.appendName(part)
		ni.actualNameLength += charsToCopy
	}

	ni.updateChecksum(entryType, directoryEntryData)

	ni.actualSecondaryEntryCount++
	if ni.actualSecondaryEntryCount == ni.expectedSecondaryEntryCount {
		ni.finalizeEntrySet()
	}
}

func (ni *nameInfo) parseVolumeLabelEntry(entryType EntryType, directoryEntryData []byte, inodeAddress uint64) {
	ni.finalize()

	if entryType == EntryTypeVolumeLabelEmpty {
		return
	}

	de, err := parseDirectoryEntry(entryType, directoryEntryData)
	if err != nil {
		nameInfoLogger.Debugf(nil, "Could not decode volume-label entry at inode (%d): [%s]", inodeAddress, err)
		return
	}

	vlde := de.(*ExfatVolumeLabelDirectoryEntry)

	ni.lastEntryType = entryType

	characterCount := int(vlde.CharacterCount)
	if characterCount > MaxVolumeLabelLength {
		characterCount = MaxVolumeLabelLength
	}

	label, err := ni.decoder(vlde.VolumeLabel[:], characterCount)
	if err != nil {
		nameInfoLogger.Debugf(nil, "Could not decode volume label at inode (%d): [%s]", inodeAddress, err)
		ni.reset()
		return
	}

	ni.appendName(label)

	if len(ni.name)+len(volumeLabelTag) < ni.nameCapacity {
		ni.name = append(ni.name, volumeLabelTag...)
	}

	ni.nameType = NameTypeVirtual
	ni.inodeAddress = inodeAddress

	ni.finalize()
}

func (ni *nameInfo) parseSpecialFileEntry(entryType EntryType, inodeAddress uint64) {
	ni.finalize()

	ni.lastEntryType = entryType
	ni.inodeAddress = inodeAddress
	ni.nameType = NameTypeVirtual

	ni.appendName(virtualFileNames[entryType])

	ni.finalize()
}
