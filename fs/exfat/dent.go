// This file recovers the logical names in a buffer of raw directory entries.

package exfat

import (
	"errors"
	"reflect"

	"github.com/dsoprea/go-logging"
)

const (
	// corruptLeadInEntryCount is the number of leading entries that, if none of
	// them classify, mark the whole directory as suspect.
	corruptLeadInEntryCount = 4
)

var (
	dentLogger = log.NewLogger("exfat.dent")
)

var (
	// ErrInvalidArgument is returned for missing collaborators or an empty
	// buffer.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCorruptDirectory is returned when a sector or entry maps outside of the
	// inode range of the volume. Names found before that point have already
	// been added to the sink.
	ErrCorruptDirectory = errors.New("directory is corrupt")
)

// DentryParserOption configures a DentryParser.
type DentryParserOption func(dp *DentryParser)

// WithEntryClassifier replaces the default classifier.
func WithEntryClassifier(ec EntryClassifier) DentryParserOption {
	return func(dp *DentryParser) {
		dp.classifier = ec
	}
}

// WithNameDecoder replaces the default UTF-16 decoder.
func WithNameDecoder(decoder Utf16Decoder) DentryParserOption {
	return func(dp *DentryParser) {
		dp.decoder = decoder
	}
}

// WithNameCapacity sets the capacity, in bytes, of an assembled name. One byte
// is always held back, so names are at most `capacity`-1 bytes.
func WithNameCapacity(capacity int) DentryParserOption {
	return func(dp *DentryParser) {
		dp.nameCapacity = capacity
	}
}

// DentryParser turns buffers of raw directory entries into names.
type DentryParser struct {
	vi           VolumeInfo
	classifier   EntryClassifier
	decoder      Utf16Decoder
	nameCapacity int
}

// NewDentryParser returns a parser for directories of the given volume. If the
// volume can report its cluster count, the default classifier checks cluster
// ranges against it.
func NewDentryParser(vi VolumeInfo, options ...DentryParserOption) *DentryParser {
	dp := &DentryParser{
		vi:           vi,
		decoder:      DecodeUtf16Name,
		nameCapacity: MaxNameLengthUtf8,
	}

	for _, option := range options {
		option(dp)
	}

	if dp.classifier == nil {
		clusterCount := uint32(0)
		if cc, ok := vi.(interface{ ClusterCount() uint32 }); ok == true {
			clusterCount = cc.ClusterCount()
		}

		dp.classifier = NewDefaultEntryClassifier(clusterCount)
	}

	return dp
}

// ParseBuffer walks `buffer` sector by sector and entry by entry, and adds a
// name to `sink` for every entry set that completes or is abandoned with a
// partial name. `sectorAddresses` holds the volume address of each sector in
// the buffer. A trailing partial sector is ignored.
//
// Only invalid arguments and inode addresses outside of the volume fail the
// parse. Every other anomaly closes the current entry set and parsing
// continues.
func (dp *DentryParser) ParseBuffer(sink NameSink, buffer []byte, sectorAddresses []uint64) (err error) {
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

	if dp.vi == nil || dp.classifier == nil || dp.decoder == nil || sink == nil || buffer == nil || sectorAddresses == nil {
		return log.Wrap(ErrInvalidArgument)
	} else if len(buffer) == 0 || dp.nameCapacity < 2 {
		return log.Wrap(ErrInvalidArgument)
	}

	geometry := dp.vi.Geometry()

	sectorSize := int(geometry.SectorSize)
	if sectorSize < DirectoryEntryBytesCount || sectorSize%DirectoryEntryBytesCount != 0 {
		return log.Wrap(ErrInvalidArgument)
	}

	sectorCount := len(buffer) / sectorSize
	if len(sectorAddresses) < sectorCount {
		return log.Wrap(ErrInvalidArgument)
	}

	entriesPerSector := sectorSize / DirectoryEntryBytesCount
	lastInode := geometry.LastInode()

	ni := newNameInfo(sink, dp.decoder, dp.nameCapacity)

	entriesCount := 0
	invalidEntriesCount := 0
	isCorruptDirectory := false

	for sectorIndex := 0; sectorIndex < sectorCount; sectorIndex++ {
		sectorAddress := sectorAddresses[sectorIndex]

		baseInode, ok := geometry.SectorToInode(sectorAddress)
		if ok == false || baseInode > lastInode {
			dentLogger.Warningf(nil, "Inode address for sector (%d) at index (%d) is out of range.", sectorAddress, sectorIndex)
			return log.Wrap(ErrCorruptDirectory)
		}

		dentLogger.Debugf(nil, "Parsing sector (%d).", sectorAddress)

		isAllocated, err := dp.vi.IsSectorAllocated(sectorAddress)
		if err != nil {
			dentLogger.Debugf(nil, "Error looking up allocation status of sector (%d); skipping: [%s]", sectorAddress, err)
			continue
		}

		ni.sectorIsAllocated = isAllocated

		sectorData := buffer[sectorIndex*sectorSize : (sectorIndex+1)*sectorSize]

		for entryIndex := 0; entryIndex < entriesPerSector; entryIndex++ {
			directoryEntryData := sectorData[entryIndex*DirectoryEntryBytesCount : (entryIndex+1)*DirectoryEntryBytesCount]
			inodeAddress := baseInode + uint64(entryIndex)

			entriesCount++

			if geometry.IsInodeInRange(inodeAddress) == false {
				dentLogger.Warningf(nil, "Inode address (%d) for entry (%d) of sector (%d) is out of range.", inodeAddress, entryIndex, sectorAddress)
				return log.Wrap(ErrCorruptDirectory)
			}

			entryType := dp.classifier.Classify(directoryEntryData, isCorruptDirectory == false && isAllocated == true)

			if dp.dispatch(ni, entryType, directoryEntryData, inodeAddress) == false {
				invalidEntriesCount++

				// If the first few putative entries are not entries, test
				// every later entry in depth, even in allocated sectors.
				if entriesCount == corruptLeadInEntryCount && invalidEntriesCount == corruptLeadInEntryCount {
					dentLogger.Debugf(nil, "First (%d) entries are invalid; treating directory as corrupt.", corruptLeadInEntryCount)
					isCorruptDirectory = true
				}

				ni.finalize()
			}
		}
	}

	// Save the last name, if any.
	ni.finalize()

	return nil
}

// dispatch hands an entry to the handler for its type. It returns false for
// anything that is not a classified entry type.
func (dp *DentryParser) dispatch(ni *nameInfo, entryType EntryType, directoryEntryData []byte, inodeAddress uint64) bool {
	switch entryType {
	case EntryTypeFile, EntryTypeDeletedFile:
		ni.parseFileEntry(entryType, directoryEntryData, inodeAddress)
	case EntryTypeFileStream, EntryTypeDeletedFileStream:
		ni.parseFileStreamEntry(entryType, directoryEntryData, inodeAddress)
	case EntryTypeFileName, EntryTypeDeletedFileName:
		ni.parseFileNameEntry(entryType, directoryEntryData, inodeAddress)
	case EntryTypeVolumeLabel, EntryTypeVolumeLabelEmpty:
		ni.parseVolumeLabelEntry(entryType, directoryEntryData, inodeAddress)
	case EntryTypeVolumeGuid, EntryTypeAllocBitmap, EntryTypeUpcaseTable, EntryTypeTexFat, EntryTypeAllocationControlTable:
		ni.parseSpecialFileEntry(entryType, inodeAddress)
	default:
		return false
	}

	return true
}

// ParseDirectoryBuffer parses one directory buffer with the default
// collaborators.
func ParseDirectoryBuffer(vi VolumeInfo, sink NameSink, buffer []byte, sectorAddresses []uint64) (err error) {
	if vi == nil {
		return log.Wrap(ErrInvalidArgument)
	}

	dp := NewDentryParser(vi)

	err = dp.ParseBuffer(sink, buffer, sectorAddresses)
	if err != nil {
		return err
	}

	return nil
}
