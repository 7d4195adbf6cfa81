// This file gathers the raw entries of a single directory and hands them to the
// directory parser.

package exfat

import (
	"io"
	"reflect"

	"github.com/dsoprea/go-logging"
)

// ExfatNavigator knows how to get the entries of a single directory.
type ExfatNavigator struct {
	er                 *ExfatReader
	firstClusterNumber uint32

	// dataLength is zero for a chain that runs to the end of the FAT chain
	// (the root directory).
	dataLength uint64
	useFat     bool
}

// NewExfatNavigator returns a navigator for the root directory.
func NewExfatNavigator(er *ExfatReader) (en *ExfatNavigator) {
	return &ExfatNavigator{
		er:                 er,
		firstClusterNumber: er.FirstClusterOfRootDirectory(),
		useFat:             true,
	}
}

// NewExfatNavigatorFromStream returns a navigator for the directory described
// by the given stream entry.
func NewExfatNavigatorFromStream(er *ExfatReader, sede *ExfatStreamExtensionDirectoryEntry) (en *ExfatNavigator) {
	return &ExfatNavigator{
		er:                 er,
		firstClusterNumber: sede.FirstCluster,
		dataLength:         sede.DataLength,
		useFat:             sede.NoFatChain() == false,
	}
}

// FirstClusterNumber is the first cluster of the directory.
func (en *ExfatNavigator) FirstClusterNumber() uint32 {
	return en.firstClusterNumber
}

// DirectoryBuffer is the raw data of one directory along with the volume
// address of each of its sectors, in chain order.
type DirectoryBuffer struct {
	data            []byte
	sectorAddresses []uint64
	geometry        Geometry

	sectorIndices map[uint64]int
}

func newDirectoryBuffer(data []byte, sectorAddresses []uint64, geometry Geometry) *DirectoryBuffer {
	sectorIndices := make(map[uint64]int, len(sectorAddresses))
	for i, sectorAddress := range sectorAddresses {
		sectorIndices[sectorAddress] = i
	}

	return &DirectoryBuffer{
		data:            data,
		sectorAddresses: sectorAddresses,
		geometry:        geometry,
		sectorIndices:   sectorIndices,
	}
}

func (db *DirectoryBuffer) Data() []byte {
	return db.data
}

func (db *DirectoryBuffer) SectorAddresses() []uint64 {
	return db.sectorAddresses
}

// slotForInode returns the position of the entry in the buffer, counted in
// entries.
func (db *DirectoryBuffer) slotForInode(inodeAddress uint64) (slot int, ok bool) {
	sectorAddress, entryIndex, ok := db.geometry.InodeToSector(inodeAddress)
	if ok == false {
		return 0, false
	}

	sectorIndex, found := db.sectorIndices[sectorAddress]
	if found == false {
		return 0, false
	}

	return sectorIndex*int(db.geometry.EntriesPerSector()) + int(entryIndex), true
}

func (db *DirectoryBuffer) entryAtSlot(slot int) (de DirectoryEntry, entryType EntryType, err error) {
	if (slot+1)*DirectoryEntryBytesCount > len(db.data) {
		return nil, EntryTypeNone, nil
	}

	directoryEntryData := db.data[slot*DirectoryEntryBytesCount : (slot+1)*DirectoryEntryBytesCount]

	entryType = EntryType(directoryEntryData[0])
	if entryType.IsClassified() == false {
		return nil, EntryTypeNone, nil
	}

	de, err = parseDirectoryEntry(entryType, directoryEntryData)
	if err != nil {
		return nil, EntryTypeNone, err
	}

	return de, entryType, nil
}

// EntryForInode decodes the entry at the given inode address. A nil entry is
// returned if the address is not in this directory or has no classified
// entry.
func (db *DirectoryBuffer) EntryForInode(inodeAddress uint64) (de DirectoryEntry, entryType EntryType, err error) {
	slot, ok := db.slotForInode(inodeAddress)
	if ok == false {
		return nil, EntryTypeNone, nil
	}

	return db.entryAtSlot(slot)
}

// StreamEntryForInode returns the stream entry that follows the file entry at
// the given inode address. The next entry is taken from the next sector of the
// directory, not the next sector of the volume, when the file entry is the
// last of its sector. Nil is returned if there isn't a stream entry.
func (db *DirectoryBuffer) StreamEntryForInode(inodeAddress uint64) (sede *ExfatStreamExtensionDirectoryEntry, err error) {
	slot, ok := db.slotForInode(inodeAddress)
	if ok == false {
		return nil, nil
	}

	de, entryType, err := db.entryAtSlot(slot + 1)
	if err != nil {
		return nil, err
	}

	if entryType != EntryTypeFileStream && entryType != EntryTypeDeletedFileStream {
		return nil, nil
	}

	return de.(*ExfatStreamExtensionDirectoryEntry), nil
}

// ListNames recovers every name in the directory, including those of deleted
// entries.
func (db *DirectoryBuffer) ListNames(dp *DentryParser) (dl *DirectoryListing, err error) {
	dl = NewDirectoryListing()

	if len(db.data) == 0 {
		return dl, nil
	}

	err = dp.ParseBuffer(dl, db.data, db.sectorAddresses)
	if err != nil {
		return nil, err
	}

	return dl, nil
}

// ReadDirectory reads every sector of the directory.
func (en *ExfatNavigator) ReadDirectory() (db *DirectoryBuffer, err error) {
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

	geometry := en.er.Geometry()

	if en.firstClusterNumber == 0 {
		// An empty directory has no clusters.
		return newDirectoryBuffer([]byte{}, []uint64{}, geometry), nil
	}

	data, sectorAddresses, err := en.er.ReadClusterChain(en.firstClusterNumber, en.dataLength, en.useFat)
	log.PanicIf(err)

	return newDirectoryBuffer(data, sectorAddresses, geometry), nil
}

// ListNames reads the directory and recovers every name in it, including
// those of deleted entries.
func (en *ExfatNavigator) ListNames(dp *DentryParser) (dl *DirectoryListing, err error) {
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

	db, err := en.ReadDirectory()
	log.PanicIf(err)

	dl, err = db.ListNames(dp)
	log.PanicIf(err)

	return dl, nil
}

// EntryForInode decodes the directory entry at the given inode address. A nil
// entry is returned for an address with no classified entry. Only the entry
// itself is read; use DirectoryBuffer to find the entries that follow it.
func (er *ExfatReader) EntryForInode(inodeAddress uint64) (de DirectoryEntry, entryType EntryType, err error) {
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

	sectorAddress, entryIndex, ok := er.Geometry().InodeToSector(inodeAddress)
	if ok == false {
		return nil, EntryTypeNone, nil
	}

	data, err := er.ReadSector(sectorAddress)
	log.PanicIf(err)

	directoryEntryData := data[entryIndex*DirectoryEntryBytesCount : (entryIndex+1)*DirectoryEntryBytesCount]

	entryType = EntryType(directoryEntryData[0])
	if entryType.IsClassified() == false {
		return nil, EntryTypeNone, nil
	}

	de, err = parseDirectoryEntry(entryType, directoryEntryData)
	log.PanicIf(err)

	return de, entryType, nil
}

// WriteStreamData writes the valid data of the given stream to `w` and returns
// the number of bytes written.
func (er *ExfatReader) WriteStreamData(sede *ExfatStreamExtensionDirectoryEntry, w io.Writer) (n int, err error) {
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

	if sede.FirstCluster == 0 || sede.ValidDataLength == 0 {
		return 0, nil
	}

	data, _, err := er.ReadClusterChain(sede.FirstCluster, sede.ValidDataLength, sede.NoFatChain() == false)
	log.PanicIf(err)

	if uint64(len(data)) < sede.ValidDataLength {
		log.Panicf("stream data is short: (%d) < (%d)", len(data), sede.ValidDataLength)
	}

	n, err = w.Write(data[:sede.ValidDataLength])
	log.PanicIf(err)

	return n, nil
}
