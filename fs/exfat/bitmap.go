package exfat

import (
	"errors"
	"reflect"

	"github.com/dsoprea/go-logging"
)

var (
	// ErrSectorLookup indicates that the allocation state of a sector could not
	// be determined.
	ErrSectorLookup = errors.New("sector allocation lookup failed")
)

// AllocationBitmap has one bit per heap cluster, cluster (2) first.
type AllocationBitmap struct {
	data         []byte
	clusterCount uint32
}

// NewAllocationBitmap wraps raw bitmap data for a heap of the given size.
func NewAllocationBitmap(data []byte, clusterCount uint32) AllocationBitmap {
	return AllocationBitmap{
		data:         data,
		clusterCount: clusterCount,
	}
}

// IsLoaded indicates whether any bitmap data is present.
func (ab AllocationBitmap) IsLoaded() bool {
	return ab.data != nil
}

// IsClusterAllocated returns the bit for the given cluster. `ok` is false if
// the bitmap does not cover it.
func (ab AllocationBitmap) IsClusterAllocated(clusterNumber uint32) (isAllocated bool, ok bool) {
	if clusterNumber < 2 || clusterNumber-2 >= ab.clusterCount {
		return false, false
	}

	bitIndex := clusterNumber - 2
	byteIndex := int(bitIndex / 8)

	if byteIndex >= len(ab.data) {
		return false, false
	}

	return ab.data[byteIndex]&(1<<(bitIndex%8)) != 0, true
}

// AllocatedClusterCount counts the set bits.
func (ab AllocationBitmap) AllocatedClusterCount() (count uint32) {
	for clusterNumber := uint32(2); clusterNumber-2 < ab.clusterCount; clusterNumber++ {
		if isAllocated, ok := ab.IsClusterAllocated(clusterNumber); ok == true && isAllocated == true {
			count++
		}
	}

	return count
}

// findAllocationBitmapEntry scans the root directory for the bitmap entry that
// goes with the active FAT.
func (er *ExfatReader) findAllocationBitmapEntry() (abde *ExfatAllocationBitmapDirectoryEntry, err error) {
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

	wantedFlags := uint8(0)
	if er.bootRegion.bsh.VolumeFlags.UseSecondFat() == true {
		wantedFlags = 1
	}

	buffer, _, err := er.ReadClusterChain(er.FirstClusterOfRootDirectory(), 0, true)
	log.PanicIf(err)

	for i := 0; i+DirectoryEntryBytesCount <= len(buffer); i += DirectoryEntryBytesCount {
		entryType := EntryType(buffer[i])

		if entryType.IsEndOfDirectory() == true {
			break
		} else if entryType != EntryTypeAllocBitmap {
			continue
		}

		de, err := parseDirectoryEntry(entryType, buffer[i:i+DirectoryEntryBytesCount])
		log.PanicIf(err)

		current := de.(*ExfatAllocationBitmapDirectoryEntry)
		if current.BitmapFlags&1 == wantedFlags {
			return current, nil
		}
	}

	return nil, nil
}

// LoadAllocationBitmap reads the allocation bitmap of the active FAT. Parse()
// must have been called.
func (er *ExfatReader) LoadAllocationBitmap() (err error) {
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

	abde, err := er.findAllocationBitmapEntry()
	log.PanicIf(err)

	if abde == nil {
		log.Panicf("no allocation-bitmap entry in the root directory")
	}

	clusterCount := er.ClusterCount()

	requiredLength := (uint64(clusterCount) + 7) / 8
	if abde.DataLength < requiredLength {
		log.Panicf("allocation bitmap too small: (%d) < (%d)", abde.DataLength, requiredLength)
	}

	data, _, err := er.ReadClusterChain(abde.FirstCluster, abde.DataLength, true)
	log.PanicIf(err)

	if uint64(len(data)) > abde.DataLength {
		data = data[:abde.DataLength]
	}

	er.bitmap = NewAllocationBitmap(data, clusterCount)

	volumeLogger.Debugf(nil, "Loaded allocation bitmap: (%d) of (%d) clusters allocated.", er.bitmap.AllocatedClusterCount(), clusterCount)

	return nil
}

// AllocationBitmap returns the loaded bitmap.
func (er *ExfatReader) AllocationBitmap() AllocationBitmap {
	return er.bitmap
}

// IsSectorAllocated implements VolumeInfo. Sectors ahead of the cluster heap
// hold filesystem metadata and are always allocated. Sectors past the last
// cluster are never allocated.
func (er *ExfatReader) IsSectorAllocated(sectorAddress uint64) (isAllocated bool, err error) {
	bsh := er.bootRegion.bsh

	if sectorAddress >= bsh.VolumeLength {
		return false, log.Wrap(ErrSectorLookup)
	} else if sectorAddress < uint64(bsh.ClusterHeapOffset) {
		return true, nil
	} else if er.bitmap.IsLoaded() == false {
		return false, log.Wrap(ErrSectorLookup)
	}

	clusterIndex := (sectorAddress - uint64(bsh.ClusterHeapOffset)) / uint64(er.SectorsPerCluster())
	if clusterIndex >= uint64(bsh.ClusterCount) {
		return false, nil
	}

	isAllocated, ok := er.bitmap.IsClusterAllocated(uint32(clusterIndex) + 2)
	if ok == false {
		return false, log.Wrap(ErrSectorLookup)
	}

	return isAllocated, nil
}
