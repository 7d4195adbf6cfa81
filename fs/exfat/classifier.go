//go:generate mockgen -source=classifier.go -destination=mock_classifier_test.go -package=exfat

package exfat

import (
	"github.com/dsoprea/go-logging"
)

var (
	classifierLogger = log.NewLogger("exfat.classifier")
)

// EntryClassifier decides what role a raw 32-byte buffer plays in a directory.
// When `assumeAllocated` is true the caller trusts that the bytes came from a
// live directory, so only basic checks are required. Otherwise the buffer may
// be slack or stale data and is tested in depth. Anything that is not a
// directory entry is EntryTypeNone.
type EntryClassifier interface {
	Classify(directoryEntryData []byte, assumeAllocated bool) EntryType
}

// DefaultEntryClassifier validates entries against the cluster range of a
// volume. A zero ClusterCount disables cluster-range checks.
type DefaultEntryClassifier struct {
	ClusterCount uint32
}

// NewDefaultEntryClassifier returns a classifier for a volume with the given
// number of heap clusters.
func NewDefaultEntryClassifier(clusterCount uint32) *DefaultEntryClassifier {
	return &DefaultEntryClassifier{
		ClusterCount: clusterCount,
	}
}

func (dec *DefaultEntryClassifier) isClusterInRange(clusterNumber uint32) bool {
	if dec.ClusterCount == 0 {
		return true
	}

	return clusterNumber >= 2 && clusterNumber <= dec.ClusterCount+1
}

// Classify implements EntryClassifier.
func (dec *DefaultEntryClassifier) Classify(directoryEntryData []byte, assumeAllocated bool) EntryType {
	if len(directoryEntryData) != DirectoryEntryBytesCount {
		return EntryTypeNone
	}

	entryType := EntryType(directoryEntryData[0])
	if entryType.IsClassified() == false {
		return EntryTypeNone
	}

	de, err := parseDirectoryEntry(entryType, directoryEntryData)
	if err != nil {
		classifierLogger.Debugf(nil, "Could not decode entry with tag (0x%02x): [%s]", uint8(entryType), err)
		return EntryTypeNone
	}

	if dec.isValid(entryType, de, assumeAllocated) == false {
		return EntryTypeNone
	}

	return entryType
}

func (dec *DefaultEntryClassifier) isValid(entryType EntryType, de DirectoryEntry, assumeAllocated bool) bool {
	switch entryType {
	case EntryTypeFile, EntryTypeDeletedFile:
		fdf := de.(*ExfatFileDirectoryEntry)

		if fdf.SecondaryCount_ < MinFileSecondaryCount || fdf.SecondaryCount_ > MaxFileSecondaryCount {
			return false
		} else if assumeAllocated == true {
			return true
		}

		return fdf.CreateTimestamp.IsValid() == true &&
			fdf.LastModifiedTimestamp.IsValid() == true &&
			fdf.LastAccessedTimestamp.IsValid() == true

	case EntryTypeFileStream, EntryTypeDeletedFileStream:
		if assumeAllocated == true {
			return true
		}

		sede := de.(*ExfatStreamExtensionDirectoryEntry)

		if sede.NameLength == 0 {
			return false
		} else if sede.ValidDataLength > sede.DataLength {
			return false
		} else if sede.FirstCluster != 0 && dec.isClusterInRange(sede.FirstCluster) == false {
			return false
		}

		return true

	case EntryTypeFileName, EntryTypeDeletedFileName:
		if assumeAllocated == true {
			return true
		}

		fnde := de.(*ExfatFileNameDirectoryEntry)
		return fnde.GeneralSecondaryFlags == 0

	case EntryTypeVolumeLabel:
		vlde := de.(*ExfatVolumeLabelDirectoryEntry)
		return vlde.CharacterCount <= MaxVolumeLabelLength

	case EntryTypeVolumeLabelEmpty:
		return true

	case EntryTypeVolumeGuid:
		if assumeAllocated == true {
			return true
		}

		vgde := de.(*ExfatVolumeGuidDirectoryEntry)
		return vgde.SecondaryCount_ == 0

	case EntryTypeAllocBitmap:
		if assumeAllocated == true {
			return true
		}

		abde := de.(*ExfatAllocationBitmapDirectoryEntry)
		return abde.BitmapFlags <= 1 && abde.DataLength > 0 && dec.isClusterInRange(abde.FirstCluster) == true

	case EntryTypeUpcaseTable:
		if assumeAllocated == true {
			return true
		}

		utde := de.(*ExfatUpcaseTableDirectoryEntry)
		return utde.DataLength > 0 && dec.isClusterInRange(utde.FirstCluster) == true

	case EntryTypeTexFat, EntryTypeAllocationControlTable:
		return true
	}

	return false
}
