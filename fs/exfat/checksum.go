package exfat

// UpdateEntrySetChecksum folds the bytes of one directory entry into a running
// entry-set checksum. The stored checksum of a file entry (bytes 2 and 3) is
// skipped. A deleted file, stream, or name tag is folded as its in-use tag.
func UpdateEntrySetChecksum(checksum uint16, directoryEntryData []byte, entryType EntryType) uint16 {
	isFileEntry := entryType == EntryTypeFile || entryType == EntryTypeDeletedFile

	for i, c := range directoryEntryData {
		if isFileEntry == true && (i == 2 || i == 3) {
			continue
		}

		byteToAdd := uint16(c)
		if i == 0 {
			byteToAdd = uint16(EntryType(c).InUseVariant())
		}

		checksum = (checksum<<15 | checksum>>1) + byteToAdd
	}

	return checksum
}

// EntrySetChecksum calculates the checksum of a complete entry set. The first
// entry must be the primary.
func EntrySetChecksum(entries [][]byte) (checksum uint16) {
	for _, directoryEntryData := range entries {
		if len(directoryEntryData) == 0 {
			continue
		}

		checksum = UpdateEntrySetChecksum(checksum, directoryEntryData, EntryType(directoryEntryData[0]))
	}

	return checksum
}
