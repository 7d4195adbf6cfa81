package exfat

import (
	"fmt"
)

const (
	// RootDirectoryInode is the inode address of the root directory.
	RootDirectoryInode = 2

	// FirstNormalInode is the inode address of the first directory entry in the
	// first data sector. Every 32-byte slot of the data area has an address.
	FirstNormalInode = 3
)

// Geometry describes how sector addresses map onto inode addresses.
type Geometry struct {
	// SectorSize is the size of a sector in bytes.
	SectorSize uint32

	// FirstDataSector is the address of the first sector of the cluster heap.
	FirstDataSector uint64

	// SectorCount is the number of sectors in the volume.
	SectorCount uint64
}

// EntriesPerSector is the number of directory entries in one sector.
func (g Geometry) EntriesPerSector() uint64 {
	return uint64(g.SectorSize / DirectoryEntryBytesCount)
}

// SectorToInode returns the inode address of the first directory entry of the
// given sector. `ok` is false if the sector is outside the data area.
func (g Geometry) SectorToInode(sectorAddress uint64) (inodeAddress uint64, ok bool) {
	if sectorAddress < g.FirstDataSector || sectorAddress >= g.SectorCount {
		return 0, false
	}

	return (sectorAddress-g.FirstDataSector)*g.EntriesPerSector() + FirstNormalInode, true
}

// InodeToSector returns the sector that holds the directory entry for the
// given inode and the index of the entry within that sector.
func (g Geometry) InodeToSector(inodeAddress uint64) (sectorAddress uint64, entryIndex uint64, ok bool) {
	if g.IsInodeInRange(inodeAddress) == false {
		return 0, 0, false
	}

	entriesPerSector := g.EntriesPerSector()
	offset := inodeAddress - FirstNormalInode

	return g.FirstDataSector + offset/entriesPerSector, offset % entriesPerSector, true
}

// LastInode is the highest valid inode address.
func (g Geometry) LastInode() uint64 {
	if g.SectorCount <= g.FirstDataSector {
		return FirstNormalInode - 1
	}

	return (g.SectorCount-g.FirstDataSector)*g.EntriesPerSector() + FirstNormalInode - 1
}

// IsInodeInRange indicates whether the inode address can refer to a directory
// entry of this volume.
func (g Geometry) IsInodeInRange(inodeAddress uint64) bool {
	return inodeAddress >= FirstNormalInode && inodeAddress <= g.LastInode()
}

func (g Geometry) String() string {
	return fmt.Sprintf("Geometry<SECTOR-SIZE=(%d) FIRST-DATA-SECTOR=(%d) SECTOR-COUNT=(%d) LAST-INODE=(%d)>", g.SectorSize, g.FirstDataSector, g.SectorCount, g.LastInode())
}

// VolumeInfo is what the directory parser needs to know about the volume.
type VolumeInfo interface {
	// Geometry returns the sector/inode layout.
	Geometry() Geometry

	// IsSectorAllocated reports whether the sector is allocated. An error means
	// that the state could not be determined.
	IsSectorAllocated(sectorAddress uint64) (isAllocated bool, err error)
}
