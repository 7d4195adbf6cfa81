// This file manages the low-level, on-disk volume structures: the boot
// sector, the FAT, and cluster/sector access.

package exfat

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"reflect"

	"encoding/binary"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

const (
	bootSectorHeaderSize        = 512
	mainExtendedBootSectorCount = 8
)

var (
	requiredJumpBootSignature     = []byte{0xeb, 0x76, 0x90}
	requiredFileSystemName        = []byte("EXFAT   ")
	requiredBootSignature         = uint16(0xaa55)
	requiredExtendedBootSignature = uint32(0xaa550000)
)

var (
	// ErrNotExfat indicates that the boot sector does not describe an exFAT
	// volume.
	ErrNotExfat = errors.New("not an exFAT volume")

	// ErrCorruptClusterChain indicates a cluster chain that leaves the heap or
	// loops.
	ErrCorruptClusterChain = errors.New("cluster chain is corrupt")
)

var (
	volumeLogger = log.NewLogger("exfat.volume")
)

type bootRegion struct {
	bsh BootSectorHeader
}

// ExfatReader knows where to find the statically-located structures, how to
// parse them, and how to find clusters and chains of clusters.
type ExfatReader struct {
	rs io.ReadSeeker

	bootRegion bootRegion

	activeFat Fat
	bitmap    AllocationBitmap
}

// NewExfatReader returns a new instance of ExfatReader.
func NewExfatReader(rs io.ReadSeeker) *ExfatReader {
	return &ExfatReader{
		rs: rs,
	}
}

func (er *ExfatReader) readAt(offset int64, raw []byte) (err error) {
	_, err = er.rs.Seek(offset, io.SeekStart)
	if err != nil {
		return err
	}

	_, err = io.ReadFull(er.rs, raw)
	return err
}

// BootSectorHeader describes the main set of filesystem parameters (section
// 3.1).
type BootSectorHeader struct {
	JumpBoot                    [3]byte
	FileSystemName              [8]byte
	MustBeZero                  [53]byte
	PartitionOffset             uint64
	VolumeLength                uint64
	FatOffset                   uint32
	FatLength                   uint32
	ClusterHeapOffset           uint32
	ClusterCount                uint32
	FirstClusterOfRootDirectory uint32
	VolumeSerialNumber          uint32
	FileSystemRevision          [2]uint8
	VolumeFlags                 VolumeFlags
	BytesPerSectorShift         uint8
	SectorsPerClusterShift      uint8
	NumberOfFats                uint8
	DriveSelect                 uint8
	PercentInUse                uint8
	Reserved                    [7]byte
	BootCode                    [390]byte
	BootSignature               uint16
}

const (
	VolumeFlagActiveFat    VolumeFlags = 1
	VolumeFlagVolumeDirty  VolumeFlags = 2
	VolumeFlagMediaFailure VolumeFlags = 4
	VolumeFlagClearToZero  VolumeFlags = 8
)

// VolumeFlags represents some state flags for the filesystem.
type VolumeFlags uint16

// UseFirstFat indicates whether the first FAT should be used.
func (vf VolumeFlags) UseFirstFat() bool {
	return vf&VolumeFlagActiveFat == 0
}

// UseSecondFat indicates whether the second FAT should be used.
func (vf VolumeFlags) UseSecondFat() bool {
	return vf&VolumeFlagActiveFat > 0
}

// IsDirty indicates that the volume was not cleanly unmounted.
func (vf VolumeFlags) IsDirty() bool {
	return vf&VolumeFlagVolumeDirty > 0
}

// HasHadMediaFailures indicates whether media-errors have been detected.
func (vf VolumeFlags) HasHadMediaFailures() bool {
	return vf&VolumeFlagMediaFailure > 0
}

// SectorSize returns the effective sector-size.
func (bsh BootSectorHeader) SectorSize() uint32 {
	return uint32(1) << bsh.BytesPerSectorShift
}

// SectorsPerCluster returns the effective sectors-per-cluster count.
func (bsh BootSectorHeader) SectorsPerCluster() uint32 {
	return uint32(1) << bsh.SectorsPerClusterShift
}

// Dump prints the BSH parameters along with the common calculated ones.
func (bsh BootSectorHeader) Dump() {
	fmt.Printf("Boot Sector Header\n")
	fmt.Printf("==================\n")
	fmt.Printf("\n")

	fmt.Printf("PartitionOffset: (%d)\n", bsh.PartitionOffset)
	fmt.Printf("VolumeLength: (%d)\n", bsh.VolumeLength)
	fmt.Printf("FatOffset: (%d)\n", bsh.FatOffset)
	fmt.Printf("FatLength: (%d)\n", bsh.FatLength)
	fmt.Printf("ClusterHeapOffset: (%d)\n", bsh.ClusterHeapOffset)
	fmt.Printf("ClusterCount: (%d)\n", bsh.ClusterCount)
	fmt.Printf("FirstClusterOfRootDirectory: (%d)\n", bsh.FirstClusterOfRootDirectory)
	fmt.Printf("VolumeSerialNumber: (0x%08x)\n", bsh.VolumeSerialNumber)
	fmt.Printf("FileSystemRevision: (0x%02x) (0x%02x)\n", bsh.FileSystemRevision[1], bsh.FileSystemRevision[0])
	fmt.Printf("-> Sector-size: 2^(%d) -> %d\n", bsh.BytesPerSectorShift, bsh.SectorSize())
	fmt.Printf("-> Sectors-per-cluster: 2^(%d) -> %d\n", bsh.SectorsPerClusterShift, bsh.SectorsPerCluster())
	fmt.Printf("NumberOfFats: (%d)\n", bsh.NumberOfFats)
	fmt.Printf("PercentInUse: (%d)\n", bsh.PercentInUse)
	fmt.Printf("VolumeFlags: (%016b) DIRTY=[%v] MEDIA-FAILURE=[%v]\n", bsh.VolumeFlags, bsh.VolumeFlags.IsDirty(), bsh.VolumeFlags.HasHadMediaFailures())
	fmt.Printf("\n")
}

func (bsh BootSectorHeader) String() string {
	return fmt.Sprintf("BootSector<SN=(0x%08x) REVISION=(0x%02x)-(0x%02x)>", bsh.VolumeSerialNumber, bsh.FileSystemRevision[1], bsh.FileSystemRevision[0])
}

func (er *ExfatReader) readBootSectorHead() (bsh BootSectorHeader, err error) {
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

	raw := make([]byte, bootSectorHeaderSize)

	err = er.readAt(0, raw)
	log.PanicIf(err)

	err = restruct.Unpack(raw, defaultEncoding, &bsh)
	log.PanicIf(err)

	if bytes.Equal(bsh.JumpBoot[:], requiredJumpBootSignature) != true {
		volumeLogger.Warningf(nil, "jump-boot value not correct: %x", bsh.JumpBoot[:])
		log.Panic(ErrNotExfat)
	} else if bytes.Equal(bsh.FileSystemName[:], requiredFileSystemName) != true {
		volumeLogger.Warningf(nil, "filesystem name not correct: [%s]", string(bsh.FileSystemName[:]))
		log.Panic(ErrNotExfat)
	} else if bsh.BootSignature != requiredBootSignature {
		volumeLogger.Warningf(nil, "boot-signature not correct: %x", bsh.BootSignature)
		log.Panic(ErrNotExfat)
	}

	for _, c := range bsh.MustBeZero {
		if c != 0 {
			volumeLogger.Warningf(nil, "must-be-zero field not all zeros")
			log.Panic(ErrNotExfat)
		}
	}

	if bsh.BytesPerSectorShift < 9 || bsh.BytesPerSectorShift > 12 {
		log.Panicf("bytes-per-sector shift out of range: (%d)", bsh.BytesPerSectorShift)
	} else if int(bsh.SectorsPerClusterShift) > 25-int(bsh.BytesPerSectorShift) {
		log.Panicf("sectors-per-cluster shift out of range: (%d)", bsh.SectorsPerClusterShift)
	} else if bsh.NumberOfFats != 1 && bsh.NumberOfFats != 2 {
		log.Panicf("number of FATs not valid: (%d)", bsh.NumberOfFats)
	} else if uint64(bsh.ClusterHeapOffset) >= bsh.VolumeLength {
		log.Panicf("cluster-heap offset beyond the end of the volume: (%d) >= (%d)", bsh.ClusterHeapOffset, bsh.VolumeLength)
	}

	return bsh, nil
}

func (er *ExfatReader) readExtendedBootSectors(sectorSize uint32) (err error) {
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

	raw := make([]byte, sectorSize)

	for i := 1; i <= mainExtendedBootSectorCount; i++ {
		err := er.readAt(int64(i)*int64(sectorSize), raw)
		log.PanicIf(err)

		extendedBootSignature := binary.LittleEndian.Uint32(raw[sectorSize-4:])
		if extendedBootSignature != requiredExtendedBootSignature {
			volumeLogger.Warningf(nil, "extended boot-signature of sector (%d) not correct: %x", i, extendedBootSignature)
			log.Panic(ErrNotExfat)
		}
	}

	return nil
}

// MappedCluster represents one cluster entry in the FAT.
type MappedCluster uint32

// IsBad indicates that this cluster has been marked as having one or more bad
// sectors.
func (mc MappedCluster) IsBad() bool {
	return mc == 0xfffffff7
}

// IsLast indicates that no more clusters follow the cluster that led to this
// entry.
func (mc MappedCluster) IsLast() bool {
	return mc == 0xffffffff
}

// Fat is the collection of all FAT entries, indexed by cluster number.
type Fat []MappedCluster

func (er *ExfatReader) parseFat(fatIndex int) (fat Fat, err error) {
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

	bsh := er.bootRegion.bsh
	sectorSize := bsh.SectorSize()

	// FatEntry[0] and FatEntry[1] are included so that the cluster number can
	// index the table directly.
	entryCount := uint64(bsh.ClusterCount) + 2
	if entryCount*4 > uint64(bsh.FatLength)*uint64(sectorSize) {
		log.Panicf("FAT too small for cluster-count: (%d) sectors for (%d) clusters", bsh.FatLength, bsh.ClusterCount)
	}

	fatSector := uint64(bsh.FatOffset) + uint64(fatIndex)*uint64(bsh.FatLength)
	raw := make([]byte, entryCount*4)

	err = er.readAt(int64(fatSector*uint64(sectorSize)), raw)
	log.PanicIf(err)

	fat = make(Fat, entryCount)
	for i := range fat {
		fat[i] = MappedCluster(defaultEncoding.Uint32(raw[i*4:]))
	}

	// The media type (the low byte of the first entry) should be F8h.
	if mediaType := fat[0] & 0xff; mediaType != 0xf8 {
		log.Panicf("media-type not correct: (0x%08x) -> (0x%02x)", uint32(fat[0]), uint32(mediaType))
	}

	return fat, nil
}

// Parse loads the main filesystem structures. This is always a small read (it
// does not scale with the size of the volume beyond the FAT).
func (er *ExfatReader) Parse() (err error) {
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

	bsh, err := er.readBootSectorHead()
	log.PanicIf(err)

	err = er.readExtendedBootSectors(bsh.SectorSize())
	log.PanicIf(err)

	er.bootRegion = bootRegion{
		bsh: bsh,
	}

	// Only the active-fat flag of the main boot-sector is current.
	fatIndex := 0
	if bsh.VolumeFlags.UseSecondFat() == true {
		if bsh.NumberOfFats == 1 {
			log.Panicf("boot-sector-header says to use the second FAT but only one FAT is available")
		}

		fatIndex = 1
	}

	er.activeFat, err = er.parseFat(fatIndex)
	log.PanicIf(err)

	volumeLogger.Debugf(nil, "Parsed volume: %s %s", bsh, er.Geometry())

	return nil
}

// SectorSize is the sector-size of the volume.
func (er *ExfatReader) SectorSize() uint32 {
	return er.bootRegion.bsh.SectorSize()
}

// SectorsPerCluster is the sectors-per-cluster of the volume.
func (er *ExfatReader) SectorsPerCluster() uint32 {
	return er.bootRegion.bsh.SectorsPerCluster()
}

// ClusterCount is the number of clusters in the cluster heap.
func (er *ExfatReader) ClusterCount() uint32 {
	return er.bootRegion.bsh.ClusterCount
}

// ActiveBootRegion returns the active boot-sector header.
func (er *ExfatReader) ActiveBootRegion() BootSectorHeader {
	return er.bootRegion.bsh
}

// FirstClusterOfRootDirectory is the first cluster of the root directory.
func (er *ExfatReader) FirstClusterOfRootDirectory() uint32 {
	return er.bootRegion.bsh.FirstClusterOfRootDirectory
}

// Geometry implements VolumeInfo.
func (er *ExfatReader) Geometry() Geometry {
	return Geometry{
		SectorSize:      er.SectorSize(),
		FirstDataSector: uint64(er.bootRegion.bsh.ClusterHeapOffset),
		SectorCount:     er.bootRegion.bsh.VolumeLength,
	}
}

// ReadSector returns the data of the sector at the given volume address.
func (er *ExfatReader) ReadSector(sectorAddress uint64) (data []byte, err error) {
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

	if sectorAddress >= er.bootRegion.bsh.VolumeLength {
		log.Panicf("sector beyond the end of the volume: (%d)", sectorAddress)
	}

	sectorSize := er.SectorSize()
	data = make([]byte, sectorSize)

	err = er.readAt(int64(sectorAddress*uint64(sectorSize)), data)
	log.PanicIf(err)

	return data, nil
}

// isClusterInHeap indicates whether the cluster number is one of the heap.
func (er *ExfatReader) isClusterInHeap(clusterNumber uint32) bool {
	return clusterNumber >= 2 && uint64(clusterNumber) <= uint64(er.bootRegion.bsh.ClusterCount)+1
}

// GetCluster gets a Cluster instance for the given cluster.
func (er *ExfatReader) GetCluster(clusterNumber uint32) *ExfatCluster {
	ec, err := newExfatCluster(er, clusterNumber)
	log.PanicIf(err)

	return ec
}

// ClusterVisitorFunc is a visitor callback as all clusters in the chain are
// visited.
type ClusterVisitorFunc func(ec *ExfatCluster) (doContinue bool, err error)

// EnumerateClusters calls the given callback for each cluster in the chain
// starting from the given cluster. If `useFat` is false the chain is the run
// of adjacent clusters. The walk stops at the end of the heap.
func (er *ExfatReader) EnumerateClusters(startingClusterNumber uint32, cb ClusterVisitorFunc, useFat bool) (err error) {
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

	visited := make(map[uint32]struct{})

	currentClusterNumber := startingClusterNumber
	for {
		if er.isClusterInHeap(currentClusterNumber) == false {
			volumeLogger.Warningf(nil, "cluster (%d) is not in the heap", currentClusterNumber)
			log.Panic(ErrCorruptClusterChain)
		} else if _, found := visited[currentClusterNumber]; found == true {
			volumeLogger.Warningf(nil, "cluster chain loops back to (%d)", currentClusterNumber)
			log.Panic(ErrCorruptClusterChain)
		}

		visited[currentClusterNumber] = struct{}{}

		ec := er.GetCluster(currentClusterNumber)

		doContinue, err := cb(ec)
		log.PanicIf(err)

		if doContinue == false {
			break
		}

		if useFat == true {
			nextMappedCluster := er.activeFat[currentClusterNumber]
			if nextMappedCluster.IsLast() == true {
				break
			}

			currentClusterNumber = uint32(nextMappedCluster)
		} else {
			// Stop quietly at the end of the heap.
			if er.isClusterInHeap(currentClusterNumber+1) == false {
				break
			}

			currentClusterNumber++
		}
	}

	return nil
}

// ExfatCluster manages reads on the sectors in a cluster and checks that the
// requested sectors are within bounds.
type ExfatCluster struct {
	er *ExfatReader

	clusterNumber     uint32
	sectorsPerCluster uint32
	firstSector       uint64
}

func newExfatCluster(er *ExfatReader, clusterNumber uint32) (ec *ExfatCluster, err error) {
	if er.isClusterInHeap(clusterNumber) == false {
		return nil, log.Errorf("cluster-number not in the heap: (%d)", clusterNumber)
	}

	sectorsPerCluster := er.SectorsPerCluster()

	// Only clusters numbering (2) and above are stored on disk.
	firstSector := uint64(er.bootRegion.bsh.ClusterHeapOffset) + uint64(sectorsPerCluster)*uint64(clusterNumber-2)

	ec = &ExfatCluster{
		er: er,

		clusterNumber:     clusterNumber,
		sectorsPerCluster: sectorsPerCluster,
		firstSector:       firstSector,
	}

	return ec, nil
}

// ClusterNumber gets the number of the cluster that this instance represents.
func (ec *ExfatCluster) ClusterNumber() uint32 {
	return ec.clusterNumber
}

// FirstSector is the volume address of the first sector of the cluster.
func (ec *ExfatCluster) FirstSector() uint64 {
	return ec.firstSector
}

// GetSectorByIndex gets the data for the given sector within the cluster that
// this instance represents.
func (ec *ExfatCluster) GetSectorByIndex(sectorIndex uint32) (data []byte, err error) {
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

	if sectorIndex >= ec.sectorsPerCluster {
		log.Panicf("sector-index exceeds the number of sectors per cluster: (%d) >= (%d)", sectorIndex, ec.sectorsPerCluster)
	}

	data, err = ec.er.ReadSector(ec.firstSector + uint64(sectorIndex))
	log.PanicIf(err)

	return data, nil
}

// SectorVisitorFunc is a visitor callback that is called for each sector in a
// cluster.
type SectorVisitorFunc func(sectorAddress uint64, data []byte) (doContinue bool, err error)

// EnumerateSectors calls the given callback for each sector in the cluster that
// this instance represents.
func (ec *ExfatCluster) EnumerateSectors(cb SectorVisitorFunc) (err error) {
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

	for i := uint32(0); i < ec.sectorsPerCluster; i++ {
		sectorData, err := ec.GetSectorByIndex(i)
		log.PanicIf(err)

		doContinue, err := cb(ec.firstSector+uint64(i), sectorData)
		log.PanicIf(err)

		if doContinue == false {
			break
		}
	}

	return nil
}

// ReadClusterChain reads the sectors of the chain starting at the given
// cluster. The read stops after `dataLength` bytes, rounded up to a whole
// sector, or at the end of the chain if `dataLength` is zero. The volume
// address of each sector read is returned alongside the data.
func (er *ExfatReader) ReadClusterChain(firstClusterNumber uint32, dataLength uint64, useFat bool) (data []byte, sectorAddresses []uint64, err error) {
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

	sectorSize := uint64(er.SectorSize())

	sectorsRemaining := uint64(0)
	if dataLength > 0 {
		sectorsRemaining = (dataLength + sectorSize - 1) / sectorSize
	} else if useFat == false {
		log.Panicf("a contiguous chain requires a data-length")
	}

	data = make([]byte, 0)
	sectorAddresses = make([]uint64, 0)

	cvf := func(ec *ExfatCluster) (doContinue bool, err error) {
		svf := func(sectorAddress uint64, sectorData []byte) (doContinue bool, err error) {
			data = append(data, sectorData...)
			sectorAddresses = append(sectorAddresses, sectorAddress)

			if dataLength > 0 {
				sectorsRemaining--
				if sectorsRemaining == 0 {
					return false, nil
				}
			}

			return true, nil
		}

		err = ec.EnumerateSectors(svf)
		if err != nil {
			return false, err
		}

		if dataLength > 0 && sectorsRemaining == 0 {
			return false, nil
		}

		return true, nil
	}

	err = er.EnumerateClusters(firstClusterNumber, cvf, useFat)
	log.PanicIf(err)

	if sectorsRemaining > 0 {
		volumeLogger.Warningf(nil, "Chain at cluster (%d) ended (%d) sectors short of its data-length (%d).", firstClusterNumber, sectorsRemaining, dataLength)
	}

	return data, sectorAddresses, nil
}
