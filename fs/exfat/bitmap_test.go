package exfat

import (
	"testing"

	"github.com/dsoprea/go-logging"
)

func TestAllocationBitmap_IsClusterAllocated(t *testing.T) {
	ab := NewAllocationBitmap([]byte{0x05, 0x80}, 16)

	expected := map[uint32]bool{
		2:  true,
		3:  false,
		4:  true,
		5:  false,
		17: true,
	}

	for clusterNumber, isAllocated := range expected {
		actual, ok := ab.IsClusterAllocated(clusterNumber)
		if ok != true {
			t.Fatalf("Cluster (%d) should be covered.", clusterNumber)
		} else if actual != isAllocated {
			t.Fatalf("Cluster (%d) not correct: [%v]", clusterNumber, actual)
		}
	}

	if _, ok := ab.IsClusterAllocated(1); ok != false {
		t.Fatalf("Cluster (1) should not be covered.")
	} else if _, ok := ab.IsClusterAllocated(18); ok != false {
		t.Fatalf("Cluster (18) should not be covered.")
	}

	if ab.AllocatedClusterCount() != 3 {
		t.Fatalf("Allocated count not correct: (%d)", ab.AllocatedClusterCount())
	}
}

func TestExfatReader_LoadAllocationBitmap(t *testing.T) {
	f, er := getTestFileAndParser(buildTestImage())

	defer f.Close()

	err := er.Parse()
	log.PanicIf(err)

	if er.AllocationBitmap().IsLoaded() != false {
		t.Fatalf("Bitmap should not be loaded yet.")
	}

	err = er.LoadAllocationBitmap()
	log.PanicIf(err)

	ab := er.AllocationBitmap()

	if ab.IsLoaded() != true {
		t.Fatalf("Bitmap should be loaded.")
	} else if ab.AllocatedClusterCount() != 6 {
		t.Fatalf("Allocated count not correct: (%d)", ab.AllocatedClusterCount())
	}
}

func TestExfatReader_LoadAllocationBitmap_Missing(t *testing.T) {
	image := buildTestImage()

	// Turn the bitmap entry into an up-case table entry.
	image[testClusterOffset(testRootCluster)+DirectoryEntryBytesCount] = byte(EntryTypeUpcaseTable)

	f, er := getTestFileAndParser(image)

	defer f.Close()

	err := er.Parse()
	log.PanicIf(err)

	err = er.LoadAllocationBitmap()
	if err == nil {
		t.Fatalf("Expected error for missing bitmap.")
	}
}

func TestExfatReader_IsSectorAllocated(t *testing.T) {
	f, er := getTestFileAndParser(buildTestImage())

	defer f.Close()

	err := er.Parse()
	log.PanicIf(err)

	// Metadata sectors do not need the bitmap.
	isAllocated, err := er.IsSectorAllocated(0)
	log.PanicIf(err)

	if isAllocated != true {
		t.Fatalf("Boot sector should be allocated.")
	}

	_, err = er.IsSectorAllocated(testClusterHeapOffset)
	if err == nil {
		t.Fatalf("Expected lookup error before the bitmap is loaded.")
	} else if log.Is(err, ErrSectorLookup) != true {
		log.Panic(err)
	}

	err = er.LoadAllocationBitmap()
	log.PanicIf(err)

	expected := map[uint64]bool{
		testFatOffset:              true,
		testClusterHeapOffset:      true,
		testClusterHeapOffset + 5:  true,
		testClusterHeapOffset + 6:  false,
		testClusterHeapOffset + 31: false,
	}

	for sectorAddress, expectedAllocated := range expected {
		isAllocated, err := er.IsSectorAllocated(sectorAddress)
		log.PanicIf(err)

		if isAllocated != expectedAllocated {
			t.Fatalf("Sector (%d) not correct: [%v]", sectorAddress, isAllocated)
		}
	}

	_, err = er.IsSectorAllocated(testVolumeLength)
	if err == nil {
		t.Fatalf("Expected lookup error beyond the volume.")
	} else if log.Is(err, ErrSectorLookup) != true {
		log.Panic(err)
	}
}
