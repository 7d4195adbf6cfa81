package exfat

import (
	"reflect"
	"testing"

	"github.com/dsoprea/go-logging"
)

func TestTree_List(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)
			log.PrintError(err)

			t.Fatalf("Test failed.")
		}
	}()

	f, er := openTestImage()

	defer f.Close()

	tree := NewTree(er)

	err := tree.Load()
	log.PanicIf(err)

	files, nodes, err := tree.List()
	log.PanicIf(err)

	expectedFiles := []string{
		"dir1",
		"dir1\\nested.bin",
		"a-rather-long-name.txt",
		"file1.txt",
	}

	if reflect.DeepEqual(files, expectedFiles) != true {
		for i, filepath := range files {
			t.Logf("ACTUAL: (%d) [%s]", i, filepath)
		}

		t.Fatalf("Files not correct.")
	}

	expectedTypes := map[string]bool{
		"dir1":                   true,
		"dir1\\nested.bin":       false,
		"a-rather-long-name.txt": false,
		"file1.txt":              false,
	}

	actualTypes := make(map[string]bool)
	for path, node := range nodes {
		actualTypes[path] = node.IsDirectory()
	}

	if reflect.DeepEqual(actualTypes, expectedTypes) != true {
		t.Fatalf("Types not correct: %v", actualTypes)
	}

	file1 := nodes["file1.txt"]
	if file1.FsName().InodeAddress != 39 {
		t.Fatalf("Inode not correct: (%d)", file1.FsName().InodeAddress)
	} else if file1.StreamDirectoryEntry().DataLength != uint64(len(testFileDataContents)) {
		t.Fatalf("Stream entry not correct: %s", file1.StreamDirectoryEntry())
	}
}

func TestTree_Lookup(t *testing.T) {
	f, er := openTestImage()

	defer f.Close()

	tree := NewTree(er)

	err := tree.Load()
	log.PanicIf(err)

	node := tree.Lookup([]string{"dir1", "nested.bin"})
	if node == nil {
		t.Fatalf("Node not found.")
	} else if node.Name() != "nested.bin" || node.IsDirectory() != false {
		t.Fatalf("Node not correct: [%s]", node.Name())
	}

	if tree.Lookup([]string{"dir1", "old.bin"}) != nil {
		t.Fatalf("Unallocated names should not be in the tree.")
	} else if tree.Lookup([]string{"missing", "nested.bin"}) != nil {
		t.Fatalf("Missing intermediate should not be found.")
	}

	root := tree.Lookup([]string{})
	if reflect.DeepEqual(root.ChildFolders(), []string{"dir1"}) != true {
		t.Fatalf("Child folders not correct: %v", root.ChildFolders())
	} else if reflect.DeepEqual(root.ChildFiles(), []string{"a-rather-long-name.txt", "file1.txt"}) != true {
		t.Fatalf("Child files not correct: %v", root.ChildFiles())
	} else if root.GetChild("dir1") == nil {
		t.Fatalf("Child not found.")
	}
}

func TestTree_Load_DirectoryLoop(t *testing.T) {
	image := buildTestImage()

	// Add an entry for a directory in "dir1" that points back at "dir1".
	loop := buildFileEntrySet(false, "loop", FileAttributeDirectory, testSubdirCluster, testSectorSize, true)

	offset := testClusterOffset(testSubdirCluster) + len(testSubdirEntries())*DirectoryEntryBytesCount
	for i, directoryEntryData := range loop {
		copy(image[offset+i*DirectoryEntryBytesCount:], directoryEntryData)
	}

	f, er := getTestFileAndParser(image)

	defer f.Close()

	err := er.Parse()
	log.PanicIf(err)

	err = er.LoadAllocationBitmap()
	log.PanicIf(err)

	tree := NewTree(er)

	err = tree.Load()
	log.PanicIf(err)

	node := tree.Lookup([]string{"dir1", "loop"})
	if node == nil {
		t.Fatalf("Loop node not found.")
	} else if len(node.ChildFiles()) != 0 || len(node.ChildFolders()) != 0 {
		t.Fatalf("Loop should not have been descended into.")
	}
}

func TestTreeNode_AddChild(t *testing.T) {
	tn := NewTreeNode(FsName{Type: NameTypeDirectory}, nil)

	for _, name := range []string{"c", "a", "b", "a"} {
		tn.AddChild(FsName{Type: NameTypeRegular, Name: name}, nil)
	}

	if reflect.DeepEqual(tn.ChildFiles(), []string{"a", "b", "c"}) != true {
		t.Fatalf("Children not sorted: %v", tn.ChildFiles())
	}
}

func TestTree_Load_FragmentedDirectory(t *testing.T) {
	f, er := getTestFileAndParser(buildFragmentedRootImage())

	defer f.Close()

	err := er.Parse()
	log.PanicIf(err)

	err = er.LoadAllocationBitmap()
	log.PanicIf(err)

	tree := NewTree(er)

	err = tree.Load()
	log.PanicIf(err)

	node := tree.Lookup([]string{"dirx"})
	if node == nil {
		t.Fatalf("Directory not found.")
	} else if node.FsName().InodeAddress != testFragmentedDirectoryInode {
		t.Fatalf("Inode not correct: (%d)", node.FsName().InodeAddress)
	} else if node.StreamDirectoryEntry() == nil {
		t.Fatalf("Stream entry not found.")
	} else if reflect.DeepEqual(node.ChildFiles(), []string{"nested.bin"}) != true {
		t.Fatalf("Directory not descended into: %v", node.ChildFiles())
	}

	root := tree.Lookup([]string{})
	if reflect.DeepEqual(root.ChildFiles(), []string{"file1.txt", "fragment-name-one.txt", "fragment-name-two.txt"}) != true {
		t.Fatalf("Child files not correct: %v", root.ChildFiles())
	}
}
