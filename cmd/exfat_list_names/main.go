package main

import (
	"fmt"
	"os"

	"path/filepath"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	"github.com/spf13/afero"

	"github.com/Quietiger/sleuthkit/fs/exfat"
)

type rootParameters struct {
	Filepath       string `short:"f" long:"filepath" description:"File-path of exFAT filesystem" required:"true"`
	FilenameFilter string `short:"p" long:"pattern" description:"Filename filter"`
	ShowDetail     bool   `short:"d" long:"detail" description:"Show additional entry detail"`
	Yaml           bool   `short:"y" long:"yaml" description:"Print the names as YAML"`
	Recursive      bool   `short:"r" long:"recursive" description:"List the allocated names of every directory instead of every name of the root directory"`
	Verbose        bool   `short:"v" long:"verbose" description:"Print logging"`
}

var (
	rootArguments = new(rootParameters)
)

func isFiltered(name string) bool {
	if rootArguments.FilenameFilter == "" {
		return false
	}

	isMatched, err := filepath.Match(rootArguments.FilenameFilter, name)
	log.PanicIf(err)

	return isMatched == false
}

func printStreamDetail(sede *exfat.ExfatStreamExtensionDirectoryEntry) {
	if sede == nil {
		fmt.Printf("    (no stream entry)\n")
		return
	}

	fmt.Printf("    SIZE: %s (%s bytes)\n", humanize.Bytes(sede.ValidDataLength), humanize.Comma(int64(sede.ValidDataLength)))
	fmt.Printf("    FIRST-CLUSTER: (%d) CONTIGUOUS=[%v]\n", sede.FirstCluster, sede.NoFatChain())
}

func printDetail(db *exfat.DirectoryBuffer, fn exfat.FsName) {
	switch fn.Type {
	case exfat.NameTypeRegular, exfat.NameTypeDirectory:
		sede, err := db.StreamEntryForInode(fn.InodeAddress)
		log.PanicIf(err)

		printStreamDetail(sede)

	case exfat.NameTypeVirtual:
		de, _, err := db.EntryForInode(fn.InodeAddress)
		log.PanicIf(err)

		switch typedEntry := de.(type) {
		case *exfat.ExfatVolumeGuidDirectoryEntry:
			fmt.Printf("    GUID: %s\n", typedEntry.Guid())
		case *exfat.ExfatAllocationBitmapDirectoryEntry:
			fmt.Printf("    SIZE: %s FIRST-CLUSTER: (%d)\n", humanize.Bytes(typedEntry.DataLength), typedEntry.FirstCluster)
		case *exfat.ExfatUpcaseTableDirectoryEntry:
			fmt.Printf("    SIZE: %s FIRST-CLUSTER: (%d)\n", humanize.Bytes(typedEntry.DataLength), typedEntry.FirstCluster)
		}
	}
}

func listRoot(er *exfat.ExfatReader) {
	en := exfat.NewExfatNavigator(er)
	dp := exfat.NewDentryParser(er)

	db, err := en.ReadDirectory()
	log.PanicIf(err)

	dl, err := db.ListNames(dp)
	log.PanicIf(err)

	filtered := exfat.NewDirectoryListing()
	for _, fn := range dl.Names() {
		if isFiltered(fn.Name) == true {
			continue
		}

		filtered.Add(fn)
	}

	if rootArguments.Yaml == true {
		err := filtered.WriteYaml(os.Stdout)
		log.PanicIf(err)

		return
	}

	for _, fn := range filtered.Names() {
		fmt.Printf("%s/%-7s %10s: %s\n", fn.Type, fn.Flags, humanize.Comma(int64(fn.InodeAddress)), fn.Name)

		if rootArguments.ShowDetail == true {
			printDetail(db, fn)
		}
	}
}

func listTree(er *exfat.ExfatReader) {
	tree := exfat.NewTree(er)

	err := tree.Load()
	log.PanicIf(err)

	files, nodes, err := tree.List()
	log.PanicIf(err)

	listing := exfat.NewDirectoryListing()

	for _, currentFilepath := range files {
		node := nodes[currentFilepath]

		// Since the filepaths are separated by Windows-standard backward-
		// slashes, they won't necessarily split correctly on all platforms.
		// Therefore, we'll just use the name from the node.
		if isFiltered(node.Name()) == true {
			continue
		}

		fn := node.FsName()
		fn.Name = currentFilepath

		listing.Add(fn)
	}

	if rootArguments.Yaml == true {
		err := listing.WriteYaml(os.Stdout)
		log.PanicIf(err)

		return
	}

	for _, fn := range listing.Names() {
		size := ""
		if sede := nodes[fn.Name].StreamDirectoryEntry(); sede != nil && fn.Type == exfat.NameTypeRegular {
			size = humanize.Comma(int64(sede.ValidDataLength))
		}

		fmt.Printf("%s %10s %15s %s\n", fn.Type, humanize.Comma(int64(fn.InodeAddress)), size, fn.Name)

		if rootArguments.ShowDetail == true {
			printStreamDetail(nodes[fn.Name].StreamDirectoryEntry())
		}
	}
}

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	if rootArguments.Verbose == true {
		cla := log.NewConsoleLogAdapter()
		log.AddAdapter("console", cla)

		scp := log.NewStaticConfigurationProvider()
		scp.SetLevelName(log.LevelNameDebug)

		log.LoadConfiguration(scp)
	}

	f, er, err := exfat.OpenImage(afero.NewOsFs(), rootArguments.Filepath)
	log.PanicIf(err)

	defer f.Close()

	if rootArguments.Recursive == true {
		listTree(er)
	} else {
		listRoot(er)
	}
}
