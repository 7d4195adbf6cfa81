package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	"github.com/spf13/afero"

	"github.com/Quietiger/sleuthkit/fs/exfat"
)

type rootParameters struct {
	FilesystemFilepath string `short:"f" long:"filesystem-filepath" description:"File-path of exFAT filesystem" required:"true"`
	ExtractFilepath    string `short:"e" long:"extract-filepath" description:"File-path to extract (use backslashes)" required:"true"`
	OutputFilepath     string `short:"o" long:"output-filepath" description:"File-path to write to ('-' for STDOUT)" required:"true"`
}

var (
	rootArguments = new(rootParameters)
)

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

	fs := afero.NewOsFs()

	f, er, err := exfat.OpenImage(fs, rootArguments.FilesystemFilepath)
	log.PanicIf(err)

	defer f.Close()

	tree := exfat.NewTree(er)

	err = tree.Load()
	log.PanicIf(err)

	// The paths from List() are the ones that the user sees when listing, so
	// they are matched exactly.
	_, nodes, err := tree.List()
	log.PanicIf(err)

	node, found := nodes[rootArguments.ExtractFilepath]
	if found != true {
		fmt.Printf("File not found.\n")
		os.Exit(2)
	} else if node.IsDirectory() == true {
		fmt.Printf("Path is a directory.\n")
		os.Exit(2)
	}

	sede := node.StreamDirectoryEntry()
	if sede == nil {
		fmt.Printf("File has no stream entry.\n")
		os.Exit(3)
	}

	var w io.Writer

	if rootArguments.OutputFilepath == "-" {
		w = os.Stdout
	} else {
		g, err := fs.Create(rootArguments.OutputFilepath)
		log.PanicIf(err)

		defer g.Close()

		w = g
	}

	n, err := er.WriteStreamData(sede, w)
	log.PanicIf(err)

	if rootArguments.OutputFilepath != "-" {
		fmt.Printf("%s (%s bytes) written.\n", humanize.Bytes(uint64(n)), humanize.Comma(int64(n)))
	}
}
