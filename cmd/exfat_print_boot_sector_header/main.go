package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	"github.com/spf13/afero"

	"github.com/Quietiger/sleuthkit/fs/exfat"
)

type rootParameters struct {
	Filepath string `short:"f" long:"filepath" description:"File-path of exFAT filesystem" required:"true"`
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

	f, er, err := exfat.OpenImage(afero.NewOsFs(), rootArguments.Filepath)
	log.PanicIf(err)

	defer f.Close()

	bsh := er.ActiveBootRegion()
	bsh.Dump()

	g := er.Geometry()
	ab := er.AllocationBitmap()

	clusterSize := uint64(er.SectorSize()) * uint64(er.SectorsPerCluster())
	allocatedClusterCount := ab.AllocatedClusterCount()

	fmt.Printf("Volume\n")
	fmt.Printf("======\n")
	fmt.Printf("\n")

	fmt.Printf("Size: %s\n", humanize.Bytes(g.SectorCount*uint64(g.SectorSize)))
	fmt.Printf("Cluster size: %s\n", humanize.Bytes(clusterSize))
	fmt.Printf("Clusters allocated: %s of %s (%s)\n", humanize.Comma(int64(allocatedClusterCount)), humanize.Comma(int64(er.ClusterCount())), humanize.Bytes(uint64(allocatedClusterCount)*clusterSize))
	fmt.Printf("Inodes: (%d) to (%d)\n", exfat.FirstNormalInode, g.LastInode())
	fmt.Printf("\n")
}
