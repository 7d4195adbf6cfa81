package exfat

import (
	"fmt"
	"io"
	"reflect"

	"github.com/dsoprea/go-logging"
	"gopkg.in/yaml.v3"
)

// NameType describes what an emitted name refers to.
type NameType int

const (
	NameTypeUndefined NameType = iota
	NameTypeRegular
	NameTypeDirectory
	NameTypeVirtual
)

func (nt NameType) String() string {
	switch nt {
	case NameTypeRegular:
		return "r"
	case NameTypeDirectory:
		return "d"
	case NameTypeVirtual:
		return "v"
	}

	return "-"
}

// NameFlags is the allocation state of an emitted name.
type NameFlags int

const (
	NameFlagAllocated NameFlags = iota
	NameFlagUnallocated
)

func (nf NameFlags) IsAllocated() bool {
	return nf == NameFlagAllocated
}

func (nf NameFlags) String() string {
	if nf == NameFlagAllocated {
		return "alloc"
	}

	return "unalloc"
}

// FsName is one logical name recovered from a directory.
type FsName struct {
	// InodeAddress is the address of the primary entry of the entry set.
	InodeAddress uint64 `yaml:"inode"`

	Type  NameType  `yaml:"-"`
	Flags NameFlags `yaml:"-"`
	Name  string    `yaml:"name"`
}

func (fn FsName) String() string {
	return fmt.Sprintf("FsName<INODE=(%d) TYPE=[%s] FLAGS=[%s] NAME=[%s]>", fn.InodeAddress, fn.Type, fn.Flags, fn.Name)
}

// NameSink receives every name recovered by the directory parser, in the order
// that their entry sets complete.
type NameSink interface {
	Add(fn FsName)
}

// DirectoryListing is the NameSink that collects the names of one directory.
type DirectoryListing struct {
	names []FsName
}

// NewDirectoryListing returns an empty listing.
func NewDirectoryListing() *DirectoryListing {
	return &DirectoryListing{
		names: make([]FsName, 0),
	}
}

// Add appends a name.
func (dl *DirectoryListing) Add(fn FsName) {
	dl.names = append(dl.names, fn)
}

// Names returns the names in the order that they were added.
func (dl *DirectoryListing) Names() []FsName {
	return dl.names
}

// Count returns the number of names.
func (dl *DirectoryListing) Count() int {
	return len(dl.names)
}

// Find returns the first allocated entry having the given name, or, failing
// that, the first unallocated one.
func (dl *DirectoryListing) Find(name string) (fn FsName, found bool) {
	for _, current := range dl.names {
		if current.Name != name {
			continue
		}

		if current.Flags.IsAllocated() == true {
			return current, true
		} else if found == false {
			fn = current
			found = true
		}
	}

	return fn, found
}

// Filenames returns a map of all allocated, regular and directory names and
// whether they are directories.
func (dl *DirectoryListing) Filenames() (filenames map[string]bool) {
	filenames = make(map[string]bool)

	for _, fn := range dl.names {
		if fn.Flags.IsAllocated() == false {
			continue
		}

		if fn.Type != NameTypeRegular && fn.Type != NameTypeDirectory {
			continue
		}

		filenames[fn.Name] = fn.Type == NameTypeDirectory
	}

	return filenames
}

// Dump prints the listing.
func (dl *DirectoryListing) Dump() {
	fmt.Printf("Directory Listing\n")
	fmt.Printf("=================\n")
	fmt.Printf("\n")

	for _, fn := range dl.names {
		fmt.Printf("%s/%-7s %8d: %s\n", fn.Type, fn.Flags, fn.InodeAddress, fn.Name)
	}

	fmt.Printf("\n")
}

type yamlName struct {
	FsName    `yaml:",inline"`
	Type      string `yaml:"type"`
	Allocated bool   `yaml:"allocated"`
}

// WriteYaml writes the listing as a YAML sequence.
func (dl *DirectoryListing) WriteYaml(w io.Writer) (err error) {
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

	items := make([]yamlName, len(dl.names))
	for i, fn := range dl.names {
		items[i] = yamlName{
			FsName:    fn,
			Type:      fn.Type.String(),
			Allocated: fn.Flags.IsAllocated(),
		}
	}

	encoder := yaml.NewEncoder(w)

	err = encoder.Encode(items)
	log.PanicIf(err)

	err = encoder.Close()
	log.PanicIf(err)

	return nil
}
