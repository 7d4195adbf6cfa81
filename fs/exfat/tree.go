package exfat

import (
	"reflect"
	"sort"
	"strings"

	"github.com/dsoprea/go-logging"
)

var (
	treeLogger = log.NewLogger("exfat.tree")
)

// TreeNode is one allocated name in the directory hierarchy.
type TreeNode struct {
	name string

	fn   FsName
	sede *ExfatStreamExtensionDirectoryEntry

	childrenFolders sort.StringSlice
	childrenFiles   sort.StringSlice

	childrenMap map[string]*TreeNode
}

// NewTreeNode returns a node for the given name.
func NewTreeNode(fn FsName, sede *ExfatStreamExtensionDirectoryEntry) (tn *TreeNode) {
	tn = &TreeNode{
		name: fn.Name,
		fn:   fn,
		sede: sede,

		childrenFolders: make(sort.StringSlice, 0),
		childrenFiles:   make(sort.StringSlice, 0),

		childrenMap: make(map[string]*TreeNode),
	}

	return tn
}

func (tn *TreeNode) Name() string {
	return tn.name
}

// FsName returns the name as the directory parser produced it.
func (tn *TreeNode) FsName() FsName {
	return tn.fn
}

func (tn *TreeNode) StreamDirectoryEntry() *ExfatStreamExtensionDirectoryEntry {
	return tn.sede
}

func (tn *TreeNode) IsDirectory() bool {
	return tn.fn.Type == NameTypeDirectory
}

func (tn *TreeNode) ChildFolders() []string {
	return tn.childrenFolders
}

func (tn *TreeNode) ChildFiles() []string {
	return tn.childrenFiles
}

func (tn *TreeNode) GetChild(filename string) *TreeNode {
	return tn.childrenMap[filename]
}

// Lookup descends through the given path parts.
func (tn *TreeNode) Lookup(pathParts []string) *TreeNode {
	if len(pathParts) == 0 {
		return tn
	}

	childNode := tn.childrenMap[pathParts[0]]
	if childNode == nil {
		return nil
	}

	return childNode.Lookup(pathParts[1:])
}

// AddChild adds a child node. Children are kept sorted by name. A second name
// equal to an existing one replaces it.
func (tn *TreeNode) AddChild(fn FsName, sede *ExfatStreamExtensionDirectoryEntry) *TreeNode {
	childNode := NewTreeNode(fn, sede)

	var list sort.StringSlice
	if childNode.IsDirectory() == true {
		list = tn.childrenFolders
	} else {
		list = tn.childrenFiles
	}

	insertOrEqualAt := list.Search(fn.Name)

	if insertOrEqualAt >= len(list) {
		list = append(list, fn.Name)
	} else if list[insertOrEqualAt] != fn.Name {
		list = append(list, "")
		copy(list[insertOrEqualAt+1:], list[insertOrEqualAt:])
		list[insertOrEqualAt] = fn.Name
	}

	if childNode.IsDirectory() == true {
		tn.childrenFolders = list
	} else {
		tn.childrenFiles = list
	}

	tn.childrenMap[fn.Name] = childNode

	return childNode
}

// Tree is the hierarchy of allocated names of a volume.
type Tree struct {
	er       *ExfatReader
	dp       *DentryParser
	rootNode *TreeNode
}

// NewTree returns an unloaded tree. The reader must already be parsed and have
// its allocation bitmap loaded.
func NewTree(er *ExfatReader, options ...DentryParserOption) *Tree {
	rootFn := FsName{
		InodeAddress: RootDirectoryInode,
		Type:         NameTypeDirectory,
		Flags:        NameFlagAllocated,
	}

	return &Tree{
		er:       er,
		dp:       NewDentryParser(er, options...),
		rootNode: NewTreeNode(rootFn, nil),
	}
}

func (tree *Tree) loadDirectory(en *ExfatNavigator, node *TreeNode, visited map[uint32]struct{}) (err error) {
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

	firstClusterNumber := en.FirstClusterNumber()
	if firstClusterNumber != 0 {
		if _, found := visited[firstClusterNumber]; found == true {
			treeLogger.Warningf(nil, "Directory at cluster (%d) was already loaded; not descending again.", firstClusterNumber)
			return nil
		}

		visited[firstClusterNumber] = struct{}{}
	}

	db, err := en.ReadDirectory()
	log.PanicIf(err)

	dl, err := db.ListNames(tree.dp)
	log.PanicIf(err)

	for _, fn := range dl.Names() {
		if fn.Flags.IsAllocated() == false {
			continue
		} else if fn.Type != NameTypeRegular && fn.Type != NameTypeDirectory {
			continue
		} else if fn.Name == "." || fn.Name == ".." {
			continue
		}

		sede, err := db.StreamEntryForInode(fn.InodeAddress)
		log.PanicIf(err)

		childNode := node.AddChild(fn, sede)

		if childNode.IsDirectory() == false {
			continue
		} else if sede == nil {
			treeLogger.Warningf(nil, "Directory [%s] at inode (%d) has no stream entry.", fn.Name, fn.InodeAddress)
			continue
		}

		childEn := NewExfatNavigatorFromStream(tree.er, sede)

		err = tree.loadDirectory(childEn, childNode, visited)
		log.PanicIf(err)
	}

	return nil
}

// Load reads the whole hierarchy, starting at the root directory.
func (tree *Tree) Load() (err error) {
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

	en := NewExfatNavigator(tree.er)
	visited := make(map[uint32]struct{})

	err = tree.loadDirectory(en, tree.rootNode, visited)
	log.PanicIf(err)

	return nil
}

func (tree *Tree) Lookup(pathParts []string) (node *TreeNode) {
	return tree.rootNode.Lookup(pathParts)
}

type TreeVisitorFunc func(pathParts []string, node *TreeNode) (err error)

// Visit calls the callback for every node, depth-first. The folders of a
// directory are visited before its files.
func (tree *Tree) Visit(cb TreeVisitorFunc) (err error) {
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

	err = tree.visit(make([]string, 0), tree.rootNode, cb)
	log.PanicIf(err)

	return nil
}

func (tree *Tree) visit(pathParts []string, node *TreeNode, cb TreeVisitorFunc) (err error) {
	err = cb(pathParts, node)
	if err != nil {
		return err
	}

	for _, childFolderName := range node.childrenFolders {
		childPathParts := make([]string, len(pathParts)+1)
		copy(childPathParts, pathParts)
		childPathParts[len(childPathParts)-1] = childFolderName

		err := tree.visit(childPathParts, node.childrenMap[childFolderName], cb)
		if err != nil {
			return err
		}
	}

	for _, childFilename := range node.childrenFiles {
		childPathParts := make([]string, len(pathParts)+1)
		copy(childPathParts, pathParts)
		childPathParts[len(childPathParts)-1] = childFilename

		err := cb(childPathParts, node.childrenMap[childFilename])
		if err != nil {
			return err
		}
	}

	return nil
}

// List returns the backslash-separated path of every node along with a map of
// the nodes by path.
func (tree *Tree) List() (files []string, nodes map[string]*TreeNode, err error) {
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

	files = make([]string, 0)
	nodes = make(map[string]*TreeNode)

	cb := func(pathParts []string, node *TreeNode) (err error) {
		if len(pathParts) == 0 {
			return nil
		}

		nodePath := strings.Join(pathParts, `\`)

		files = append(files, nodePath)
		nodes[nodePath] = node

		return nil
	}

	err = tree.Visit(cb)
	log.PanicIf(err)

	return files, nodes, nil
}
