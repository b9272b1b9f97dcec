//go:build linux

package usbid

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// DefaultPaths lists the standard locations for the USB ID database.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Database caches vendor, product and interface class names from the USB ID
// database. The file is read at most once, on first lookup or explicit Load.
type Database struct {
	vendors   map[uint16]string // VID -> vendor name
	products  map[uint32]string // (VID<<16)|PID -> product name
	classes   map[uint8]string  // class -> name
	subclass  map[uint16]string // (class<<8)|subclass -> name
	protocols map[uint32]string // (class<<16)|(subclass<<8)|protocol -> name

	paths []string
	once  sync.Once
	found bool
}

// New creates a database that searches paths, or DefaultPaths when none
// are given.
func New(paths ...string) *Database {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	db := newDatabase()
	db.paths = paths
	return db
}

// Parse builds a database from r. The result is already loaded.
func Parse(r io.Reader) (*Database, error) {
	db := newDatabase()
	var err error
	db.once.Do(func() {
		err = db.parse(r)
		db.found = err == nil
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

func newDatabase() *Database {
	return &Database{
		vendors:   make(map[uint16]string),
		products:  make(map[uint32]string),
		classes:   make(map[uint8]string),
		subclass:  make(map[uint16]string),
		protocols: make(map[uint32]string),
	}
}

// Load reads the first database file found on the search path. Only the
// first call does any work; it reports whether a file was found.
func (db *Database) Load() bool {
	db.once.Do(func() {
		for _, path := range db.paths {
			f, err := os.Open(path)
			if err != nil {
				continue
			}
			err = db.parse(f)
			f.Close()
			if err == nil {
				db.found = true
				return
			}
		}
	})
	return db.found
}

type section int

const (
	sectionNone section = iota
	sectionVendor
	sectionClass
)

// parse reads the usb.ids format. Vendor blocks are "vvvv  name" followed
// by tab-indented "pppp  name" products; class blocks are "C cc  name"
// followed by one tab for subclasses and two for protocols. Every other
// top-level block is skipped.
func (db *Database) parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	var (
		sec      = sectionNone
		vid      uint16
		class    uint8
		subclass uint8
	)

	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		depth := 0
		for depth < len(line) && line[depth] == '\t' {
			depth++
		}
		body := line[depth:]

		if depth == 0 {
			sec = sectionNone
			if strings.HasPrefix(body, "C ") {
				id, name, ok := splitEntry(body[2:], 2)
				if ok {
					class = uint8(id)
					db.classes[class] = name
					sec = sectionClass
				}
				continue
			}
			id, name, ok := splitEntry(body, 4)
			if ok {
				vid = uint16(id)
				db.vendors[vid] = name
				sec = sectionVendor
			}
			continue
		}

		switch {
		case sec == sectionVendor && depth == 1:
			if pid, name, ok := splitEntry(body, 4); ok {
				db.products[uint32(vid)<<16|uint32(pid)] = name
			}
		case sec == sectionClass && depth == 1:
			if sub, name, ok := splitEntry(body, 2); ok {
				subclass = uint8(sub)
				db.subclass[uint16(class)<<8|uint16(subclass)] = name
			}
		case sec == sectionClass && depth == 2:
			if proto, name, ok := splitEntry(body, 2); ok {
				key := uint32(class)<<16 | uint32(subclass)<<8 | uint32(proto)
				db.protocols[key] = name
			}
		}
	}
	return scanner.Err()
}

// splitEntry parses "<hex id of width digits>  <name>".
func splitEntry(s string, width int) (uint64, string, bool) {
	if len(s) < width+2 || s[width] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(s[:width], 16, width*4)
	if err != nil {
		return 0, "", false
	}
	name := strings.TrimLeft(s[width:], " ")
	if name == "" {
		return 0, "", false
	}
	return id, name, true
}

// Vendor returns the vendor name for vid, or "".
func (db *Database) Vendor(vid uint16) string {
	db.Load()
	return db.vendors[vid]
}

// Product returns the product name for vid:pid, or "".
func (db *Database) Product(vid, pid uint16) string {
	db.Load()
	return db.products[uint32(vid)<<16|uint32(pid)]
}

// Class returns the interface class path, e.g. "Mass Storage/SCSI/Bulk-Only",
// as far down as the database knows it. Unknown classes yield "".
func (db *Database) Class(class, subclass, protocol uint8) string {
	db.Load()
	name, ok := db.classes[class]
	if !ok {
		return ""
	}
	sub, ok := db.subclass[uint16(class)<<8|uint16(subclass)]
	if !ok {
		return name
	}
	name += "/" + sub
	if proto, ok := db.protocols[uint32(class)<<16|uint32(subclass)<<8|uint32(protocol)]; ok {
		name += "/" + proto
	}
	return name
}

// Describe returns "Vendor Product" for vid:pid, falling back to the hex
// pair for whatever part is unknown.
func (db *Database) Describe(vid, pid uint16) string {
	vendor := db.Vendor(vid)
	product := db.Product(vid, pid)
	switch {
	case vendor != "" && product != "":
		return vendor + " " + product
	case vendor != "":
		return fmt.Sprintf("%s %04x", vendor, pid)
	default:
		return fmt.Sprintf("%04x:%04x", vid, pid)
	}
}

// Counts returns the number of vendors and products loaded.
func (db *Database) Counts() (vendors, products int) {
	db.Load()
	return len(db.vendors), len(db.products)
}
