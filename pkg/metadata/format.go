package metadata

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fly-io/dsu-installer/pkg/errors"
)

// On-disk layout, little endian:
//
//	header: magic u32 | major u16 | minor u16 | header size u32 | body size u32 | sha256(body) [32]byte
//	body:   device | partition count u32 | partitions...
//	device: name | major u32 | minor u32 | sector size u32 | alignment u32 | size u64
//	partition: name | attributes u32 | extent count u32 | (logical u64, sectors u64, physical u64)...
//	name:   length u16 | bytes
const (
	Magic        uint32 = 0x4d555344 // "DSUM"
	MajorVersion uint16 = 1
	MinorVersion uint16 = 0

	headerSize = 4 + 2 + 2 + 4 + 4 + sha256.Size

	// Sanity bound on decoded counts, well above anything Build produces.
	maxRecords = 1 << 16
)

type header struct {
	Magic      uint32
	Major      uint16
	Minor      uint16
	HeaderSize uint32
	BodySize   uint32
	Checksum   [sha256.Size]byte
}

// Export serializes t.
func Export(t *Table) ([]byte, error) {
	var body bytes.Buffer
	w := &writer{buf: &body}

	w.name(t.Device.Name)
	w.put(t.Device.Major, t.Device.Minor, t.Device.SectorSize, t.Device.Alignment, t.Device.Size)
	w.put(uint32(len(t.Partitions)))
	for _, p := range t.Partitions {
		w.name(p.Name)
		w.put(uint32(p.Attributes), uint32(len(p.Extents)))
		for _, e := range p.Extents {
			w.put(e.LogicalSector, e.NumSectors, e.PhysicalSector)
		}
	}
	if w.err != nil {
		return nil, errors.Wrap(w.err, "failed to encode partition table")
	}

	h := header{
		Magic:      Magic,
		Major:      MajorVersion,
		Minor:      MinorVersion,
		HeaderSize: headerSize,
		BodySize:   uint32(body.Len()),
		Checksum:   sha256.Sum256(body.Bytes()),
	}

	out := bytes.NewBuffer(make([]byte, 0, headerSize+body.Len()))
	if err := binary.Write(out, binary.LittleEndian, &h); err != nil {
		return nil, errors.Wrap(err, "failed to encode header")
	}
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

// Import parses a blob produced by Export. Any malformed input fails with
// errors.ErrCorrupt.
func Import(blob []byte) (*Table, error) {
	if len(blob) < headerSize {
		return nil, corrupt("blob is %d bytes, shorter than header", len(blob))
	}

	var h header
	if err := binary.Read(bytes.NewReader(blob[:headerSize]), binary.LittleEndian, &h); err != nil {
		return nil, corrupt("unreadable header: %v", err)
	}
	if h.Magic != Magic {
		return nil, corrupt("bad magic %#x", h.Magic)
	}
	if h.Major != MajorVersion {
		return nil, corrupt("unsupported version %d.%d", h.Major, h.Minor)
	}
	if h.HeaderSize != headerSize {
		return nil, corrupt("header size %d, expected %d", h.HeaderSize, headerSize)
	}
	if uint64(len(blob)) != uint64(headerSize)+uint64(h.BodySize) {
		return nil, corrupt("blob is %d bytes, header declares %d", len(blob), headerSize+int(h.BodySize))
	}

	body := blob[headerSize:]
	if sha256.Sum256(body) != h.Checksum {
		return nil, corrupt("checksum mismatch")
	}

	r := &reader{r: bytes.NewReader(body)}
	t := &Table{}
	t.Device.Name = r.name()
	r.get(&t.Device.Major, &t.Device.Minor, &t.Device.SectorSize, &t.Device.Alignment, &t.Device.Size)

	var count uint32
	r.get(&count)
	if r.err == nil && count > maxRecords {
		return nil, corrupt("partition count %d out of range", count)
	}
	for i := uint32(0); i < count && r.err == nil; i++ {
		var p Partition
		var attrs, extents uint32
		p.Name = r.name()
		r.get(&attrs, &extents)
		if r.err == nil && extents > maxRecords {
			return nil, corrupt("extent count %d out of range", extents)
		}
		p.Attributes = Attr(attrs)
		for j := uint32(0); j < extents && r.err == nil; j++ {
			var e LinearExtent
			r.get(&e.LogicalSector, &e.NumSectors, &e.PhysicalSector)
			p.Extents = append(p.Extents, e)
		}
		t.Partitions = append(t.Partitions, p)
	}
	if r.err != nil {
		return nil, corrupt("truncated body: %v", r.err)
	}
	if r.r.Len() != 0 {
		return nil, corrupt("%d trailing bytes", r.r.Len())
	}

	if err := t.validate(); err != nil {
		return nil, corrupt("%v", err)
	}
	return t, nil
}

func (t *Table) validate() error {
	if err := checkName(t.Device.Name); err != nil {
		return err
	}
	seen := make(map[string]bool, len(t.Partitions))
	for _, p := range t.Partitions {
		if err := checkName(p.Name); err != nil {
			return err
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate partition %s", p.Name)
		}
		seen[p.Name] = true

		var next uint64
		for i, e := range p.Extents {
			if e.LogicalSector != next || e.NumSectors == 0 {
				return fmt.Errorf("partition %s extent %d is not contiguous", p.Name, i)
			}
			next += e.NumSectors
		}
	}
	return nil
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errors.ErrCorrupt, fmt.Sprintf(format, args...))
}

type writer struct {
	buf *bytes.Buffer
	err error
}

func (w *writer) put(values ...any) {
	for _, v := range values {
		if w.err != nil {
			return
		}
		w.err = binary.Write(w.buf, binary.LittleEndian, v)
	}
}

func (w *writer) name(s string) {
	if w.err == nil {
		w.err = checkName(s)
	}
	w.put(uint16(len(s)))
	if w.err == nil {
		w.buf.WriteString(s)
	}
}

type reader struct {
	r   *bytes.Reader
	err error
}

func (r *reader) get(values ...any) {
	for _, v := range values {
		if r.err != nil {
			return
		}
		r.err = binary.Read(r.r, binary.LittleEndian, v)
	}
}

func (r *reader) name() string {
	var n uint16
	r.get(&n)
	if r.err != nil {
		return ""
	}
	if n > MaxNameLength {
		r.err = fmt.Errorf("name length %d exceeds %d", n, MaxNameLength)
		return ""
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		r.err = err
		return ""
	}
	return string(buf)
}
