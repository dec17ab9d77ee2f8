package ledger

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// String capacities in bytes.
const (
	MaxProjectIDLen   = 32
	MaxTitleLen       = 100
	MaxMinistryLen    = 50
	MaxDescriptionLen = 200
	MaxProofURLLen    = 200
)

// Fixed record sizes, schema tag included.
const (
	TagSize = 8

	PlatformRegistrySize = TagSize + 32 + 8
	ProjectSize          = TagSize + (4 + MaxProjectIDLen) + (4 + MaxTitleLen) + (4 + MaxMinistryLen) + 8 + 8 + 8 + 1 + 8 + 32
	MilestoneSize        = TagSize + (4 + MaxProjectIDLen) + 1 + (4 + MaxDescriptionLen) + 8 + 1 + (1 + 8) + (4 + MaxProofURLLen)
)

// Kind names a record schema.
type Kind string

const (
	KindPlatformRegistry Kind = "PlatformRegistry"
	KindProject          Kind = "Project"
	KindMilestone        Kind = "Milestone"
)

var (
	platformTag  = schemaTag(KindPlatformRegistry)
	projectTag   = schemaTag(KindProject)
	milestoneTag = schemaTag(KindMilestone)
)

func schemaTag(k Kind) [TagSize]byte {
	sum := blake2b.Sum256([]byte("account:" + string(k)))
	var tag [TagSize]byte
	copy(tag[:], sum[:TagSize])
	return tag
}

// KindOf reports which schema the record bytes carry.
func KindOf(data []byte) (Kind, error) {
	if len(data) < TagSize {
		return "", fmt.Errorf("%w: %d bytes is shorter than the schema tag", ErrInvalidRecord, len(data))
	}
	var tag [TagSize]byte
	copy(tag[:], data[:TagSize])
	switch tag {
	case platformTag:
		return KindPlatformRegistry, nil
	case projectTag:
		return KindProject, nil
	case milestoneTag:
		return KindMilestone, nil
	}
	return "", fmt.Errorf("%w: unknown schema tag %x", ErrInvalidRecord, tag)
}

// PlatformRegistry is the singleton platform record.
type PlatformRegistry struct {
	Admin        Pubkey `json:"admin"`
	ProjectCount uint64 `json:"project_count"`
}

// Project is a spending project with its budget totals.
type Project struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Ministry       string `json:"ministry"`
	TotalBudget    uint64 `json:"total_budget"`
	TotalAllocated uint64 `json:"total_allocated"`
	TotalReleased  uint64 `json:"total_released"`
	MilestoneCount uint8  `json:"milestone_count"`
	CreatedAt      int64  `json:"created_at"`
	Authority      Pubkey `json:"authority"`
}

// Milestone is a budget allocation under a project, released at most once.
type Milestone struct {
	ProjectID   string `json:"project_id"`
	Index       uint8  `json:"index"`
	Description string `json:"description"`
	Amount      uint64 `json:"amount"`
	IsReleased  bool   `json:"is_released"`
	ReleasedAt  *int64 `json:"released_at,omitempty"`
	ProofURL    string `json:"proof_url"`
}

func (r *PlatformRegistry) MarshalBinary() ([]byte, error) {
	e := newEncoder(PlatformRegistrySize, platformTag)
	e.bytes(r.Admin[:])
	e.u64(r.ProjectCount)
	return e.finish()
}

func (r *PlatformRegistry) UnmarshalBinary(data []byte) error {
	d, err := newDecoder(data, PlatformRegistrySize, platformTag)
	if err != nil {
		return err
	}
	var out PlatformRegistry
	d.bytes(out.Admin[:])
	out.ProjectCount = d.u64()
	if d.err != nil {
		return d.err
	}
	*r = out
	return nil
}

func (p *Project) MarshalBinary() ([]byte, error) {
	e := newEncoder(ProjectSize, projectTag)
	e.str(p.ID, MaxProjectIDLen, "id")
	e.str(p.Title, MaxTitleLen, "title")
	e.str(p.Ministry, MaxMinistryLen, "ministry")
	e.u64(p.TotalBudget)
	e.u64(p.TotalAllocated)
	e.u64(p.TotalReleased)
	e.u8(p.MilestoneCount)
	e.i64(p.CreatedAt)
	e.bytes(p.Authority[:])
	return e.finish()
}

func (p *Project) UnmarshalBinary(data []byte) error {
	d, err := newDecoder(data, ProjectSize, projectTag)
	if err != nil {
		return err
	}
	var out Project
	out.ID = d.str(MaxProjectIDLen, "id")
	out.Title = d.str(MaxTitleLen, "title")
	out.Ministry = d.str(MaxMinistryLen, "ministry")
	out.TotalBudget = d.u64()
	out.TotalAllocated = d.u64()
	out.TotalReleased = d.u64()
	out.MilestoneCount = d.u8()
	out.CreatedAt = d.i64()
	d.bytes(out.Authority[:])
	if d.err != nil {
		return d.err
	}
	*p = out
	return nil
}

func (m *Milestone) MarshalBinary() ([]byte, error) {
	e := newEncoder(MilestoneSize, milestoneTag)
	e.str(m.ProjectID, MaxProjectIDLen, "project_id")
	e.u8(m.Index)
	e.str(m.Description, MaxDescriptionLen, "description")
	e.u64(m.Amount)
	e.boolean(m.IsReleased)
	if m.ReleasedAt != nil {
		e.u8(1)
		e.i64(*m.ReleasedAt)
	} else {
		e.u8(0)
		e.i64(0)
	}
	e.str(m.ProofURL, MaxProofURLLen, "proof_url")
	return e.finish()
}

func (m *Milestone) UnmarshalBinary(data []byte) error {
	d, err := newDecoder(data, MilestoneSize, milestoneTag)
	if err != nil {
		return err
	}
	var out Milestone
	out.ProjectID = d.str(MaxProjectIDLen, "project_id")
	out.Index = d.u8()
	out.Description = d.str(MaxDescriptionLen, "description")
	out.Amount = d.u64()
	out.IsReleased = d.boolean()
	present := d.boolean()
	at := d.i64()
	if present {
		out.ReleasedAt = &at
	}
	out.ProofURL = d.str(MaxProofURLLen, "proof_url")
	if d.err != nil {
		return d.err
	}
	*m = out
	return nil
}

// encoder writes little-endian fields into a zero-padded fixed buffer.
type encoder struct {
	buf  bytes.Buffer
	size int
	err  error
}

func newEncoder(size int, tag [TagSize]byte) *encoder {
	e := &encoder{size: size}
	e.buf.Grow(size)
	e.buf.Write(tag[:])
	return e
}

func (e *encoder) bytes(b []byte) { e.buf.Write(b) }

func (e *encoder) u8(v uint8) { e.buf.WriteByte(v) }

func (e *encoder) boolean(v bool) {
	if v {
		e.u8(1)
		return
	}
	e.u8(0)
}

func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) i64(v int64) { e.u64(uint64(v)) }

func (e *encoder) str(s string, max int, field string) {
	if len(s) > max {
		if e.err == nil {
			e.err = fmt.Errorf("%s is %d bytes, capacity %d: %w", field, len(s), max, ErrFieldTooLong)
		}
		return
	}
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(s)))
	e.buf.Write(n[:])
	e.buf.WriteString(s)
}

func (e *encoder) finish() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([]byte, e.size)
	copy(out, e.buf.Bytes())
	return out, nil
}

// decoder reads the fields written by encoder; the first failure sticks.
type decoder struct {
	data []byte
	off  int
	err  error
}

func newDecoder(data []byte, size int, tag [TagSize]byte) (*decoder, error) {
	if len(data) < size {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidRecord, len(data), size)
	}
	if !bytes.Equal(data[:TagSize], tag[:]) {
		return nil, fmt.Errorf("%w: schema tag mismatch", ErrInvalidRecord)
	}
	return &decoder{data: data[:size], off: TagSize}, nil
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.data) {
		d.err = fmt.Errorf("%w: truncated at offset %d", ErrInvalidRecord, d.off)
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) bytes(dst []byte) { copy(dst, d.take(len(dst))) }

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) boolean() bool {
	v := d.u8()
	if v > 1 && d.err == nil {
		d.err = fmt.Errorf("%w: invalid bool byte %d", ErrInvalidRecord, v)
	}
	return v == 1
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) i64() int64 { return int64(d.u64()) }

func (d *decoder) str(max int, field string) string {
	b := d.take(4)
	if b == nil {
		return ""
	}
	n := binary.LittleEndian.Uint32(b)
	if int(n) > max {
		d.err = fmt.Errorf("%w: %s length %d exceeds %d", ErrInvalidRecord, field, n, max)
		return ""
	}
	return string(d.take(int(n)))
}
