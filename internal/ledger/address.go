package ledger

import (
	"encoding/binary"
	"io"

	"golang.org/x/crypto/blake2b"
)

// Namespace tags for record addresses.
const (
	TagPlatform  = "platform"
	TagProject   = "project"
	TagMilestone = "milestone"
)

// domain separates these addresses from any other BLAKE2b use of the same inputs.
const domain = "openbudget/v1"

// DeriveAddress maps a namespace tag and identifying parts to a record
// address. Every input is length-framed, so ("ab","c") and ("a","bc")
// never share an address.
func DeriveAddress(tag string, parts ...[]byte) Address {
	h, _ := blake2b.New256(nil)
	writeFramed(h, []byte(domain))
	writeFramed(h, []byte(tag))
	for _, p := range parts {
		writeFramed(h, p)
	}
	var a Address
	copy(a[:], h.Sum(nil))
	return a
}

func writeFramed(w io.Writer, p []byte) {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(p)))
	_, _ = w.Write(n[:])
	_, _ = w.Write(p)
}

// PlatformAddress is the address of the singleton registry.
func PlatformAddress() Address {
	return DeriveAddress(TagPlatform)
}

// ProjectAddress is the address of the project with the given id.
func ProjectAddress(projectID string) Address {
	return DeriveAddress(TagProject, []byte(projectID))
}

// MilestoneAddress is the address of milestone index under projectID.
func MilestoneAddress(projectID string, index uint8) Address {
	return DeriveAddress(TagMilestone, []byte(projectID), []byte{index})
}
