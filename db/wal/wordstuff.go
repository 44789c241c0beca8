// Package wal persists committed transactions as self-delimiting records.
//
// Records are framed with word stuffing: each record starts with the two
// byte marker 0xFE 0xFD and the marker never occurs inside an encoded body.
// The body is a sequence of runs, each a run-length header followed by that
// many literal bytes. The first header of a record is one base-253 digit and
// later headers are two, so no header byte can start a marker. A run shorter
// than the maximum length stands for its literal bytes followed by an
// escaped marker, except for the last run of the record. A run of maximum
// length carries no marker and is always followed by another run.
//
// A torn or overwritten write only damages the records it overlaps: a
// reader can resynchronize on the next marker.
package wal

import (
	"bytes"

	"github.com/pkg/errors"
)

const (
	markerFirst  = 0xFE
	markerSecond = 0xFD

	// HeaderSize is the length of the record marker.
	HeaderSize = 2

	radix        = 253
	maxFirstRun  = radix - 1
	maxLaterRun  = radix*radix - 1
	laterRunSize = 2
)

var marker = []byte{markerFirst, markerSecond}

// ErrCorrupt is returned by Decode for input that is not a valid record.
var ErrCorrupt = errors.New("wal: corrupt word-stuffed record")

// MaxEncodedLen returns an upper bound of the encoded size of n bytes,
// marker included.
func MaxEncodedLen(n int) int {
	return HeaderSize + n + laterRunSize*(2+n/maxLaterRun)
}

// Encode appends the framed encoding of src to dst.
func Encode(dst, src []byte) []byte {
	dst = append(dst, marker...)
	first := true
	for pos := 0; ; {
		maxRun := maxLaterRun
		if first {
			maxRun = maxFirstRun
		}
		run := bytes.Index(src[pos:], marker)
		escaped := run >= 0
		if !escaped {
			run = len(src) - pos
		}
		if run >= maxRun {
			dst = appendRunHeader(dst, maxRun, first)
			dst = append(dst, src[pos:pos+maxRun]...)
			pos += maxRun
			first = false
			continue
		}
		dst = appendRunHeader(dst, run, first)
		dst = append(dst, src[pos:pos+run]...)
		if !escaped {
			return dst
		}
		pos += run + len(marker)
		first = false
	}
}

func appendRunHeader(dst []byte, n int, first bool) []byte {
	if first {
		return append(dst, byte(n))
	}
	return append(dst, byte(n%radix), byte(n/radix))
}

// Decode appends the decoded body of the record in src to dst. src must
// start with the marker and hold exactly one record.
func Decode(dst, src []byte) ([]byte, error) {
	if !bytes.HasPrefix(src, marker) {
		return dst, errors.WithStack(ErrCorrupt)
	}
	pos := HeaderSize
	first := true
	for {
		var run, maxRun int
		if first {
			if pos >= len(src) || src[pos] >= radix {
				return dst, errors.WithStack(ErrCorrupt)
			}
			run, maxRun = int(src[pos]), maxFirstRun
			pos++
		} else {
			if pos+laterRunSize > len(src) || src[pos] >= radix || src[pos+1] >= radix {
				return dst, errors.WithStack(ErrCorrupt)
			}
			run, maxRun = int(src[pos])+radix*int(src[pos+1]), maxLaterRun
			pos += laterRunSize
		}
		if run > len(src)-pos {
			return dst, errors.WithStack(ErrCorrupt)
		}
		literal := src[pos : pos+run]
		if bytes.Contains(literal, marker) {
			return dst, errors.WithStack(ErrCorrupt)
		}
		dst = append(dst, literal...)
		pos += run
		first = false
		if run == maxRun {
			continue
		}
		if pos == len(src) {
			return dst, nil
		}
		dst = append(dst, marker...)
	}
}

// FindHeader returns the index of the first record marker in data, or -1.
func FindHeader(data []byte) int {
	return bytes.Index(data, marker)
}

// Split cuts a stream into its records. Bytes before the first marker are
// dropped; the last record runs to the end of data.
func Split(data []byte) [][]byte {
	var records [][]byte
	start := FindHeader(data)
	for start >= 0 {
		next := FindHeader(data[start+HeaderSize:])
		if next < 0 {
			records = append(records, data[start:])
			break
		}
		end := start + HeaderSize + next
		records = append(records, data[start:end])
		start = end
	}
	return records
}
