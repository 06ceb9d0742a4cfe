// porecall: a high-performance tool for basecalling nanopore sequencing data.
// Copyright (c) 2026 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/omics-engine/porecall/blob/master/LICENSE.txt>.

// Package hts implements the alignment container this tool emits:
// headers, records, the text and binary output modes, and the
// coordinate-sorting sink with its external-memory merge.
package hts

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/omics-engine/porecall/utils"
)

// FileFormatVersion is the header format version this package writes.
const FileFormatVersion = "1.6"

// Sorting orders recorded in the header.
const (
	Unknown    = "unknown"
	Unsorted   = "unsorted"
	Coordinate = "coordinate"
	Queryname  = "queryname"
)

// A Header holds the metadata section of an alignment container.
type Header struct {
	HD utils.StringMap
	SQ []utils.StringMap
	RG []utils.StringMap
	PG []utils.StringMap
	CO []string
}

// NewHeader returns an empty header.
func NewHeader() *Header { return &Header{} }

// EnsureHD returns the @HD line, creating it if necessary.
func (hdr *Header) EnsureHD() utils.StringMap {
	if hdr.HD == nil {
		hdr.HD = utils.StringMap{"VN": FileFormatVersion}
	}
	return hdr.HD
}

// SO returns the sorting order recorded in the header.
func (hdr *Header) SO() string {
	hd := hdr.EnsureHD()
	if sortingOrder, found := hd["SO"]; found {
		return sortingOrder
	}
	return Unknown
}

// SetSO records a sorting order in the header.
func (hdr *Header) SetSO(value string) {
	hdr.EnsureHD()["SO"] = value
}

// AddReferenceSequence appends an @SQ line.
func (hdr *Header) AddReferenceSequence(name string, length int32) {
	hdr.SQ = append(hdr.SQ, utils.StringMap{
		"SN": name,
		"LN": strconv.FormatInt(int64(length), 10),
	})
}

// NumReferences returns the number of reference sequences.
func (hdr *Header) NumReferences() int { return len(hdr.SQ) }

// Clone returns a deep copy of the header.
func (hdr *Header) Clone() *Header {
	clone := &Header{
		HD: cloneStringMap(hdr.HD),
		CO: append([]string(nil), hdr.CO...),
	}
	for _, sq := range hdr.SQ {
		clone.SQ = append(clone.SQ, cloneStringMap(sq))
	}
	for _, rg := range hdr.RG {
		clone.RG = append(clone.RG, cloneStringMap(rg))
	}
	for _, pg := range hdr.PG {
		clone.PG = append(clone.PG, cloneStringMap(pg))
	}
	return clone
}

func cloneStringMap(m utils.StringMap) utils.StringMap {
	if m == nil {
		return nil
	}
	clone := make(utils.StringMap, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}

// formatLine formats one header line with the leading fields in the
// given order and any remaining fields sorted, so that equal headers
// format to identical bytes.
func formatLine(out []byte, code string, record utils.StringMap, leading ...string) []byte {
	out = append(out, code...)
	seen := make(map[string]bool, len(record))
	for _, key := range leading {
		if value, found := record[key]; found {
			out = append(out, '\t')
			out = append(out, key...)
			out = append(out, ':')
			out = append(out, value...)
			seen[key] = true
		}
	}
	rest := make([]string, 0, len(record))
	for key := range record {
		if !seen[key] {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	for _, key := range rest {
		out = append(out, '\t')
		out = append(out, key...)
		out = append(out, ':')
		out = append(out, record[key]...)
	}
	return append(out, '\n')
}

// Format appends the text form of the header.
func (hdr *Header) Format(out []byte) []byte {
	if hdr.HD != nil {
		out = formatLine(out, "@HD", hdr.HD, "VN", "SO")
	}
	for _, sq := range hdr.SQ {
		out = formatLine(out, "@SQ", sq, "SN", "LN")
	}
	for _, rg := range hdr.RG {
		out = formatLine(out, "@RG", rg, "ID")
	}
	for _, pg := range hdr.PG {
		out = formatLine(out, "@PG", pg, "ID")
	}
	for _, co := range hdr.CO {
		out = append(out, "@CO\t"...)
		out = append(out, co...)
		out = append(out, '\n')
	}
	return out
}

// Equal reports whether two headers format to identical bytes.
func (hdr *Header) Equal(other *Header) bool {
	return bytes.Equal(hdr.Format(nil), other.Format(nil))
}

// ParseHeader parses the text form of a header.
func ParseHeader(text []byte) (*Header, error) {
	hdr := NewHeader()
	for lineNo, line := range strings.Split(string(text), "\n") {
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "@") || len(line) < 3 {
			return nil, fmt.Errorf("invalid header line %v: %q", lineNo+1, line)
		}
		code := line[:3]
		if code == "@CO" {
			hdr.CO = append(hdr.CO, strings.TrimPrefix(line[3:], "\t"))
			continue
		}
		record := utils.StringMap{}
		for _, field := range strings.Split(line, "\t")[1:] {
			key, value, found := strings.Cut(field, ":")
			if !found {
				return nil, fmt.Errorf("invalid header field %q in line %v", field, lineNo+1)
			}
			record[key] = value
		}
		switch code {
		case "@HD":
			hdr.HD = record
		case "@SQ":
			hdr.SQ = append(hdr.SQ, record)
		case "@RG":
			hdr.RG = append(hdr.RG, record)
		case "@PG":
			hdr.PG = append(hdr.PG, record)
		default:
			return nil, fmt.Errorf("unknown header record type %v in line %v", code, lineNo+1)
		}
	}
	return hdr, nil
}

// SQLN returns the LN entry of an @SQ header line.
func SQLN(record utils.StringMap) (int32, error) {
	ln, found := record["LN"]
	if !found {
		return 0x7FFFFFFF, errors.New("LN entry in a SQ header line missing")
	}
	val, err := strconv.ParseInt(ln, 10, 32)
	return int32(val), err
}
