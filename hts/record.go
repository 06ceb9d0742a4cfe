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

package hts

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/omics-engine/porecall/utils"
	"github.com/omics-engine/porecall/utils/nibbles"
)

// Record flags.
const (
	Unmapped uint16 = 0x4
	Reversed uint16 = 0x10
)

// A Record is one alignment record. Sequence bases are packed two to a
// byte; qualities are raw phred scores without offset.
type Record struct {
	QNAME string
	FLAG  uint16
	RefID int32
	POS   int32
	MAPQ  byte
	Seq   nibbles.Nibbles
	Qual  []byte
	TAGS  utils.SmallMap
}

// IsUnmapped reports whether the record is unmapped.
func (rec *Record) IsUnmapped() bool { return (rec.FLAG & Unmapped) != 0 }

// SortingKey returns the coordinate sorting key of a record. Unmapped
// records (reference id -1) sort after every mapped record.
func (rec *Record) SortingKey() uint64 {
	return uint64(uint32(rec.RefID))<<32 | uint64(uint32(rec.POS))
}

// seqNibbleChars maps 4-bit base codes to characters, following the
// conventional 16-letter alignment alphabet.
const seqNibbleChars = "=ACMGRSVTWYHKDBN"

var seqCharNibbles = func() [256]byte {
	var table [256]byte
	for i := range table {
		table[i] = 15
	}
	for code, char := range seqNibbleChars {
		table[char] = byte(code)
	}
	return table
}()

// SetSeq packs a base sequence into the record.
func (rec *Record) SetSeq(seq []byte) {
	rec.Seq = nibbles.Make(len(seq))
	for i, base := range seq {
		rec.Seq.Set(i, seqCharNibbles[base])
	}
}

// SeqString unpacks the record's sequence into characters.
func (rec *Record) SeqString() []byte {
	seq := rec.Seq.Expand()
	for i, code := range seq {
		seq[i] = seqNibbleChars[code]
	}
	return seq
}

// Tag value type codes in the binary record layout.
const (
	tagInt    = 'i'
	tagString = 'Z'
	tagBytes  = 'B'
)

// Marshal appends the binary form of the record.
func (rec *Record) Marshal(out []byte) []byte {
	out = binary.LittleEndian.AppendUint16(out, rec.FLAG)
	out = binary.LittleEndian.AppendUint32(out, uint32(rec.RefID))
	out = binary.LittleEndian.AppendUint32(out, uint32(rec.POS))
	out = append(out, rec.MAPQ)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(rec.QNAME)))
	out = append(out, rec.QNAME...)
	seqLen, seqBytes := rec.Seq.ReflectValue()
	out = binary.LittleEndian.AppendUint32(out, uint32(seqLen))
	out = append(out, seqBytes...)
	out = append(out, rec.Qual...)
	out = append(out, byte(len(rec.TAGS)))
	for _, entry := range rec.TAGS {
		key := *entry.Key
		out = append(out, key[0], key[1])
		switch value := entry.Value.(type) {
		case int64:
			out = append(out, tagInt)
			out = binary.LittleEndian.AppendUint64(out, uint64(value))
		case string:
			out = append(out, tagString)
			out = binary.LittleEndian.AppendUint32(out, uint32(len(value)))
			out = append(out, value...)
		case []byte:
			out = append(out, tagBytes)
			out = binary.LittleEndian.AppendUint32(out, uint32(len(value)))
			out = append(out, value...)
		default:
			panic(fmt.Sprintf("unsupported tag value type %T for tag %v", entry.Value, key))
		}
	}
	return out
}

// Unmarshal parses the binary form of a record.
func (rec *Record) Unmarshal(data []byte) error {
	parse := func(n int) ([]byte, error) {
		if len(data) < n {
			return nil, fmt.Errorf("truncated record: need %v bytes, have %v", n, len(data))
		}
		field := data[:n]
		data = data[n:]
		return field, nil
	}
	field, err := parse(13)
	if err != nil {
		return err
	}
	rec.FLAG = binary.LittleEndian.Uint16(field)
	rec.RefID = int32(binary.LittleEndian.Uint32(field[2:]))
	rec.POS = int32(binary.LittleEndian.Uint32(field[6:]))
	rec.MAPQ = field[10]
	qnameLen := int(binary.LittleEndian.Uint16(field[11:]))
	if field, err = parse(qnameLen); err != nil {
		return err
	}
	rec.QNAME = string(field)
	if field, err = parse(4); err != nil {
		return err
	}
	seqLen := int(binary.LittleEndian.Uint32(field))
	if field, err = parse((seqLen + 1) >> 1); err != nil {
		return err
	}
	rec.Seq = nibbles.ReflectMake(seqLen, append([]byte(nil), field...))
	if field, err = parse(seqLen); err != nil {
		return err
	}
	rec.Qual = append([]byte(nil), field...)
	if field, err = parse(1); err != nil {
		return err
	}
	numTags := int(field[0])
	rec.TAGS = make(utils.SmallMap, 0, numTags)
	for i := 0; i < numTags; i++ {
		if field, err = parse(3); err != nil {
			return err
		}
		key := utils.Intern(string(field[:2]))
		switch field[2] {
		case tagInt:
			if field, err = parse(8); err != nil {
				return err
			}
			rec.TAGS.Set(key, int64(binary.LittleEndian.Uint64(field)))
		case tagString:
			if field, err = parse(4); err != nil {
				return err
			}
			length := int(binary.LittleEndian.Uint32(field))
			if field, err = parse(length); err != nil {
				return err
			}
			rec.TAGS.Set(key, string(field))
		case tagBytes:
			if field, err = parse(4); err != nil {
				return err
			}
			length := int(binary.LittleEndian.Uint32(field))
			if field, err = parse(length); err != nil {
				return err
			}
			rec.TAGS.Set(key, append([]byte(nil), field...))
		default:
			return fmt.Errorf("unknown tag value type %v", field[2])
		}
	}
	if len(data) != 0 {
		return fmt.Errorf("%v trailing bytes after record", len(data))
	}
	return nil
}

// FormatSAM appends the text form of the record.
func (rec *Record) FormatSAM(out []byte, hdr *Header) []byte {
	out = append(out, rec.QNAME...)
	out = append(out, '\t')
	out = strconv.AppendUint(out, uint64(rec.FLAG), 10)
	out = append(out, '\t')
	if rec.RefID >= 0 && int(rec.RefID) < len(hdr.SQ) {
		out = append(out, hdr.SQ[rec.RefID]["SN"]...)
	} else {
		out = append(out, '*')
	}
	out = append(out, '\t')
	out = strconv.AppendInt(out, int64(rec.POS)+1, 10)
	out = append(out, '\t')
	out = strconv.AppendUint(out, uint64(rec.MAPQ), 10)
	out = append(out, "\t*\t*\t0\t0\t"...)
	if rec.Seq.Len() == 0 {
		out = append(out, '*')
	} else {
		out = append(out, rec.SeqString()...)
	}
	out = append(out, '\t')
	if len(rec.Qual) == 0 {
		out = append(out, '*')
	} else {
		for _, q := range rec.Qual {
			out = append(out, q+'!')
		}
	}
	for _, entry := range rec.TAGS {
		out = append(out, '\t')
		out = append(out, *entry.Key...)
		switch value := entry.Value.(type) {
		case int64:
			out = append(out, ":i:"...)
			out = strconv.AppendInt(out, value, 10)
		case string:
			out = append(out, ":Z:"...)
			out = append(out, value...)
		case []byte:
			out = append(out, ":B:C"...)
			for _, b := range value {
				out = append(out, ',')
				out = strconv.AppendUint(out, uint64(b), 10)
			}
		}
	}
	return append(out, '\n')
}

// FormatFASTQ appends the FASTQ form of the record.
func (rec *Record) FormatFASTQ(out []byte) []byte {
	out = append(out, '@')
	out = append(out, rec.QNAME...)
	out = append(out, '\n')
	out = append(out, rec.SeqString()...)
	out = append(out, "\n+\n"...)
	for _, q := range rec.Qual {
		out = append(out, q+'!')
	}
	return append(out, '\n')
}
