package handlers

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Intel HEX record types.
const (
	hexData            = 0x00
	hexEOF             = 0x01
	hexExtendedSegment = 0x02
	hexStartSegment    = 0x03
	hexExtendedLinear  = 0x04
	hexStartLinear     = 0x05
)

// hexFill is the value of erased flash.
const hexFill byte = 0xFF

var errHexNoData = errors.New("hex file contains no data")

// isIntelHex reports whether data looks like an Intel HEX file.
func isIntelHex(name string, data []byte) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".hex", ".ihex":
		return true
	case ".bin":
		return false
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == ':'
}

// parseIntelHex flattens the data records into one image starting at the
// lowest address. Gaps are filled with erased flash bytes.
func parseIntelHex(data []byte) (image []byte, base uint32, err error) {
	type chunk struct {
		addr uint32
		data []byte
	}
	var (
		chunks []chunk
		upper  uint32
		lo     uint32 = ^uint32(0)
		hi     uint32
		sawEOF bool
	)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if sawEOF {
			return nil, 0, fmt.Errorf("line %d: data after end-of-file record", lineNo)
		}
		if line[0] != ':' {
			return nil, 0, fmt.Errorf("line %d: missing ':' start code", lineNo)
		}
		raw, err := hex.DecodeString(line[1:])
		if err != nil {
			return nil, 0, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if len(raw) < 5 || len(raw) != int(raw[0])+5 {
			return nil, 0, fmt.Errorf("line %d: bad record length", lineNo)
		}
		var sum byte
		for _, b := range raw {
			sum += b
		}
		if sum != 0 {
			return nil, 0, fmt.Errorf("line %d: checksum mismatch", lineNo)
		}

		payload := raw[4 : len(raw)-1]
		offset := uint32(raw[1])<<8 | uint32(raw[2])
		switch raw[3] {
		case hexData:
			addr := upper + offset
			chunks = append(chunks, chunk{addr: addr, data: payload})
			lo = min(lo, addr)
			hi = max(hi, addr+uint32(len(payload)))
		case hexEOF:
			sawEOF = true
		case hexExtendedSegment:
			if len(payload) != 2 {
				return nil, 0, fmt.Errorf("line %d: bad segment address record", lineNo)
			}
			upper = (uint32(payload[0])<<8 | uint32(payload[1])) << 4
		case hexExtendedLinear:
			if len(payload) != 2 {
				return nil, 0, fmt.Errorf("line %d: bad linear address record", lineNo)
			}
			upper = (uint32(payload[0])<<8 | uint32(payload[1])) << 16
		case hexStartSegment, hexStartLinear:
		default:
			return nil, 0, fmt.Errorf("line %d: unknown record type 0x%02x", lineNo, raw[3])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	if !sawEOF {
		return nil, 0, errors.New("hex file has no end-of-file record")
	}
	if len(chunks) == 0 {
		return nil, 0, errHexNoData
	}

	image = bytes.Repeat([]byte{hexFill}, int(hi-lo))
	for _, c := range chunks {
		copy(image[c.addr-lo:], c.data)
	}
	return image, lo, nil
}
