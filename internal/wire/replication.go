package wire

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"strconv"

	"github.com/linux/projects/server/walproxy/internal/walpos"
)

// This file implements the minimal downstream replication wire
// protocol subset described in SPEC_FULL.md §4.5/§6: just enough of
// the startup/query/COPY-both exchange for a client to authenticate
// itself as a no-op, issue IDENTIFY_SYSTEM or START_REPLICATION, and
// then receive a stream of CopyData-wrapped WAL frames.

// ReadyForQuery is the fixed auth-ok + ready-for-query preamble sent
// immediately after the startup packet is discarded.
func ReadyForQuery() []byte {
	buf := make([]byte, 0, 8+5+6)
	// AuthenticationOk: 'R' | len=8 | authType=0
	buf = append(buf, 'R')
	buf = appendUint32(buf, 8)
	buf = appendUint32(buf, 0)
	// ReadyForQuery: 'Z' | len=5 | status='I' (idle)
	buf = append(buf, 'Z')
	buf = appendUint32(buf, 5)
	buf = append(buf, 'I')
	return buf
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

// StartReplicationPattern matches `START_REPLICATION %X/%X TIMELINE %u`.
var StartReplicationPattern = regexp.MustCompile(`(?i)^START_REPLICATION\s+([0-9A-Fa-f]+)/([0-9A-Fa-f]+)\s+TIMELINE\s+(\d+)$`)

// ParseStartReplication extracts the start LSN and timeline from a
// START_REPLICATION query string, or ok=false if it doesn't match.
func ParseStartReplication(query string) (startLSN walpos.LSN, timeline uint32, ok bool) {
	m := StartReplicationPattern.FindStringSubmatch(query)
	if m == nil {
		return 0, 0, false
	}
	hi, err1 := strconv.ParseUint(m[1], 16, 32)
	lo, err2 := strconv.ParseUint(m[2], 16, 32)
	tl, err3 := strconv.ParseUint(m[3], 10, 32)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, false
	}
	return walpos.LSN(hi<<32 | lo), uint32(tl), true
}

// IsIdentifySystem reports whether query is (case-insensitively) the
// IDENTIFY_SYSTEM command.
func IsIdentifySystem(query string) bool {
	return len(query) >= len("IDENTIFY_SYSTEM") &&
		regexp.MustCompile(`(?i)^IDENTIFY_SYSTEM\s*;?\s*$`).MatchString(query)
}

// IdentifySystemReply builds the canonical row-description + one data
// row + CommandComplete + ReadyForQuery response to IDENTIFY_SYSTEM.
func IdentifySystemReply(sysID uint64, timeline uint32, lsn walpos.LSN) []byte {
	lsnStr := lsn.String()
	sysIDStr := strconv.FormatUint(sysID, 10)
	tlStr := strconv.FormatUint(uint64(timeline), 10)

	var out []byte

	// RowDescription: 4 columns, all text (oid 25), matching the
	// canonical systemid/timeline/xlogpos/dbname shape.
	cols := []string{"systemid", "timeline", "xlogpos", "dbname"}
	rowDesc := []byte{'T'}
	body := appendUint16(nil, uint16(len(cols)))
	for _, c := range cols {
		body = append(body, []byte(c)...)
		body = append(body, 0)
		body = appendUint32(body, 0)  // table oid
		body = appendUint16(body, 0)  // column attr number
		body = appendUint32(body, 25) // text oid
		body = appendUint16(body, 0xFFFF)
		body = appendUint32(body, 0xFFFFFFFF)
		body = appendUint16(body, 0)
	}
	rowDesc = append(rowDesc, appendUint32(nil, uint32(4+len(body)))...)
	rowDesc = append(rowDesc, body...)
	out = append(out, rowDesc...)

	// DataRow: systemid, timeline, xlogpos, dbname(null)
	dataRow := []byte{'D'}
	drBody := appendUint16(nil, 4)
	drBody = appendTextField(drBody, sysIDStr)
	drBody = appendTextField(drBody, tlStr)
	drBody = appendTextField(drBody, lsnStr)
	drBody = appendUint32(drBody, 0xFFFFFFFF) // null dbname
	dataRow = append(dataRow, appendUint32(nil, uint32(4+len(drBody)))...)
	dataRow = append(dataRow, drBody...)
	out = append(out, dataRow...)

	// CommandComplete
	tag := []byte("IDENTIFY_SYSTEM\x00")
	cc := []byte{'C'}
	cc = append(cc, appendUint32(nil, uint32(4+len(tag)))...)
	cc = append(cc, tag...)
	out = append(out, cc...)

	out = append(out, readyForQueryOnly()...)
	return out
}

func readyForQueryOnly() []byte {
	buf := []byte{'Z'}
	buf = appendUint32(buf, 5)
	buf = append(buf, 'I')
	return buf
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendTextField(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, []byte(s)...)
}

// CopyBothResponse is the 'W' message that enters COPY-both mode:
// format byte 0 (textual) and zero result columns.
func CopyBothResponse() []byte {
	buf := []byte{'W'}
	buf = appendUint32(buf, 7)
	buf = append(buf, 0) // overall format: textual
	buf = appendUint16(buf, 0)
	return buf
}

// CopyDataFrameHeaderSize is the fixed 'd' + length header preceding
// each CopyData-wrapped WAL frame sent to a downstream consumer.
const CopyDataFrameHeaderSize = 1 + 4

// WrapCopyData wraps an already-encoded 'w' WAL frame in a CopyData
// message for the replication wire.
func WrapCopyData(walFrame []byte) []byte {
	buf := make([]byte, 0, CopyDataFrameHeaderSize+len(walFrame))
	buf = append(buf, 'd')
	buf = appendUint32(buf, uint32(4+len(walFrame)))
	buf = append(buf, walFrame...)
	return buf
}

// UnwrapCopyData strips the CopyData envelope and returns the inner
// payload (expected to be a 'w' WAL frame or a replica feedback 'd'
// frame depending on direction).
func UnwrapCopyData(msg []byte) ([]byte, error) {
	if len(msg) < CopyDataFrameHeaderSize || msg[0] != 'd' {
		return nil, fmt.Errorf("wire: UnwrapCopyData: not a CopyData message")
	}
	declared := binary.BigEndian.Uint32(msg[1:5])
	if int(declared) != len(msg)-1 {
		return nil, fmt.Errorf("wire: UnwrapCopyData: length mismatch: declared=%d actual=%d", declared, len(msg)-1)
	}
	return msg[5:], nil
}
