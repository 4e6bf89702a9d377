package frame

import (
	"encoding/binary"
	"math"

	"github.com/snksoft/crc"
)

var crcTable = crc.NewTable(crc.CRC64ECMA)

// ChecksumBytes computes the CRC64-ECMA of a raw byte buffer.  It is the
// same polynomial the Checksum method uses, so stored products and
// in-memory frames gate on comparable values.
func ChecksumBytes(b []byte) uint64 {
	c := crcTable.InitCrc()
	c = crcTable.UpdateCrc(c, b)
	return crcTable.CRC(c)
}

// Checksum computes the CRC64-ECMA of the frame's shape, tags and pixel
// bytes.  Two frames check out equal iff they are bit-identical, which
// is what the master cache's reuse gate requires.
func (f *Frame) Checksum() uint64 {
	c := crcTable.InitCrc()
	c = crcTable.UpdateCrc(c, []byte(f.Detector))
	c = crcTable.UpdateCrc(c, []byte(f.Stage))

	var hdr [16]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(f.rows))
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(f.cols))
	c = crcTable.UpdateCrc(c, hdr[:])

	buf := make([]byte, 8*len(f.data))
	for i, v := range f.data {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	c = crcTable.UpdateCrc(c, buf)
	return crcTable.CRC(c)
}
