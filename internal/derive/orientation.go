package derive

import (
	"encoding/binary"
	"image"
	"io"

	"github.com/disintegration/imaging"
)

// EXIF orientation tag values (tag 0x0112).
const (
	orientationUnset = 0
	orientationMax   = 8
)

// ReadOrientation scans a JPEG stream for the EXIF orientation tag and
// returns its value (1..8). Anything that prevents reading the tag — a
// non-JPEG stream, a missing APP1 segment, a truncated or malformed TIFF
// block — yields 0, never an error: orientation is best effort.
func ReadOrientation(r io.Reader) int {
	var soi uint16
	if err := binary.Read(r, binary.BigEndian, &soi); err != nil || soi != 0xffd8 {
		return orientationUnset
	}

	// Walk segments until APP1 or the start of entropy-coded data.
	for {
		var marker, size uint16
		if err := binary.Read(r, binary.BigEndian, &marker); err != nil {
			return orientationUnset
		}
		if marker>>8 != 0xff {
			return orientationUnset
		}
		if marker == 0xffda { // SOS, no EXIF past this point
			return orientationUnset
		}
		if err := binary.Read(r, binary.BigEndian, &size); err != nil || size < 2 {
			return orientationUnset
		}
		if marker == 0xffe1 {
			return readExifOrientation(io.LimitReader(r, int64(size-2)))
		}
		if _, err := io.CopyN(io.Discard, r, int64(size-2)); err != nil {
			return orientationUnset
		}
	}
}

func readExifOrientation(r io.Reader) int {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil || string(header) != "Exif\x00\x00" {
		return orientationUnset
	}

	tiff := make([]byte, 8)
	if _, err := io.ReadFull(r, tiff); err != nil {
		return orientationUnset
	}
	var order binary.ByteOrder
	switch string(tiff[0:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return orientationUnset
	}
	if order.Uint16(tiff[2:4]) != 42 {
		return orientationUnset
	}
	ifdOffset := order.Uint32(tiff[4:8])
	if ifdOffset < 8 {
		return orientationUnset
	}
	if _, err := io.CopyN(io.Discard, r, int64(ifdOffset-8)); err != nil {
		return orientationUnset
	}

	var count uint16
	if err := binary.Read(r, order, &count); err != nil {
		return orientationUnset
	}
	entry := make([]byte, 12)
	for i := 0; i < int(count); i++ {
		if _, err := io.ReadFull(r, entry); err != nil {
			return orientationUnset
		}
		if order.Uint16(entry[0:2]) != 0x0112 {
			continue
		}
		v := int(order.Uint16(entry[8:10]))
		if v < 1 || v > orientationMax {
			return orientationUnset
		}
		return v
	}
	return orientationUnset
}

// ApplyOrientation normalizes img according to the 8-value EXIF convention.
// Unknown or unset values leave the image untouched.
func ApplyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	}
	return img
}
