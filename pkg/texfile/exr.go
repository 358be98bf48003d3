package texfile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/x448/float16"

	"github.com/samcharles93/tensortex/pkg/texture"
)

const (
	exrMagic   uint32 = 20000630
	exrVersion uint32 = 2

	pixelHalf  int32 = 1
	pixelFloat int32 = 2

	compressionNone byte = 0
)

// Texture channel i is written to exrChannelNames[i]. The layout engine
// already swizzled to BGRA, so file channel R carries the source's first
// channel.
var exrChannelNames = [texture.Channels]string{"B", "G", "R", "A"}

var ErrUnsupportedEXR = errors.New("texfile: unsupported exr")

// EXRInfo describes the header of a scanline EXR file.
type EXRInfo struct {
	Width, Height int
	Half          bool
	Channels      []string
	Compression   byte
}

// WriteEXR writes t as an uncompressed scanline OpenEXR image, storing each
// channel as half floats when half is set and as 32-bit floats otherwise.
// Byte textures are widened to floats.
func WriteEXR(w io.Writer, t *texture.Texture, half bool) error {
	if t.Width <= 0 || t.Height <= 0 {
		return fmt.Errorf("texfile: empty texture %dx%d", t.Width, t.Height)
	}
	pixelType, elem := pixelFloat, 4
	if half {
		pixelType, elem = pixelHalf, 2
	}

	var hdr bytes.Buffer
	le := binary.LittleEndian
	_ = binary.Write(&hdr, le, exrMagic)
	_ = binary.Write(&hdr, le, exrVersion)

	order := sortedChannels()
	var chlist bytes.Buffer
	for _, ch := range order {
		chlist.WriteString(exrChannelNames[ch])
		chlist.WriteByte(0)
		_ = binary.Write(&chlist, le, pixelType)
		chlist.Write([]byte{0, 0, 0, 0}) // pLinear + reserved
		_ = binary.Write(&chlist, le, int32(1))
		_ = binary.Write(&chlist, le, int32(1))
	}
	chlist.WriteByte(0)
	writeAttr(&hdr, "channels", "chlist", chlist.Bytes())
	writeAttr(&hdr, "compression", "compression", []byte{compressionNone})

	box := make([]byte, 16)
	le.PutUint32(box[8:], uint32(t.Width-1))
	le.PutUint32(box[12:], uint32(t.Height-1))
	writeAttr(&hdr, "dataWindow", "box2i", box)
	writeAttr(&hdr, "displayWindow", "box2i", box)
	writeAttr(&hdr, "lineOrder", "lineOrder", []byte{0})
	writeAttr(&hdr, "pixelAspectRatio", "float", f32Bytes(1))
	writeAttr(&hdr, "screenWindowCenter", "v2f", make([]byte, 8))
	writeAttr(&hdr, "screenWindowWidth", "float", f32Bytes(1))
	hdr.WriteByte(0)

	lineBytes := t.Width * texture.Channels * elem
	chunk := 8 + lineBytes
	first := uint64(hdr.Len() + 8*t.Height)

	bw := bufio.NewWriterSize(w, 1<<20)
	if _, err := bw.Write(hdr.Bytes()); err != nil {
		return err
	}
	var u64 [8]byte
	for y := 0; y < t.Height; y++ {
		le.PutUint64(u64[:], first+uint64(y*chunk))
		if _, err := bw.Write(u64[:]); err != nil {
			return err
		}
	}

	line := make([]byte, chunk)
	for y := 0; y < t.Height; y++ {
		le.PutUint32(line[0:], uint32(y))
		le.PutUint32(line[4:], uint32(lineBytes))
		off := 8
		for _, ch := range order {
			for x := 0; x < t.Width; x++ {
				v := texelValue(t, (y*t.Width+x)*texture.Channels+ch)
				if half {
					le.PutUint16(line[off:], float16.Fromfloat32(v).Bits())
				} else {
					le.PutUint32(line[off:], math.Float32bits(v))
				}
				off += elem
			}
		}
		if _, err := bw.Write(line); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadEXRInfo parses the header of an EXR stream.
func ReadEXRInfo(r io.Reader) (EXRInfo, error) {
	info, _, err := readEXRHeader(bufio.NewReader(r))
	return info, err
}

// ReadEXR reads an uncompressed scanline EXR with four channels named
// B, G, R and A into a float texture.
func ReadEXR(r io.Reader) (*texture.Texture, error) {
	br := bufio.NewReader(r)
	info, types, err := readEXRHeader(br)
	if err != nil {
		return nil, err
	}
	if info.Compression != compressionNone {
		return nil, fmt.Errorf("%w: compression %d", ErrUnsupportedEXR, info.Compression)
	}
	if len(info.Channels) != texture.Channels {
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupportedEXR, len(info.Channels))
	}
	slot := make([]int, len(info.Channels))
	for i, name := range info.Channels {
		slot[i] = -1
		for ch, want := range exrChannelNames {
			if name == want {
				slot[i] = ch
			}
		}
		if slot[i] < 0 {
			return nil, fmt.Errorf("%w: channel %q", ErrUnsupportedEXR, name)
		}
	}

	if _, err := io.CopyN(io.Discard, br, int64(8*info.Height)); err != nil {
		return nil, err
	}

	t := &texture.Texture{
		Width:     info.Width,
		Height:    info.Height,
		SrcWidth:  info.Width,
		SrcHeight: info.Height,
		Float:     make([]float32, info.Width*info.Height*texture.Channels),
	}
	le := binary.LittleEndian
	var head [8]byte
	for n := 0; n < info.Height; n++ {
		if _, err := io.ReadFull(br, head[:]); err != nil {
			return nil, err
		}
		y := int(int32(le.Uint32(head[0:])))
		size := int(le.Uint32(head[4:]))
		if y < 0 || y >= info.Height {
			return nil, fmt.Errorf("%w: scanline %d out of range", ErrUnsupportedEXR, y)
		}
		line := make([]byte, size)
		if _, err := io.ReadFull(br, line); err != nil {
			return nil, err
		}
		off := 0
		for i, ch := range slot {
			elem := 4
			if types[i] == pixelHalf {
				elem = 2
			}
			if off+elem*info.Width > len(line) {
				return nil, fmt.Errorf("%w: short scanline %d", ErrUnsupportedEXR, y)
			}
			for x := 0; x < info.Width; x++ {
				var v float32
				if elem == 2 {
					v = float16.Frombits(le.Uint16(line[off:])).Float32()
				} else {
					v = math.Float32frombits(le.Uint32(line[off:]))
				}
				t.Float[(y*info.Width+x)*texture.Channels+ch] = v
				off += elem
			}
		}
	}
	return t, nil
}

func readEXRHeader(br *bufio.Reader) (EXRInfo, []int32, error) {
	var info EXRInfo
	le := binary.LittleEndian
	var pre [8]byte
	if _, err := io.ReadFull(br, pre[:]); err != nil {
		return info, nil, err
	}
	if le.Uint32(pre[0:]) != exrMagic {
		return info, nil, fmt.Errorf("%w: bad magic", ErrUnsupportedEXR)
	}
	if flags := le.Uint32(pre[4:]); flags&0xFF != exrVersion || flags>>8 != 0 {
		return info, nil, fmt.Errorf("%w: version/flags %#x", ErrUnsupportedEXR, flags)
	}

	var types []int32
	haveWindow := false
	for {
		name, err := readCString(br)
		if err != nil {
			return info, nil, err
		}
		if name == "" {
			break
		}
		if _, err := readCString(br); err != nil {
			return info, nil, err
		}
		var sz [4]byte
		if _, err := io.ReadFull(br, sz[:]); err != nil {
			return info, nil, err
		}
		val := make([]byte, le.Uint32(sz[:]))
		if _, err := io.ReadFull(br, val); err != nil {
			return info, nil, err
		}

		switch name {
		case "channels":
			info.Channels, types, err = parseChlist(val)
			if err != nil {
				return info, nil, err
			}
		case "compression":
			if len(val) != 1 {
				return info, nil, fmt.Errorf("%w: compression attribute", ErrUnsupportedEXR)
			}
			info.Compression = val[0]
		case "dataWindow":
			if len(val) != 16 {
				return info, nil, fmt.Errorf("%w: dataWindow attribute", ErrUnsupportedEXR)
			}
			x0, y0 := int32(le.Uint32(val[0:])), int32(le.Uint32(val[4:]))
			x1, y1 := int32(le.Uint32(val[8:])), int32(le.Uint32(val[12:]))
			info.Width, info.Height = int(x1-x0+1), int(y1-y0+1)
			haveWindow = true
		}
	}
	if !haveWindow || info.Width <= 0 || info.Height <= 0 {
		return info, nil, fmt.Errorf("%w: missing data window", ErrUnsupportedEXR)
	}
	info.Half = len(types) > 0
	for _, pt := range types {
		if pt != pixelHalf {
			info.Half = false
		}
	}
	return info, types, nil
}

func parseChlist(b []byte) ([]string, []int32, error) {
	var names []string
	var types []int32
	for len(b) > 0 && b[0] != 0 {
		i := bytes.IndexByte(b, 0)
		if i < 0 || len(b) < i+1+16 {
			return nil, nil, fmt.Errorf("%w: truncated channel list", ErrUnsupportedEXR)
		}
		names = append(names, string(b[:i]))
		pt := int32(binary.LittleEndian.Uint32(b[i+1:]))
		if pt != pixelHalf && pt != pixelFloat {
			return nil, nil, fmt.Errorf("%w: pixel type %d", ErrUnsupportedEXR, pt)
		}
		types = append(types, pt)
		b = b[i+1+16:]
	}
	return names, types, nil
}

func readCString(br *bufio.Reader) (string, error) {
	s, err := br.ReadString(0)
	if err != nil {
		return "", err
	}
	return s[:len(s)-1], nil
}

func writeAttr(buf *bytes.Buffer, name, typ string, val []byte) {
	buf.WriteString(name)
	buf.WriteByte(0)
	buf.WriteString(typ)
	buf.WriteByte(0)
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(val)))
	buf.Write(val)
}

func f32Bytes(v float32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	return b
}

// sortedChannels returns texture channel indices ordered by file channel
// name, which is the order OpenEXR stores them in.
func sortedChannels() []int {
	order := []int{0, 1, 2, 3}
	sort.Slice(order, func(i, j int) bool {
		return exrChannelNames[order[i]] < exrChannelNames[order[j]]
	})
	return order
}

func texelValue(t *texture.Texture, i int) float32 {
	if t.Byte != nil {
		return float32(t.Byte[i])
	}
	return t.Float[i]
}
