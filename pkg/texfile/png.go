package texfile

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"

	"github.com/samcharles93/tensortex/pkg/texture"
)

// WritePNG writes a byte texture as an 8-bit RGBA PNG. Texture channels are
// in BGRA order. The image is stored non-premultiplied so a zero alpha does
// not clear the color channels.
func WritePNG(w io.Writer, t *texture.Texture) error {
	if t.Byte == nil {
		return fmt.Errorf("texfile: png needs a byte texture, got %s", t.Kind())
	}
	img := image.NewNRGBA(image.Rect(0, 0, t.Width, t.Height))
	for i := 0; i < t.Width*t.Height; i++ {
		src := t.Byte[i*texture.Channels : (i+1)*texture.Channels]
		dst := img.Pix[i*4 : i*4+4]
		dst[0], dst[1], dst[2], dst[3] = src[2], src[1], src[0], src[3]
	}
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	return enc.Encode(w, img)
}

// ReadPNG decodes a PNG into a byte texture with BGRA channel order.
func ReadPNG(r io.Reader) (*texture.Texture, error) {
	img, err := png.Decode(r)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	t := &texture.Texture{
		Width:     b.Dx(),
		Height:    b.Dy(),
		SrcWidth:  b.Dx(),
		SrcHeight: b.Dy(),
		Byte:      make([]uint8, b.Dx()*b.Dy()*texture.Channels),
	}
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := (y*t.Width + x) * texture.Channels
			t.Byte[i], t.Byte[i+1], t.Byte[i+2], t.Byte[i+3] = c.B, c.G, c.R, c.A
		}
	}
	return t, nil
}
