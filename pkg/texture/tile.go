package texture

import "fmt"

// Elem is a texel channel type.
type Elem interface {
	~float32 | ~uint8
}

// normalize pads data to whole texels and returns it as h x w x 4.
//
//	(n)        -> (1, ceil(n/4), 4)
//	(r, c)     -> (r, ceil(c/4), 4)
//	(h, w, 4)  -> unchanged
//	(h, w, 1)  -> (h, w, 4), extra channels zero
func normalize[T Elem](data []T, shape []int) (h, w int, out []T, err error) {
	switch len(shape) {
	case 1:
		w = (shape[0] + 3) / 4
		out = make([]T, w*Channels)
		copy(out, data)
		return 1, w, out, nil

	case 2:
		c := shape[1]
		h = shape[0]
		w = (c + 3) / 4
		out = make([]T, h*w*Channels)
		for r := 0; r < h; r++ {
			copy(out[r*w*Channels:], data[r*c:(r+1)*c])
		}
		return h, w, out, nil

	case 3:
		h, w = shape[0], shape[1]
		switch shape[2] {
		case Channels:
			return h, w, data, nil
		case 1:
			out = make([]T, h*w*Channels)
			for i, v := range data {
				out[i*Channels] = v
			}
			return h, w, out, nil
		}
	}
	return 0, 0, nil, fmt.Errorf("%w: %v", ErrRank, shape)
}

// TileLevel returns the smallest lvl such that splitting width texels into
// 1<<lvl interleaved tiles leaves each tile at most maxDim wide.
func TileLevel(width, maxDim int) int {
	lvl := 0
	for ((width-1)>>lvl)+1 > maxDim {
		lvl++
	}
	return lvl
}

// tile splits every row into 1<<lvl rows. Column j of tile t holds source
// column t + j<<lvl, so consecutive texels land in consecutive tiles.
func tile[T Elem](data []T, h, w, lvl int) (int, int, []T) {
	n := 1 << lvl
	tw := (w + n - 1) / n
	out := make([]T, h*n*tw*Channels)
	for r := 0; r < h; r++ {
		for c := 0; c < w; c++ {
			t, j := c%n, c/n
			dst := ((r*n+t)*tw + j) * Channels
			src := (r*w + c) * Channels
			copy(out[dst:dst+Channels], data[src:src+Channels])
		}
	}
	return h * n, tw, out
}

// untile reverses tile for a tiled h x w image whose source width was srcW.
func untile[T Elem](data []T, h, w, lvl, srcW int) []T {
	n := 1 << lvl
	rows := h / n
	out := make([]T, rows*srcW*Channels)
	for r := 0; r < rows; r++ {
		for c := 0; c < srcW; c++ {
			t, j := c%n, c/n
			src := ((r*n+t)*w + j) * Channels
			dst := (r*srcW + c) * Channels
			copy(out[dst:dst+Channels], data[src:src+Channels])
		}
	}
	return out
}

// finish flips rows and swaps channels 0 and 2 (RGBA <-> BGRA). It is its
// own inverse.
func finish[T Elem](data []T, h, w int) []T {
	out := make([]T, len(data))
	stride := w * Channels
	for r := 0; r < h; r++ {
		src := data[r*stride : (r+1)*stride]
		dst := out[(h-1-r)*stride : (h-r)*stride]
		for i := 0; i < stride; i += Channels {
			dst[i+0] = src[i+2]
			dst[i+1] = src[i+1]
			dst[i+2] = src[i+0]
			dst[i+3] = src[i+3]
		}
	}
	return out
}
