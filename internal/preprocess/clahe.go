package preprocess

import "math"

// Contrast enhancement constants. The deployed models were trained on data
// produced with exactly these; changing them degrades accuracy silently.
const (
	ClipLimit = 2.0
	TileGrid  = 8
)

const histSize = 256

// CLAHE applies contrast-limited adaptive histogram equalization to a single
// 8-bit plane of size w*h and returns a new plane.
//
// The arithmetic follows OpenCV's CLAHE for CV_8U: tiles are computed on a
// reflect-101 padded copy when the plane does not divide evenly, the clip
// limit is scaled by tile area, clipped counts are redistributed uniformly
// with a strided residual, and output pixels are bilinearly interpolated
// between the four nearest tile LUTs in float32.
func CLAHE(src []uint8, w, h int, clipLimit float64, tilesX, tilesY int) []uint8 {
	ext, extW, extH := src, w, h
	if w%tilesX != 0 || h%tilesY != 0 {
		extW = w + tilesX - w%tilesX
		extH = h + tilesY - h%tilesY
		ext = padReflect101(src, w, h, extW, extH)
	}
	tileW, tileH := extW/tilesX, extH/tilesY
	tileArea := tileW * tileH

	clip := 0
	if clipLimit > 0 {
		clip = int(clipLimit * float64(tileArea) / histSize)
		if clip < 1 {
			clip = 1
		}
	}
	lutScale := float32(histSize-1) / float32(tileArea)

	luts := make([][histSize]uint8, tilesX*tilesY)
	for ty := 0; ty < tilesY; ty++ {
		for tx := 0; tx < tilesX; tx++ {
			var hist [histSize]int
			for y := ty * tileH; y < (ty+1)*tileH; y++ {
				row := ext[y*extW:]
				for x := tx * tileW; x < (tx+1)*tileW; x++ {
					hist[row[x]]++
				}
			}
			if clip > 0 {
				clipHistogram(&hist, clip)
			}
			lut := &luts[ty*tilesX+tx]
			sum := 0
			for i := 0; i < histSize; i++ {
				sum += hist[i]
				lut[i] = saturate(float32(sum) * lutScale)
			}
		}
	}

	invTW := 1 / float32(tileW)
	invTH := 1 / float32(tileH)

	tx1s := make([]int, w)
	tx2s := make([]int, w)
	xas := make([]float32, w)
	for x := 0; x < w; x++ {
		txf := float32(float32(x)*invTW) - 0.5
		tx1 := int(math.Floor(float64(txf)))
		tx2 := tx1 + 1
		xas[x] = txf - float32(tx1)
		tx1s[x] = max(tx1, 0)
		tx2s[x] = min(tx2, tilesX-1)
	}

	dst := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		tyf := float32(float32(y)*invTH) - 0.5
		ty1 := int(math.Floor(float64(tyf)))
		ty2 := ty1 + 1
		ya := tyf - float32(ty1)
		ya1 := 1 - ya
		ty1 = max(ty1, 0)
		ty2 = min(ty2, tilesY-1)

		for x := 0; x < w; x++ {
			v := src[y*w+x]
			xa := xas[x]
			xa1 := 1 - xa
			top := float32(float32(luts[ty1*tilesX+tx1s[x]][v])*xa1) + float32(float32(luts[ty1*tilesX+tx2s[x]][v])*xa)
			bot := float32(float32(luts[ty2*tilesX+tx1s[x]][v])*xa1) + float32(float32(luts[ty2*tilesX+tx2s[x]][v])*xa)
			dst[y*w+x] = saturate(float32(top*ya1) + float32(bot*ya))
		}
	}
	return dst
}

func clipHistogram(hist *[histSize]int, clip int) {
	clipped := 0
	for i := range hist {
		if hist[i] > clip {
			clipped += hist[i] - clip
			hist[i] = clip
		}
	}

	batch := clipped / histSize
	residual := clipped - batch*histSize
	for i := range hist {
		hist[i] += batch
	}
	if residual != 0 {
		step := max(histSize/residual, 1)
		for i := 0; i < histSize && residual > 0; i, residual = i+step, residual-1 {
			hist[i]++
		}
	}
}

// saturate rounds half to even and clamps to the 8-bit range.
func saturate(v float32) uint8 {
	r := math.RoundToEven(float64(v))
	if r < 0 {
		return 0
	}
	if r > 255 {
		return 255
	}
	return uint8(r)
}

func padReflect101(src []uint8, w, h, extW, extH int) []uint8 {
	out := make([]uint8, extW*extH)
	for y := 0; y < extH; y++ {
		sy := reflect101(y, h)
		for x := 0; x < extW; x++ {
			out[y*extW+x] = src[sy*w+reflect101(x, w)]
		}
	}
	return out
}

// reflect101 maps an out-of-range index the way gfedcb|abcdefgh|gfedcba does.
func reflect101(p, n int) int {
	if n == 1 {
		return 0
	}
	for p < 0 || p >= n {
		if p < 0 {
			p = -p
		} else {
			p = 2*n - p - 2
		}
	}
	return p
}
