package preprocess

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/Brownie44l1/medianalytica-api/internal/tensor"
)

// createTestRaster fills a raster with a gradient so resizing has work to do.
func createTestRaster(width, height, channels int) *Raster {
	r := NewRaster(width, height, channels)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			for c := 0; c < channels; c++ {
				r.Set(x, y, c, uint8((x*255/width+y*97/height+c*40)%256))
			}
		}
	}
	return r
}

func createGrayRGB(width, height int) *Raster {
	r := NewRaster(width, height, 3)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := uint8((x + y) % 256)
			r.Set(x, y, 0, v)
			r.Set(x, y, 1, v)
			r.Set(x, y, 2, v)
		}
	}
	return r
}

func TestRunOutputShape(t *testing.T) {
	inputs := map[string]*Raster{
		"single channel": createTestRaster(50, 70, 1),
		"rgb":            createTestRaster(120, 80, 3),
		"rgba":           createTestRaster(33, 41, 4),
		"gray as rgb":    createGrayRGB(64, 48),
	}
	kinds := []Kind{PlainNormalize, ContrastNormalize, SimpleRescale}

	for name, src := range inputs {
		for _, kind := range kinds {
			out, err := Run(src, Options{Width: 40, Height: 24, Kind: kind})
			if err != nil {
				t.Errorf("%s/%s: unexpected error %v", name, kind, err)
				continue
			}
			if !tensor.SameShape(out.Shape, []int{1, 24, 40, 3}) {
				t.Errorf("%s/%s: expected shape [1 24 40 3], got %v", name, kind, out.Shape)
			}
		}
	}
}

func TestRunRejectsUnsupportedChannels(t *testing.T) {
	for _, channels := range []int{2, 5} {
		_, err := Run(createTestRaster(10, 10, channels), Options{Width: 8, Height: 8, Kind: SimpleRescale})
		var perr *PreprocessingError
		if !errors.As(err, &perr) {
			t.Errorf("%d channels: expected PreprocessingError, got %v", channels, err)
			continue
		}
		if perr.Channels != channels {
			t.Errorf("expected channel count %d in error, got %d", channels, perr.Channels)
		}
	}
}

func TestRunRejectsShortBuffer(t *testing.T) {
	r := &Raster{Width: 4, Height: 4, Channels: 3, Pix: make([]uint8, 10)}
	if _, err := Run(r, Options{Width: 4, Height: 4, Kind: SimpleRescale}); err == nil {
		t.Error("expected error for truncated pixel buffer")
	}
}

func TestIsGrayscale(t *testing.T) {
	gray := createGrayRGB(16, 16)
	if !IsGrayscale(gray) {
		t.Error("identical channels should be grayscale")
	}

	gray.Set(7, 9, 2, gray.At(7, 9, 2)+1)
	if IsGrayscale(gray) {
		t.Error("one differing pixel should make the image color")
	}

	if !IsGrayscale(createTestRaster(4, 4, 1)) {
		t.Error("single-channel raster should be grayscale")
	}
	if IsGrayscale(createTestRaster(4, 4, 4)) {
		t.Error("four-channel raster should not be grayscale")
	}
}

func TestCLAHEConstantPlane(t *testing.T) {
	src := make([]uint8, 64*64)
	for i := range src {
		src[i] = 100
	}

	// clip limit 1 per 64-pixel tile: 63 counts spread over every 4th bin,
	// giving a cumulative count of 27 at value 100 -> round(27*255/64) = 108.
	dst := CLAHE(src, 64, 64, ClipLimit, TileGrid, TileGrid)
	for i, v := range dst {
		if v != 108 {
			t.Fatalf("pixel %d: expected 108, got %d", i, v)
		}
	}
}

func TestCLAHEUnevenSize(t *testing.T) {
	w, h := 37, 29
	src := make([]uint8, w*h)
	for i := range src {
		src[i] = uint8(i % 200)
	}

	dst := CLAHE(src, w, h, ClipLimit, TileGrid, TileGrid)
	if len(dst) != w*h {
		t.Fatalf("expected %d pixels, got %d", w*h, len(dst))
	}
}

func TestCLAHEIsMonotonicWithinTile(t *testing.T) {
	w, h := 16, 16
	src := make([]uint8, w*h)
	for i := range src {
		src[i] = uint8(i)
	}

	dst := CLAHE(src, w, h, ClipLimit, 1, 1)
	for i := 1; i < len(dst); i++ {
		if dst[i] < dst[i-1] {
			t.Fatalf("single tile LUT must be monotonic: dst[%d]=%d < dst[%d]=%d", i, dst[i], i-1, dst[i-1])
		}
	}
}

func TestReflect101(t *testing.T) {
	cases := []struct{ p, n, want int }{
		{-1, 5, 1},
		{5, 5, 3},
		{6, 5, 2},
		{3, 1, 0},
		{2, 5, 2},
	}
	for _, c := range cases {
		if got := reflect101(c.p, c.n); got != c.want {
			t.Errorf("reflect101(%d, %d) = %d, want %d", c.p, c.n, got, c.want)
		}
	}
}

func TestPrepareSkipsContrastForColor(t *testing.T) {
	src := createTestRaster(32, 32, 3)
	out, err := Prepare(src, Options{Width: 32, Height: 32, Kind: ContrastNormalize})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if !bytes.Equal(out.Pix, src.Pix) {
		t.Error("color image should pass through unchanged at native size")
	}
}

func TestPrepareEqualizesGray(t *testing.T) {
	src := NewRaster(32, 32, 1)
	for i := range src.Pix {
		src.Pix[i] = 100
	}
	out, err := Prepare(src, Options{Width: 32, Height: 32, Kind: ContrastNormalize})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if out.At(0, 0, 0) == 100 {
		t.Error("grayscale image should have been equalized")
	}
	if out.At(5, 5, 0) != out.At(5, 5, 1) || out.At(5, 5, 1) != out.At(5, 5, 2) {
		t.Error("equalized plane should be replicated to three channels")
	}

	plain, err := Prepare(src, Options{Width: 32, Height: 32, Kind: SimpleRescale})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if plain.At(0, 0, 0) != 100 {
		t.Error("simple rescale must not apply contrast enhancement")
	}
}

// transparentLeftHalf is opaque gray-blue on the right and fully
// transparent red on the left.
func transparentLeftHalf(width, height int) *Raster {
	r := NewRaster(width, height, 4)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			px := []uint8{60, 120, 180, 255}
			if x < width/2 {
				px = []uint8{200, 10, 10, 0}
			}
			for c, v := range px {
				r.Set(x, y, c, v)
			}
		}
	}
	return r
}

func TestResizeIgnoresAlpha(t *testing.T) {
	src := transparentLeftHalf(8, 8)
	resized := Resize(src, 4, 4)
	stripped := Resize(ToRGB(src), 4, 4)

	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			for c := 0; c < 3; c++ {
				if resized.At(x, y, c) != stripped.At(x, y, c) {
					t.Fatalf("pixel (%d,%d) channel %d: %d with alpha, %d without",
						x, y, c, resized.At(x, y, c), stripped.At(x, y, c))
				}
			}
		}
	}
	if got := resized.At(0, 0, 0); got < 150 {
		t.Errorf("transparent red should stay red, got R=%d", got)
	}
	if resized.At(0, 0, 3) != 0 || resized.At(3, 3, 3) != 255 {
		t.Errorf("alpha should be resampled on its own, got %d and %d", resized.At(0, 0, 3), resized.At(3, 3, 3))
	}
}

func TestPrepareDropsAlpha(t *testing.T) {
	src := transparentLeftHalf(8, 8)
	opts := Options{Width: 4, Height: 4, Kind: PlainNormalize}

	withAlpha, err := Prepare(src, opts)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	withoutAlpha, err := Prepare(ToRGB(src), opts)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if withAlpha.Channels != 3 || !bytes.Equal(withAlpha.Pix, withoutAlpha.Pix) {
		t.Error("an RGBA upload must preprocess exactly like its alpha-stripped copy")
	}
}

func TestNormalizeValues(t *testing.T) {
	r := NewRaster(1, 1, 3)
	r.Pix = []uint8{255, 0, 128}

	simple, _ := Normalize(r, SimpleRescale)
	if simple.Data[0] != 1 || simple.Data[1] != 0 {
		t.Errorf("simple rescale: unexpected %v", simple.Data)
	}

	plain, _ := Normalize(r, PlainNormalize)
	if plain.Data[0] != 255 || plain.Data[2] != 128 {
		t.Errorf("plain normalize: unexpected %v", plain.Data)
	}

	dense, _ := Normalize(r, ContrastNormalize)
	want := (float32(1) - 0.485) / 0.229
	if math.Abs(float64(dense.Data[0]-want)) > 1e-6 {
		t.Errorf("densenet normalize: expected %f, got %f", want, dense.Data[0])
	}
	if math.Abs(float64(dense.Data[1]-(-0.456/0.224))) > 1e-5 {
		t.Errorf("densenet normalize channel 1: got %f", dense.Data[1])
	}
}

func TestFromImage(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 4, 3))
	if r := FromImage(gray); r.Channels != 1 || r.Width != 4 || r.Height != 3 {
		t.Errorf("gray image: unexpected raster %dx%dx%d", r.Width, r.Height, r.Channels)
	}

	nrgba := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	nrgba.Set(1, 1, color.NRGBA{10, 20, 30, 40})
	r := FromImage(nrgba)
	if r.Channels != 4 || r.At(1, 1, 0) != 10 || r.At(1, 1, 3) != 40 {
		t.Errorf("nrgba image: unexpected raster %+v", r)
	}

	// premultiplied pixels keep their stored colour even when transparent
	rgba := image.NewRGBA(image.Rect(0, 0, 2, 2))
	rgba.Pix[0], rgba.Pix[1], rgba.Pix[2], rgba.Pix[3] = 200, 10, 10, 0
	if r := FromImage(rgba); r.Channels != 4 || r.At(0, 0, 0) != 200 || r.At(0, 0, 3) != 0 {
		t.Errorf("rgba image: unexpected raster %+v", r)
	}

	ycc := image.NewYCbCr(image.Rect(0, 0, 4, 4), image.YCbCrSubsampleRatio420)
	if r := FromImage(ycc); r.Channels != 3 {
		t.Errorf("ycbcr image should map to 3 channels, got %d", r.Channels)
	}
}

func TestDecode(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, format, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if format != "png" || decoded.Bounds().Dx() != 8 {
		t.Errorf("unexpected decode result %s %v", format, decoded.Bounds())
	}

	_, _, err = Decode([]byte("definitely not an image"))
	var perr *PreprocessingError
	if !errors.As(err, &perr) {
		t.Errorf("expected PreprocessingError for garbage, got %v", err)
	}
}
