package preprocess

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/chai2010/webp"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Decode reads an uploaded image. Registered decoders are tried first, then
// the libwebp decoder for WebP variants the pure Go decoder rejects.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", &PreprocessingError{Reason: "empty image"}
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err == nil {
		return img, format, nil
	}

	if wimg, werr := webp.Decode(bytes.NewReader(data)); werr == nil {
		return wimg, "webp", nil
	}
	return nil, "", &PreprocessingError{Reason: "unreadable image", Err: err}
}
