package clinical

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"golang.org/x/image/draw"
)

// XRaySize is the square input resolution of the pneumonia model.
const XRaySize = 150

// XRayTensor is an RGB image scaled to [0, 1], indexed [row][col][channel].
type XRayTensor [XRaySize][XRaySize][3]float32

// PreprocessXRay decodes a JPEG or PNG, converts it to RGB and resizes it to
// 150x150 with bicubic interpolation.
func PreprocessXRay(r io.Reader) (*XRayTensor, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, &FieldError{Field: "file", Reason: fmt.Sprintf("is not a readable image: %v", err)}
	}
	b := src.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, &FieldError{Field: "file", Reason: "is an empty image"}
	}

	dst := image.NewRGBA(image.Rect(0, 0, XRaySize, XRaySize))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)

	t := new(XRayTensor)
	for y := 0; y < XRaySize; y++ {
		for x := 0; x < XRaySize; x++ {
			i := dst.PixOffset(x, y)
			p := dst.Pix[i : i+3 : i+3]
			t[y][x][0] = float32(p[0]) / 255
			t[y][x][1] = float32(p[1]) / 255
			t[y][x][2] = float32(p[2]) / 255
		}
	}
	return t, nil
}
