package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/crop-disease-api/internal/apperr"
)

// Tensor is a dense NCHW float32 batch.
type Tensor struct {
	Shape [4]int64
	Data  []float32
}

// NewTensor allocates a zeroed tensor for a single image.
func NewTensor(channels, height, width int) *Tensor {
	return &Tensor{
		Shape: [4]int64{1, int64(channels), int64(height), int64(width)},
		Data:  make([]float32, channels*height*width),
	}
}

// Elements is the product of the shape.
func (t *Tensor) Elements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Preprocessor reproduces the training transforms:
// Resize((size, size)) -> ToTensor -> Normalize(mean, std).
// Resizing always uses the bilinear kernel.
type Preprocessor struct {
	Size int
	Mean [3]float32
	Std  [3]float32
	// MaxPixels caps width*height of the decoded image. It is checked
	// against the header before any pixel data is allocated.
	MaxPixels int64
}

func New(size int, mean, std [3]float32, maxPixels int64) *Preprocessor {
	return &Preprocessor{Size: size, Mean: mean, Std: std, MaxPixels: maxPixels}
}

// Shape is the tensor shape every call to Preprocess produces.
func (p *Preprocessor) Shape() [4]int64 {
	return [4]int64{1, 3, int64(p.Size), int64(p.Size)}
}

// Preprocess decodes raw image bytes into a normalized [1,3,size,size] tensor.
func (p *Preprocessor) Preprocess(data []byte) (*Tensor, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Wrap(apperr.DecodeError, "Invalid image: failed to decode image data", err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > p.MaxPixels {
		return nil, apperr.New(apperr.DecodeError,
			fmt.Sprintf("Invalid image: %dx%d exceeds the limit of %d pixels", cfg.Width, cfg.Height, p.MaxPixels))
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Wrap(apperr.DecodeError, "Invalid image: failed to decode image data", err)
	}
	if img.Bounds().Empty() {
		return nil, apperr.Wrap(apperr.DecodeError, "Invalid image: failed to decode image data", errors.New("empty image"))
	}
	return p.FromImage(img), nil
}

// FromImage runs the transform chain on an already decoded image.
func (p *Preprocessor) FromImage(img image.Image) *Tensor {
	size := p.Size
	resized := resize.Resize(uint(size), uint(size), toRGB(img), resize.Bilinear)

	t := NewTensor(3, size, size)
	plane := size * size
	bounds := resized.Bounds()

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			i := y*size + x
			t.Data[i] = (float32(r)/65535.0 - p.Mean[0]) / p.Std[0]
			t.Data[plane+i] = (float32(g)/65535.0 - p.Mean[1]) / p.Std[1]
			t.Data[2*plane+i] = (float32(b)/65535.0 - p.Mean[2]) / p.Std[2]
		}
	}
	return t
}

// toRGB flattens img to an opaque 8-bit RGB bitmap. Alpha is dropped rather
// than composited, grayscale and palette images are expanded to 3 channels.
func toRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
		return out
	}

	// Going through RGBA() premultiplies, which loses the stored color of
	// transparent pixels. Read the straight-alpha types directly.
	var at func(x, y int) (r, g, b uint8)
	switch src := img.(type) {
	case *image.NYCbCrA:
		at = func(x, y int) (uint8, uint8, uint8) {
			c := src.YCbCrAt(x, y)
			return color.YCbCrToRGB(c.Y, c.Cb, c.Cr)
		}
	case *image.NRGBA64:
		at = func(x, y int) (uint8, uint8, uint8) {
			c := src.NRGBA64At(x, y)
			return uint8(c.R >> 8), uint8(c.G >> 8), uint8(c.B >> 8)
		}
	default:
		at = func(x, y int) (uint8, uint8, uint8) {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			return c.R, c.G, c.B
		}
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl := at(x, y)
			out.SetRGBA(x-b.Min.X, y-b.Min.Y, color.RGBA{R: r, G: g, B: bl, A: 0xFF})
		}
	}
	return out
}
