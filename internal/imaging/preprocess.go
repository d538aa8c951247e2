package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	ErrDecode = errors.New("image could not be decoded")
	ErrShape  = errors.New("image has unexpected shape")
)

// Tensor is a batch of one image in NHWC order with values in [0, 1].
type Tensor struct {
	Shape [4]int
	Data  []float32
}

// DefaultMaxPixels bounds the decoded size of an upload. A small compressed
// file can declare dimensions that would take gigabytes to decode.
const DefaultMaxPixels = 89_478_485

// Preprocessor stretches any decodable image to Width x Height RGB.
// Aspect ratio is not preserved, matching how the model was trained.
// Images larger than MaxPixels are rejected before decoding; zero means no limit.
type Preprocessor struct {
	Width      int
	Height     int
	AutoOrient bool
	MaxPixels  int
}

func NewPreprocessor(size int, autoOrient bool) *Preprocessor {
	return &Preprocessor{Width: size, Height: size, AutoOrient: autoOrient, MaxPixels: DefaultMaxPixels}
}

// Load reads and decodes the file at path and returns the model input.
func (p *Preprocessor) Load(path string) (*Tensor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}

	if p.MaxPixels > 0 {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > int64(p.MaxPixels) {
			return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, p.MaxPixels)
		}
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	if p.AutoOrient && format == "jpeg" {
		img = Orient(img, Orientation(raw))
	}
	return p.Tensor(img)
}

// Tensor converts a decoded image into the model input.
func (p *Preprocessor) Tensor(img image.Image) (*Tensor, error) {
	resized := resize.Resize(uint(p.Width), uint(p.Height), toRGB(img), resize.Bicubic)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width != p.Width || height != p.Height {
		return nil, fmt.Errorf("%w: got (%d, %d, 3), expected (%d, %d, 3)", ErrShape, height, width, p.Height, p.Width)
	}

	channels := 3
	data := make([]float32, height*width*channels)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			offset := (y*width + x) * channels
			data[offset] = float32(r>>8) / 255.0
			data[offset+1] = float32(g>>8) / 255.0
			data[offset+2] = float32(b>>8) / 255.0
		}
	}

	return &Tensor{
		Shape: [4]int{1, height, width, channels},
		Data:  data,
	}, nil
}

// toRGB drops alpha without premultiplying, so transparent pixels keep
// their stored colour.
func toRGB(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			dst.SetRGBA(x-bounds.Min.X, y-bounds.Min.Y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	return dst
}
