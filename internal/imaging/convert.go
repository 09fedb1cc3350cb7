// Package imaging 把代理拉取的原图转换为别名偏好的格式。
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"net/http"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"maskrelay/backend/internal/domain"
)

// ErrUnsupported 不是可识别的图片
var ErrUnsupported = errors.New("unsupported image type")

const (
	// MaxDimension 超过此边长的图片会被等比缩小
	MaxDimension = 4096
	jpegQuality  = 85
)

// Image 转换结果
type Image struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

// Convert 解码并转换为目标格式。
// original 格式不重新编码，只校验确实是图片并识别类型。
func Convert(data []byte, format domain.ImageFormat) (*Image, error) {
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return nil, ErrUnsupported
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	bounds := img.Bounds()

	if format == domain.ImageFormatOriginal || !format.Valid() {
		return &Image{Data: data, ContentType: contentType, Width: bounds.Dx(), Height: bounds.Dy()}, nil
	}

	img = fit(img, MaxDimension)
	bounds = img.Bounds()

	var buf bytes.Buffer
	switch format {
	case domain.ImageFormatJPEG:
		if err := jpeg.Encode(&buf, flatten(img), &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		contentType = "image/jpeg"
	case domain.ImageFormatPNG:
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		contentType = "image/png"
	}

	return &Image{Data: buf.Bytes(), ContentType: contentType, Width: bounds.Dx(), Height: bounds.Dy()}, nil
}

// fit 等比缩小到 limit 以内
func fit(img image.Image, limit int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= limit && h <= limit {
		return img
	}

	nw, nh := limit, h*limit/w
	if h > w {
		nw, nh = w*limit/h, limit
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// flatten 把透明像素合成到白色背景上，JPEG 不支持透明
func flatten(img image.Image) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}
