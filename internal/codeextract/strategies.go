package codeextract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	"rsc.io/qr"
)

// canvasScript reads the rendered code back from the canvas element.
// The selector may be css or xpath= prefixed.
const canvasScript = `(sel) => {
  let el = null;
  if (sel.startsWith('xpath=')) {
    el = document.evaluate(sel.slice(6), document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
  } else {
    el = document.querySelector(sel);
  }
  if (!el) return null;
  const canvas = el.tagName === 'CANVAS' ? el : el.querySelector('canvas');
  if (!canvas) return null;
  return canvas.toDataURL('image/png');
}`

// CanvasStrategy evaluates canvasScript against each selector.
func CanvasStrategy(selectors []string) Strategy {
	return Strategy{
		Name: "canvas",
		Run: func(ctx context.Context, s Surface) ([]byte, error) {
			var errs []error
			for _, sel := range selectors {
				v, err := s.Evaluate(ctx, canvasScript, sel)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", sel, err))
					continue
				}
				str, _ := v.(string)
				if str == "" {
					continue
				}
				img, err := ParseDataURL(str)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", sel, err))
					continue
				}
				return img, nil
			}
			if len(errs) > 0 {
				return nil, errors.Join(errs...)
			}
			return nil, errors.New("no canvas found")
		},
	}
}

// ElementCaptureStrategy captures the page clipped to the first selector with a visible box.
func ElementCaptureStrategy(selectors []string) Strategy {
	return Strategy{
		Name: "element-capture",
		Run: func(ctx context.Context, s Surface) ([]byte, error) {
			var errs []error
			for _, sel := range selectors {
				box, err := s.BoundingBox(ctx, sel)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", sel, err))
					continue
				}
				if box == nil || box.Width <= 0 || box.Height <= 0 {
					continue
				}
				img, err := s.Screenshot(ctx, box)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", sel, err))
					continue
				}
				if len(img) > 0 {
					return img, nil
				}
			}
			if len(errs) > 0 {
				return nil, errors.Join(errs...)
			}
			return nil, errors.New("no element with a visible bounding box")
		},
	}
}

// VisionDecodeStrategy decodes the code from a full page capture and renders it again.
// It does not depend on any selector.
func VisionDecodeStrategy() Strategy {
	return Strategy{
		Name: "vision-decode",
		Run: func(ctx context.Context, s Surface) ([]byte, error) {
			shot, err := s.Screenshot(ctx, nil)
			if err != nil {
				return nil, fmt.Errorf("full page capture: %w", err)
			}
			text, err := DecodeText(shot)
			if err != nil {
				return nil, err
			}
			return Render(text)
		},
	}
}

// DecodeText reads a QR payload from an image using a hybrid (locally adaptive) binarizer.
func DecodeText(img []byte) (string, error) {
	src, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	bmp, err := gozxing.NewBinaryBitmap(gozxing.NewHybridBinarizer(gozxing.NewLuminanceSourceFromImage(src)))
	if err != nil {
		return "", fmt.Errorf("binarize: %w", err)
	}
	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}
	res, err := qrcode.NewQRCodeReader().Decode(bmp, hints)
	if err != nil {
		return "", fmt.Errorf("qr decode: %w", err)
	}
	return res.GetText(), nil
}

// Render encodes text as a PNG QR code.
func Render(text string) ([]byte, error) {
	if text == "" {
		return nil, errors.New("empty payload")
	}
	code, err := qr.Encode(text, qr.L)
	if err != nil {
		return nil, fmt.Errorf("qr encode: %w", err)
	}
	return code.PNG(), nil
}
