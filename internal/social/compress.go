package social

import (
	"bytes"
	"image"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	ximagedraw "golang.org/x/image/draw"
)

const (
	blueskyMaxBlobSize    = 1_000_000
	blueskyMaxDimension   = 2500
	blueskyMaxMediaItems  = 4
	mastodonMaxMediaItems = 4
)

// compressForBluesky downscales and re-encodes image bytes so the result
// fits Bluesky's blob size cap. If data already fits, it is returned
// unchanged. Decoding failures return the original bytes (best effort —
// the caller still attempts the upload and lets the platform reject it).
func compressForBluesky(data []byte) []byte {
	if len(data) <= blueskyMaxBlobSize {
		return data
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data
	}

	img = downscale(img, blueskyMaxDimension)

	quality := 100
	best := data
	for quality > 0 {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return data
		}
		best = buf.Bytes()
		if len(best) <= blueskyMaxBlobSize {
			return best
		}
		quality--
	}
	return best
}

// downscale resizes img so its longest side is at most maxDim pixels,
// preserving aspect ratio. Images already within bounds are returned
// unchanged (as an RGBA copy, since JPEG encoding needs an opaque image).
func downscale(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	newW, newH := w, h
	if w > maxDim || h > maxDim {
		if w >= h {
			newW = maxDim
			newH = int(float64(h) * (float64(maxDim) / float64(w)))
		} else {
			newH = maxDim
			newW = int(float64(w) * (float64(maxDim) / float64(h)))
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	// Flatten onto white first: source images with alpha (PNG) must not
	// carry transparency into a JPEG, which has no alpha channel.
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	if newW == w && newH == h {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
		return dst
	}
	ximagedraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, ximagedraw.Over, nil)
	return dst
}
