package classify

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rotisserie/eris"

	"github.com/sells-group/solicitation-watch/internal/blob"
	"github.com/sells-group/solicitation-watch/internal/model"
	"github.com/sells-group/solicitation-watch/pkg/anthropic"
)

// Image limits accepted by the messages API.
const (
	maxImageBytes = 5 << 20
	maxImageWidth = 1568
	maxImageSide  = 7990
)

var supportedImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// EvidenceImages loads the original evidence image and the landing page
// screenshot for sub. Either may be nil; a load failure for one image is
// returned but does not prevent the other from loading.
func EvidenceImages(ctx context.Context, blobs blob.Storage, sub *model.Submission) (evidence, landing *anthropic.ContentPart, err error) {
	var errs []string

	if ref := evidenceRef(sub); ref != "" {
		evidence, err = loadImage(ctx, blobs, ref)
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	if sub.LandingRenderStatus == model.RenderSuccess && sub.LandingScreenshotURL != "" {
		landing, err = loadImage(ctx, blobs, sub.LandingScreenshotURL)
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return evidence, landing, eris.New("classify: load images: " + strings.Join(errs, "; "))
	}
	return evidence, landing, nil
}

func evidenceRef(sub *model.Submission) string {
	if sub.ImageURL != "" {
		return sub.ImageURL
	}
	for _, u := range sub.MediaURLs {
		if strings.HasPrefix(u, "https://") {
			return u
		}
	}
	return ""
}

// loadImage turns a blob reference or public URL into an image part.
// Unsupported formats such as PDFs yield nil without error.
func loadImage(ctx context.Context, blobs blob.Storage, ref string) (*anthropic.ContentPart, error) {
	bucket, key, ok := blob.ParseRef(ref)
	if !ok {
		if strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://") {
			p := anthropic.ImageURLPart(ref)
			return &p, nil
		}
		return nil, eris.Errorf("classify: unrecognized image reference %q", ref)
	}
	if blobs == nil {
		return nil, eris.New("classify: no blob storage configured")
	}

	data, err := blobs.Get(ctx, bucket, key)
	if err != nil {
		return nil, eris.Wrapf(err, "classify: get %s", ref)
	}
	mediaType := http.DetectContentType(data)
	if !supportedImageTypes[mediaType] {
		return nil, nil
	}

	data, mediaType, err = fitImage(data, mediaType)
	if err != nil {
		return nil, err
	}
	p := anthropic.ImagePart(mediaType, data)
	return &p, nil
}

// fitImage downsizes images that exceed the API byte or pixel limits and
// re-encodes them as JPEG.
func fitImage(data []byte, mediaType string) ([]byte, string, error) {
	if mediaType == "image/webp" {
		// no decoder registered; pass through when small enough
		if len(data) > maxImageBytes {
			return nil, "", eris.New("classify: webp image exceeds size limit")
		}
		return data, mediaType, nil
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", eris.Wrap(err, "classify: decode image")
	}
	b := img.Bounds()
	if len(data) <= maxImageBytes && b.Dx() <= maxImageSide && b.Dy() <= maxImageSide {
		return data, mediaType, nil
	}

	fitted := imaging.Fit(img, maxImageWidth, maxImageSide, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, fitted, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, "", eris.Wrap(err, "classify: encode image")
	}
	return buf.Bytes(), "image/jpeg", nil
}
