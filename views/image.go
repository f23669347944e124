package views

import (
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/aaryangpatel/ExeterMarketPlace/core"
)

var allowedImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// EncodeImage checks an uploaded image against the size limit and the allowed
// types and turns it into a data URI.
func EncodeImage(data []byte, maxBytes int64) (string, error) {
	if len(data) == 0 {
		return "", &core.ValidationError{Field: core.FieldImageData, Message: "The selected image is empty."}
	}
	if int64(len(data)) > maxBytes {
		return "", &core.ValidationError{
			Field:   core.FieldImageData,
			Message: fmt.Sprintf("Images must be %s or smaller.", humanBytes(maxBytes)),
		}
	}
	contentType := http.DetectContentType(data)
	if !allowedImageTypes[contentType] {
		return "", &core.ValidationError{
			Field:   core.FieldImageData,
			Message: "Only PNG, JPEG, GIF and WebP images are supported.",
		}
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func humanBytes(n int64) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%d MB", n>>20)
	case n >= 1<<10:
		return fmt.Sprintf("%d KB", n>>10)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}
