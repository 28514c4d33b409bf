package s3

// SecureMIMETypesExtension maps upload MIME types the service accepts
// to the extension stored objects are keyed with.
var SecureMIMETypesExtension = map[string]string{
	"image/jpeg": "jpeg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/bmp":  "bmp",
	"image/tiff": "tiff",
	"image/webp": "webp",
}

func CheckSecureImageAndGetExtension(mimeType string) (bool, string) {
	ext, ok := SecureMIMETypesExtension[mimeType]
	return ok, ext
}
