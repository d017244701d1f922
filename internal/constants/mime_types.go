package constants

// MimeTypes maps attachment file extensions to MIME types for platforms
// that report a filename but no content type.
var MimeTypes = map[string]string{
	// Image formats
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",

	// Video formats
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",

	// Document formats
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".txt":  "text/plain",

	// Audio formats
	".ogg": "audio/ogg",
	".oga": "audio/ogg",
	".mp3": "audio/mpeg",
	".wav": "audio/wav",
	".m4a": "audio/mp4",
}

// DefaultMimeType is the fallback MIME type for unknown file extensions
const DefaultMimeType = "application/octet-stream"

// Fallback MIME types per media kind when the platform reports none
const (
	DefaultImageMimeType   = "image/jpeg"
	DefaultVideoMimeType   = "video/mp4"
	DefaultAudioMimeType   = "audio/ogg"
	DefaultStickerMimeType = "image/webp"
)
