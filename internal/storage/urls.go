package storage

// URL derivation for the read-side serving contract. Paths are returned
// with forward slashes regardless of platform.

// MediaURL returns the serving URL for an organized media file.
func MediaURL(relativePath string) string {
	return "/media/" + relativePath
}

// ThumbnailURL returns the serving URL for the thumbnail derived from a
// media relative path.
func ThumbnailURL(relativePath string) string {
	return "/thumbnails/" + ThumbnailRelPath(relativePath)
}

// FaceURL returns the serving URL for a face crop file.
func FaceURL(faceFilename string) string {
	return "/processed/faces/" + faceFilename
}
