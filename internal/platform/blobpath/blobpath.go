// Package blobpath builds and parses the canonical object keys used for
// every generated artifact. Keeping the codec bijective means the sweeper
// and the checkpoint store can always recover ownership from a bare key.
package blobpath

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Ref identifies one artifact blob.
type Ref struct {
	UserID       uuid.UUID
	VideoID      uuid.UUID
	Branch       string
	CheckpointID uuid.UUID
	Kind         string
	Key          string
	Version      int
}

// Ext maps an artifact kind to its file extension.
func Ext(kind string) string {
	switch kind {
	case "spec":
		return "json"
	case "beat-image", "beat-last-frame":
		return "png"
	case "chunk", "stitched-video", "final-video":
		return "mp4"
	case "music":
		return "mp3"
	default:
		return "bin"
	}
}

// Build renders the object key:
//
//	{user}/videos/{video}/{branch}/{checkpoint}/{kind}/{key}_v{version}.{ext}
func Build(ref Ref) string {
	return fmt.Sprintf("%s/videos/%s/%s/%s/%s/%s_v%d.%s",
		ref.UserID, ref.VideoID, ref.Branch, ref.CheckpointID,
		ref.Kind, ref.Key, ref.Version, Ext(ref.Kind))
}

// VideoPrefix is the key prefix covering every blob of one video job.
func VideoPrefix(userID, videoID uuid.UUID) string {
	return fmt.Sprintf("%s/videos/%s/", userID, videoID)
}

// Parse inverts Build. Returns an error for keys that are not artifact keys.
func Parse(key string) (Ref, error) {
	var ref Ref
	parts := strings.Split(key, "/")
	if len(parts) != 7 || parts[1] != "videos" {
		return ref, fmt.Errorf("blobpath: malformed key %q", key)
	}
	userID, err := uuid.Parse(parts[0])
	if err != nil {
		return ref, fmt.Errorf("blobpath: bad user id in %q: %w", key, err)
	}
	videoID, err := uuid.Parse(parts[2])
	if err != nil {
		return ref, fmt.Errorf("blobpath: bad video id in %q: %w", key, err)
	}
	cpID, err := uuid.Parse(parts[4])
	if err != nil {
		return ref, fmt.Errorf("blobpath: bad checkpoint id in %q: %w", key, err)
	}
	branch := parts[3]
	kind := parts[5]

	file := parts[6]
	dot := strings.LastIndex(file, ".")
	if dot <= 0 {
		return ref, fmt.Errorf("blobpath: missing extension in %q", key)
	}
	stem := file[:dot]
	vIdx := strings.LastIndex(stem, "_v")
	if vIdx <= 0 {
		return ref, fmt.Errorf("blobpath: missing version suffix in %q", key)
	}
	version, err := strconv.Atoi(stem[vIdx+2:])
	if err != nil || version < 1 {
		return ref, fmt.Errorf("blobpath: bad version in %q", key)
	}

	return Ref{
		UserID:       userID,
		VideoID:      videoID,
		Branch:       branch,
		CheckpointID: cpID,
		Kind:         kind,
		Key:          stem[:vIdx],
		Version:      version,
	}, nil
}
