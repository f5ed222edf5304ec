// Package encoder turns raw capture PCM into an upload blob.
package encoder

import "fmt"

const (
	Channels      = 1
	BitsPerSample = 16
	BlockSize     = 4096
)

// Encode produces the upload payload for a finished recording.
// pcm is little-endian 16-bit mono.
func Encode(format string, pcm []byte, sampleRate int) ([]byte, error) {
	switch format {
	case "wav":
		return EncodeWAV(pcm, sampleRate), nil
	case "flac":
		return EncodeFLAC(pcm, sampleRate)
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

// ContentType returns the MIME type for an upload format.
func ContentType(format string) string {
	switch format {
	case "flac":
		return "audio/flac"
	default:
		return "audio/wav"
	}
}

// Filename returns the multipart filename for an upload format.
func Filename(format string) string {
	return "recording." + format
}
