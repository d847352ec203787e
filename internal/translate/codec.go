package translate

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Codec converts canonical requests and responses to and from one upstream
// shape. The request decoder and response encoder back the synthetic echo
// upstream.
type Codec interface {
	Shape() Shape
	EncodeRequest(req *Request) ([]byte, error)
	DecodeRequest(body []byte) (*Request, error)
	DecodeResponse(body []byte) (*Response, error)
	EncodeResponse(resp *Response) ([]byte, error)
	// EncodeStream renders resp as the data payloads of an SSE stream,
	// terminal marker included.
	EncodeStream(resp *Response) ([][]byte, error)
	NewStreamDecoder() StreamDecoder
}

func CodecFor(s Shape) Codec {
	switch s {
	case ShapeChatCompletions:
		return chatCodec{}
	case ShapeCompletions:
		return completionsCodec{}
	default:
		return responsesCodec{}
	}
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func dataURL(mediaType, data string) string {
	if mediaType == "" {
		mediaType = "image/png"
	}
	return "data:" + mediaType + ";base64," + data
}

// parseDataURL splits a base64 data URL. Other URLs are rejected.
func parseDataURL(u string) (mediaType, data string, err error) {
	rest, ok := strings.CutPrefix(u, "data:")
	if !ok {
		return "", "", fmt.Errorf("image url is not a data url")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", "", fmt.Errorf("malformed data url")
	}
	mediaType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		payload = base64.StdEncoding.EncodeToString([]byte(payload))
	}
	return mediaType, payload, nil
}
