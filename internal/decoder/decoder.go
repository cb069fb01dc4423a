// Package decoder turns one compressed upstream payload into a canonical
// JSON envelope, or a typed decode error. Decode is pure and safe for
// concurrent use: it touches no shared state, since decoding is CPU-bound
// work that must stay thread-safe and side-effect-free to offload cleanly
// onto a worker pool.
package decoder

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"io"
)

const schemaRefKey = "$schemaRef"

// Decode runs the canonicalization pipeline in order:
//
//  1. empty input -> KindEmpty
//  2. zlib-inflate bounded by sizeLimit (0 = unlimited) -> KindSizeLimitExceeded
//  3. trailing bytes after the deflate stream -> KindTrailingGarbage
//  4. stream not fully consumed -> KindTruncated
//  5. not a JSON object containing "$schemaRef" -> KindMissingSchemaRef
//  6. re-serialize with keys sorted lexicographically at every depth
func Decode(payload []byte, sizeLimit int64) ([]byte, error) {
	if len(payload) == 0 {
		return nil, newError(KindEmpty, nil)
	}

	src := bytes.NewReader(payload)
	zr, err := zlib.NewReader(src)
	if err != nil {
		return nil, newError(KindTruncated, err)
	}
	defer zr.Close()

	data, exceeded, err := inflate(zr, sizeLimit)
	if exceeded {
		return nil, newError(KindSizeLimitExceeded, nil)
	}
	if err != nil {
		return nil, newError(KindTruncated, err)
	}
	if src.Len() > 0 {
		return nil, newError(KindTrailingGarbage, nil)
	}
	if len(data) == 0 {
		return nil, newError(KindTruncated, nil)
	}

	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, newError(KindInvalidJSON, err)
	}
	doc, ok := parsed.(map[string]any)
	if !ok {
		return nil, newError(KindMissingSchemaRef, nil)
	}
	if _, ok := doc[schemaRefKey]; !ok {
		return nil, newError(KindMissingSchemaRef, nil)
	}

	// encoding/json sorts map[string]any keys lexicographically at every
	// depth and emits compact, whitespace-free output by default, which is
	// exactly the canonicalization the final step requires.
	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, newError(KindInvalidJSON, err)
	}
	return canonical, nil
}

// inflate reads the decompressed stream, capping output at sizeLimit+1
// bytes when sizeLimit > 0 so that exceeding the cap can be distinguished
// from a stream that happens to end exactly at the limit. exceeded is true
// iff more than sizeLimit decompressed bytes were available.
func inflate(r io.Reader, sizeLimit int64) (data []byte, exceeded bool, err error) {
	if sizeLimit <= 0 {
		data, err = io.ReadAll(r)
		return data, false, err
	}

	lr := &io.LimitedReader{R: r, N: sizeLimit + 1}
	data, err = io.ReadAll(lr)
	if err != nil {
		return data, false, err
	}
	if int64(len(data)) > sizeLimit {
		return nil, true, nil
	}
	return data, false, nil
}
