package decoder

import (
	"bytes"
	"compress/zlib"
	"errors"
	"testing"
)

func compress(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write([]byte(s)); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("compress close: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeCanonicalizesKeyOrder(t *testing.T) {
	payload := compress(t, `{"b":1,"$schemaRef":"x","a":[2,{"d":4,"c":3}]}`)

	got, err := Decode(payload, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	want := `{"$schemaRef":"x","a":[2,{"c":3,"d":4}],"b":1}`
	if string(got) != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestDecodeIdempotent(t *testing.T) {
	payload := compress(t, `{"b":1,"$schemaRef":"x","a":[2,{"d":4,"c":3}]}`)

	first, err := Decode(payload, 0)
	if err != nil {
		t.Fatalf("first decode: %v", err)
	}

	second, err := Decode(compress(t, string(first)), 0)
	if err != nil {
		t.Fatalf("second decode: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Fatalf("decode not idempotent: %s != %s", first, second)
	}
}

func TestDecodeEmptyInput(t *testing.T) {
	_, err := Decode(nil, 0)
	assertKind(t, err, KindEmpty)
}

func TestDecodeMissingSchemaRef(t *testing.T) {
	_, err := Decode(compress(t, `{"no":"schema"}`), 0)
	assertKind(t, err, KindMissingSchemaRef)
}

func TestDecodeNonObjectTopLevel(t *testing.T) {
	_, err := Decode(compress(t, `[1,2,3]`), 0)
	assertKind(t, err, KindMissingSchemaRef)
}

func TestDecodeSizeLimitExceeded(t *testing.T) {
	big := `{"$schemaRef":"x","data":"` + string(bytes.Repeat([]byte("a"), 1000)) + `"}`
	payload := compress(t, big)

	_, err := Decode(payload, 16)
	assertKind(t, err, KindSizeLimitExceeded)
}

func TestDecodeWithinSizeLimitSucceeds(t *testing.T) {
	s := `{"$schemaRef":"x"}`
	payload := compress(t, s)

	got, err := Decode(payload, int64(len(s)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) == 0 {
		t.Fatalf("expected non-empty output")
	}
}

func TestDecodeTrailingGarbage(t *testing.T) {
	payload := compress(t, `{"$schemaRef":"x"}`)
	payload = append(payload, []byte("garbage")...)

	_, err := Decode(payload, 0)
	assertKind(t, err, KindTrailingGarbage)
}

func TestDecodeTruncatedPayload(t *testing.T) {
	payload := compress(t, `{"$schemaRef":"x","longer":"payload so truncation lands mid-stream"}`)
	truncated := payload[:len(payload)-4]

	_, err := Decode(truncated, 0)
	assertKind(t, err, KindTruncated)
}

func TestDecodeInvalidZlib(t *testing.T) {
	_, err := Decode([]byte("not zlib at all"), 0)
	assertKind(t, err, KindTruncated)
}

func assertKind(t *testing.T, err error, want Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error of kind %s, got nil", want)
	}
	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("expected *decoder.Error, got %T (%v)", err, err)
	}
	if de.Kind != want {
		t.Fatalf("got kind %s, want %s", de.Kind, want)
	}
}
