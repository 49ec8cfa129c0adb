package api

import (
	"bytes"
	"encoding/json"
	"io"
)

// envelope is the wrapper every backend answer comes in.
type envelope[T any] struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Datas      T      `json:"datas"`
}

func DecodeJson(r io.Reader, v any) error {
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(v); err != nil {
		return err
	}
	return nil
}

// EncodeJson returns a reader over the JSON encoding of v. A nil v gives a
// nil reader so the request goes out without a body.
func EncodeJson(v any) (io.Reader, error) {
	if v == nil {
		return nil, nil
	}
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}
