package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

// sonic.ConfigStd sorts map keys, which Canonical relies on.
var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}

// Canonical encodes v with sorted object keys so structurally equal values
// produce identical strings.
func Canonical(v any) (string, error) {
	data, err := defaultConfig.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
