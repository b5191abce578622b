package training

import (
	"bytes"
	"encoding/gob"
	"errors"

	"github.com/prismpm/prism/internal/ml/models"
)

func init() {
	// The estimator travels inside the bundle as an interface value.
	gob.Register(&GBRT{})
}

// EncodeBundle serializes a runtime bundle for artifact storage.
func EncodeBundle(b *models.Bundle) ([]byte, error) {
	if b == nil || b.Estimator == nil {
		return nil, errors.New("bundle must carry an estimator")
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeBundle deserializes a stored artifact back into the fixed-shape
// runtime bundle.
func DecodeBundle(data []byte) (*models.Bundle, error) {
	var b models.Bundle
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&b); err != nil {
		return nil, err
	}
	if b.Estimator == nil {
		return nil, errors.New("artifact carries no estimator")
	}
	return &b, nil
}
