package event

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// DecodeParams decodes an event's data map into a typed parameter
// struct. Decoding is weakly typed ("5" into an int field, 1 into a
// bool) because payloads arrive from JSON written by shell clients;
// unknown keys are ignored so callers can carry extra routing fields.
func DecodeParams(data map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	if err := dec.Decode(data); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}
