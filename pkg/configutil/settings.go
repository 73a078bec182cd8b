package configutil

import (
	"github.com/mitchellh/mapstructure"
)

// Decode validates input against schema, then decodes it into out.
func Decode(input map[string]any, schema Schema, out any) error {
	if err := schema.Validate(input); err != nil {
		return err
	}
	return DecodeSettings(input, out)
}

// DecodeSettings decodes input into out without checking keys. Values are
// weakly typed, so "250ms" fills a time.Duration and "3" fills an int.
func DecodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}
