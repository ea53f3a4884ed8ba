package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		DurationSliceHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)),
}

// DurationSliceHookFunc decodes "2s,5s,10s" (or a yaml list of duration strings) into []time.Duration.
func DurationSliceHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if t != reflect.TypeOf([]time.Duration{}) {
			return data, nil
		}
		var raw []string
		switch v := data.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return []time.Duration{}, nil
			}
			raw = strings.Split(v, ",")
		case []interface{}:
			for _, e := range v {
				s, ok := e.(string)
				if !ok {
					return data, nil
				}
				raw = append(raw, s)
			}
		default:
			return data, nil
		}
		durations := make([]time.Duration, 0, len(raw))
		for _, s := range raw {
			d, err := time.ParseDuration(strings.TrimSpace(s))
			if err != nil {
				return nil, errors.Wrapf(err, "invalid duration %q", s)
			}
			durations = append(durations, d)
		}
		return durations, nil
	}
}
