package mediamtx

import (
	"fmt"
)

// optionSpec declares the accepted shape of one configuration key.
type optionSpec struct {
	kind    string // string | bool | int | float
	enum    []string
	min     float64
	max     float64
	bounded bool
}

// knownOptions is the locally enforced schema for update_configuration.
// Unknown keys are rejected before any network call.
var knownOptions = map[string]optionSpec{
	"logLevel":          {kind: "string", enum: []string{"error", "warn", "info", "debug"}},
	"readTimeout":       {kind: "string"},
	"writeTimeout":      {kind: "string"},
	"api":               {kind: "bool"},
	"metrics":           {kind: "bool"},
	"rtsp":              {kind: "bool"},
	"rtmp":              {kind: "bool"},
	"hls":               {kind: "bool"},
	"webrtc":            {kind: "bool"},
	"rtspAddress":       {kind: "string"},
	"hlsSegmentCount":   {kind: "int", min: 1, max: 100, bounded: true},
	"hlsSegmentMaxSize": {kind: "string"},
	"writeQueueSize":    {kind: "int", min: 8, max: 65536, bounded: true},
	"udpMaxPayloadSize": {kind: "int", min: 64, max: 65507, bounded: true},
}

// ValidateConfigOptions checks option names, types, enums and numeric
// ranges against the local schema.
func ValidateConfigOptions(options map[string]interface{}) error {
	for key, value := range options {
		spec, ok := knownOptions[key]
		if !ok {
			return &Error{Op: "update_configuration", Message: fmt.Sprintf("unknown option %q", key)}
		}
		if err := checkOption(key, spec, value); err != nil {
			return err
		}
	}
	return nil
}

func checkOption(key string, spec optionSpec, value interface{}) error {
	fail := func(format string, args ...interface{}) error {
		return &Error{Op: "update_configuration", Message: fmt.Sprintf("option %q: ", key) + fmt.Sprintf(format, args...)}
	}

	switch spec.kind {
	case "string":
		s, ok := value.(string)
		if !ok {
			return fail("expected string, got %T", value)
		}
		if len(spec.enum) > 0 {
			for _, allowed := range spec.enum {
				if s == allowed {
					return nil
				}
			}
			return fail("value %q not in %v", s, spec.enum)
		}
	case "bool":
		if _, ok := value.(bool); !ok {
			return fail("expected bool, got %T", value)
		}
	case "int", "float":
		var f float64
		switch n := value.(type) {
		case int:
			f = float64(n)
		case int64:
			f = float64(n)
		case float64:
			f = n
			if spec.kind == "int" && f != float64(int64(f)) {
				return fail("expected integer, got %v", n)
			}
		default:
			return fail("expected number, got %T", value)
		}
		if spec.bounded && (f < spec.min || f > spec.max) {
			return fail("value %v out of range [%v, %v]", f, spec.min, spec.max)
		}
	}
	return nil
}
