package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/utils"
)

// Size is a byte count that decodes from a number or a human-friendly string
// such as "512MiB" or "50GB".
type Size int64

func (s Size) Bytes() int64 {
	return int64(s)
}

func (s Size) String() string {
	return utils.FormatDataSize(int64(s))
}

// Decode implements envconfig.Decoder.
func (s *Size) Decode(value string) error {
	n, err := utils.ParseDataSize(value)
	if err != nil {
		return err
	}
	*s = Size(n)
	return nil
}

func (s *Size) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	// JSON numbers are parsed as float64
	switch v := v.(type) {
	case float64:
		if v < 0 {
			return fmt.Errorf("negative size: %v", v)
		}
		*s = Size(v)
		return nil
	case string:
		return s.Decode(v)
	default:
		return fmt.Errorf("size must be a number or string, got %T", v)
	}
}

func (s Size) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(s))
}

func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	return s.Decode(node.Value)
}

// Duration decodes from Go duration strings such as "30s" or "720h".
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(value string) error {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	return d.Decode(s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.Decode(node.Value)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}
