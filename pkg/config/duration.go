package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// jsonDuration reads "90s"-style strings or bare numbers of seconds.
type jsonDuration time.Duration

func (d *jsonDuration) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = jsonDuration(v)
		return nil
	}
	secs, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("duration must be a string like \"5m\" or a number of seconds, got %s", data)
	}
	*d = jsonDuration(secs * float64(time.Second))
	return nil
}

// UnmarshalJSON decodes durations from strings ("5m") or seconds (300).
// Fields absent from data keep their current values.
func (c *Config) UnmarshalJSON(data []byte) error {
	type plain Config
	aux := struct {
		*plain
		RequestTimeout *jsonDuration `json:"request_timeout"`
		SignedURLTTL   *jsonDuration `json:"signed_url_ttl"`
	}{
		plain:          (*plain)(c),
		RequestTimeout: (*jsonDuration)(&c.RequestTimeout),
		SignedURLTTL:   (*jsonDuration)(&c.SignedURLTTL),
	}
	return json.Unmarshal(data, &aux)
}
