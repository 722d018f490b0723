package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// jsonDuration decodes "5s" style strings, or bare numbers as nanoseconds.
type jsonDuration time.Duration

func (d *jsonDuration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case nil:
		return nil
	case float64:
		*d = jsonDuration(time.Duration(v))
		return nil
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = jsonDuration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration %s", data)
	}
}

func (c *RabbitMQConfig) UnmarshalJSON(data []byte) error {
	type plain RabbitMQConfig
	aux := struct {
		*plain
		ReconnectDelay jsonDuration `json:"reconnect_delay"`
	}{
		plain:          (*plain)(c),
		ReconnectDelay: jsonDuration(c.ReconnectDelay),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	c.ReconnectDelay = time.Duration(aux.ReconnectDelay)
	return nil
}

func (c *GroupMeConfig) UnmarshalJSON(data []byte) error {
	type plain GroupMeConfig
	aux := struct {
		*plain
		RequestTimeout jsonDuration `json:"request_timeout"`
		SendInterval   jsonDuration `json:"send_interval"`
	}{
		plain:          (*plain)(c),
		RequestTimeout: jsonDuration(c.RequestTimeout),
		SendInterval:   jsonDuration(c.SendInterval),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	c.RequestTimeout = time.Duration(aux.RequestTimeout)
	c.SendInterval = time.Duration(aux.SendInterval)
	return nil
}
