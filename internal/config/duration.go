// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"time"
)

// Duration wraps time.Duration with YAML support for human-readable strings
// ("100ms", "5m") in addition to plain nanosecond integers.
type Duration time.Duration

func (d Duration) AsDuration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var asString string
	if err := unmarshal(&asString); err == nil {
		parsed, err := time.ParseDuration(asString)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", asString, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var asNanos int64
	if err := unmarshal(&asNanos); err != nil {
		return fmt.Errorf("duration must be a string (\"100ms\") or an integer of nanoseconds: %w", err)
	}
	*d = Duration(asNanos)
	return nil
}
