package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Durations reads duration settings, which the file holds as Go duration
// strings ("5s", "2m"). Errors are collected so one bad value does not hide
// the next; check Err after the last read.
type Durations struct {
	errs []error
}

// Get returns the setting at path, or def when it is empty or zero.
func (d *Durations) Get(path, raw string, def time.Duration) time.Duration {
	v, ok := d.parse(path, raw)
	if !ok || v == 0 {
		return def
	}
	return v
}

// Exact is Get for settings where an explicit "0s" means off.
func (d *Durations) Exact(path, raw string, def time.Duration) time.Duration {
	v, ok := d.parse(path, raw)
	if !ok {
		return def
	}
	return v
}

func (d *Durations) Err() error { return errors.Join(d.errs...) }

func (d *Durations) parse(path, raw string) (time.Duration, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		d.errs = append(d.errs, fmt.Errorf("%s: invalid duration %q", path, raw))
		return 0, false
	}
	if v < 0 {
		d.errs = append(d.errs, fmt.Errorf("%s: must not be negative", path))
		return 0, false
	}
	return v, true
}
