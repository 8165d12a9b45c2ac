package main

import (
	"time"

	"canarybox/internal/fault"
)

func parseDuration(flag, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fault.Wrap(fault.CodePrecondition, err, "invalid %s", flag)
	}
	return d, nil
}
