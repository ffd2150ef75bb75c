package usecase

import (
	"fmt"
	"regexp"
	"time"
)

const timestampLayout = "20060102_150405"

var timestampPattern = regexp.MustCompile(`(\d{8})_(\d{6})`)

func extractTimestamp(name string) (time.Time, error) {
	matches := timestampPattern.FindStringSubmatch(name)
	if len(matches) < 3 {
		return time.Time{}, fmt.Errorf("invalid name format: no timestamp found in %q", name)
	}

	return time.ParseInLocation(timestampLayout, matches[1]+"_"+matches[2], time.Local)
}
