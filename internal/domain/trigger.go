package domain

import (
	"bufio"
	"bytes"
	"strings"
)

const (
	triggerTableKey = "trigger_table="
	triggerKey      = "trigger="
)

// TriggerTable returns the table named by a <trigger>.TRN file, or "".
func TriggerTable(data []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if v, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), triggerTableKey); ok {
			return strings.Trim(v, `'"`)
		}
	}
	return ""
}

func FormatTriggerName(table string) []byte {
	return []byte("TYPE=TRIGGERNAME\n" + triggerTableKey + table + "\n")
}

// TableTriggers returns the trigger names listed in a <table>.TRG file.
func TableTriggers(data []byte) []string {
	var names []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if v, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), triggerKey); ok && v != "" {
			names = append(names, v)
		}
	}
	return names
}

func FormatTableTriggers(names []string) []byte {
	var b strings.Builder
	b.WriteString("TYPE=TRIGGERS\n")
	for _, n := range names {
		b.WriteString(triggerKey + n + "\n")
	}
	return []byte(b.String())
}
