package message

import (
	"fmt"
	"strconv"
	"strings"
)

// Level classifies message severity, ascending: Debug < Info < Warning < Error.
type Level uint8

const (
	Debug Level = iota
	Info
	Warning
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	}
	return "LEVEL(" + strconv.Itoa(int(l)) + ")"
}

// ParseLevel maps a case-insensitive level name to its Level. The empty
// string parses as Debug, the everything-passes floor.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "", "debug":
		return Debug, nil
	case "info":
		return Info, nil
	case "warning", "warn":
		return Warning, nil
	case "error":
		return Error, nil
	}
	return Debug, fmt.Errorf("unknown level %q", s)
}
