package config

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Section is one [name] block of a config file. Option names are case
// insensitive; every read, including fallbacks, marks the option used.
type Section struct {
	name    string
	options map[string]string

	mu       sync.Mutex
	accessed map[string]struct{}
}

func newSection(name string, options map[string]string) *Section {
	opts := make(map[string]string, len(options))
	for k, v := range options {
		opts[strings.ToLower(k)] = v
	}
	return &Section{
		name:     name,
		options:  opts,
		accessed: make(map[string]struct{}),
	}
}

// GetName returns the section name.
func (s *Section) GetName() string {
	return s.name
}

// lookup returns the raw value of option and marks it accessed.
func (s *Section) lookup(option string) (string, bool) {
	key := strings.ToLower(option)
	s.mu.Lock()
	s.accessed[key] = struct{}{}
	v, ok := s.options[key]
	s.mu.Unlock()
	return v, ok
}

// GetUnusedOptions returns options that were never read, sorted.
func (s *Section) GetUnusedOptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []string
	for opt := range s.options {
		if _, ok := s.accessed[opt]; !ok {
			result = append(result, opt)
		}
	}
	sort.Strings(result)
	return result
}

// HasOption checks if an option exists in this section.
func (s *Section) HasOption(option string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.options[strings.ToLower(option)]
	return ok
}

// Get returns a string option value, or the fallback when absent.
// Without a fallback a missing option is an error.
func (s *Section) Get(option string, fallback ...string) (string, error) {
	if v, ok := s.lookup(option); ok {
		return v, nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return "", ErrMissingOption(s.name, option)
}

// GetInt returns an integer option value.
func (s *Section) GetInt(option string, fallback ...int) (int, error) {
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, ErrMissingOption(s.name, option)
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, ErrInvalidValue(s.name, option, v, "integer")
	}
	return i, nil
}

// GetIntMin returns an integer option that must be at least minVal.
func (s *Section) GetIntMin(option string, minVal int, fallback ...int) (int, error) {
	v, err := s.GetInt(option, fallback...)
	if err != nil {
		return 0, err
	}
	if v < minVal {
		return 0, ErrOutOfRange(s.name, option, float64(v), "must have minimum of "+strconv.Itoa(minVal))
	}
	return v, nil
}

// GetFloat returns a float64 option value.
func (s *Section) GetFloat(option string, fallback ...float64) (float64, error) {
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, ErrMissingOption(s.name, option)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, ErrInvalidValue(s.name, option, v, "float")
	}
	return f, nil
}

// GetFloatMin returns a float option that must be at least minVal.
func (s *Section) GetFloatMin(option string, minVal float64, fallback ...float64) (float64, error) {
	v, err := s.GetFloat(option, fallback...)
	if err != nil {
		return 0, err
	}
	if v < minVal {
		return 0, ErrOutOfRange(s.name, option, v, "must have minimum of "+strconv.FormatFloat(minVal, 'f', -1, 64))
	}
	return v, nil
}

// GetSeconds reads a non-negative number of seconds as a Duration.
func (s *Section) GetSeconds(option string, fallback ...time.Duration) (time.Duration, error) {
	var fb []float64
	if len(fallback) > 0 {
		fb = append(fb, fallback[0].Seconds())
	}
	secs, err := s.GetFloatMin(option, 0, fb...)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// GetBool returns a boolean option value.
// Accepts: 1, true, yes, on (true) and 0, false, no, off (false).
func (s *Section) GetBool(option string, fallback ...bool) (bool, error) {
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return false, ErrMissingOption(s.name, option)
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, ErrInvalidValue(s.name, option, v, "boolean (true/false/yes/no/on/off/1/0)")
	}
}

// GetChoice returns a string option that must be one of choices.
func (s *Section) GetChoice(option string, choices []string, fallback ...string) (string, error) {
	v, err := s.Get(option, fallback...)
	if err != nil {
		return "", err
	}
	for _, c := range choices {
		if strings.EqualFold(v, c) {
			return c, nil
		}
	}
	return "", ErrInvalidChoice(s.name, option, v, choices)
}
