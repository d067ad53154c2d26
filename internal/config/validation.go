package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Destination names as used in state documents and logs.
const (
	DestinationWebAPI = "webapi"
	DestinationSheets = "sheets"
)

// DestinationError lists the configuration problems of one destination.
// A destination with errors is disabled; the others keep running.
type DestinationError struct {
	Destination string
	Problems    []string
}

func (e *DestinationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Destination, strings.Join(e.Problems, "; "))
}

// ValidationErrors collects destination errors
type ValidationErrors struct {
	Destinations []*DestinationError
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Destinations) > 0
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("destination configuration invalid:\n")
	for _, d := range e.Destinations {
		sb.WriteString(fmt.Sprintf("\n%s:\n", d.Destination))
		for _, p := range d.Problems {
			sb.WriteString(fmt.Sprintf("  - %s\n", p))
		}
	}
	sb.WriteString(fmt.Sprintf("\nValid streams: %s\n", strings.Join(allStreams, ", ")))
	return sb.String()
}

// Disabled reports whether the named destination has configuration errors.
func (e *ValidationErrors) Disabled(name string) bool {
	if e == nil {
		return false
	}
	for _, d := range e.Destinations {
		if d.Destination == name {
			return true
		}
	}
	return false
}

// DestinationErrors validates every enabled destination. It returns nil
// when all of them are usable.
func (c *Config) DestinationErrors() *ValidationErrors {
	errs := &ValidationErrors{}

	if c.WebAPI.Enabled {
		var problems []string
		problems = append(problems, checkURL("web_api.url", c.WebAPI.URL)...)
		if c.WebAPI.APIKey == "" {
			problems = append(problems, "web_api.api_key is required (set WEB_API_KEY)")
		}
		problems = append(problems, checkStreams("web_api.streams", c.WebAPI.Streams)...)
		if c.WebAPI.RatePerSecond < 0 {
			problems = append(problems, "web_api.rate_per_second must be >= 0")
		}
		if len(problems) > 0 {
			errs.Destinations = append(errs.Destinations, &DestinationError{Destination: DestinationWebAPI, Problems: problems})
		}
	}

	if c.Sheets.Enabled {
		var problems []string
		problems = append(problems, checkURL("sheets.url", c.Sheets.URL)...)
		if c.Sheets.Token == "" {
			problems = append(problems, "sheets.token is required (set SHEETS_TOKEN)")
		}
		problems = append(problems, checkStreams("sheets.streams", c.Sheets.Streams)...)
		for stream := range c.Sheets.SheetNames {
			if !validStream(stream) {
				problems = append(problems, fmt.Sprintf("sheets.sheet_names: unknown stream %q", stream))
			}
		}
		if c.Sheets.RatePerSecond < 0 {
			problems = append(problems, "sheets.rate_per_second must be >= 0")
		}
		if len(problems) > 0 {
			errs.Destinations = append(errs.Destinations, &DestinationError{Destination: DestinationSheets, Problems: problems})
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func checkURL(key, raw string) []string {
	if raw == "" {
		return []string{key + " is required"}
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return []string{fmt.Sprintf("%s is not an http(s) URL: %q", key, raw)}
	}
	return nil
}

func checkStreams(key string, streams []string) []string {
	if len(streams) == 0 {
		return []string{key + " must list at least one stream"}
	}
	var problems []string
	for _, s := range streams {
		if !validStream(s) {
			problems = append(problems, fmt.Sprintf("%s: unknown stream %q", key, s))
		}
	}
	return problems
}
