// Package formatter adapts response text to the delivery channel.
// Hospital channels differ widely: webchat renders full markdown while
// SMS pagers take a few hundred plain characters. Capabilities are
// declared per channel in a config file; unknown channels pass through
// untouched.
package formatter

import (
	"encoding/json"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Capabilities describe what one channel can render.
type Capabilities struct {
	Tables       bool
	Images       bool
	MaxMsgLength int
}

// Formatter holds per-channel capabilities.
type Formatter struct {
	channels map[string]Capabilities
}

// New builds a formatter from an in-memory capability map.
func New(channels map[string]Capabilities) *Formatter {
	if channels == nil {
		channels = map[string]Capabilities{}
	}
	return &Formatter{channels: channels}
}

type capsFile struct {
	Channels map[string]struct {
		Tables       *bool `json:"tables"`
		Images       *bool `json:"images"`
		MaxMsgLength int   `json:"max_msg_length"`
	} `json:"channels"`
}

// Load reads the channel capability file. A missing file yields an empty
// formatter, which passes everything through.
func Load(path string) (*Formatter, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(nil), nil
		}
		return nil, errors.Wrap(err, "read channels config")
	}

	var file capsFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, errors.Wrap(err, "parse channels config")
	}

	channels := make(map[string]Capabilities, len(file.Channels))
	for name, c := range file.Channels {
		caps := Capabilities{Tables: true, Images: true, MaxMsgLength: c.MaxMsgLength}
		if c.Tables != nil {
			caps.Tables = *c.Tables
		}
		if c.Images != nil {
			caps.Images = *c.Images
		}
		channels[name] = caps
	}
	return New(channels), nil
}

var imageRe = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]+)\)`)

// Format rewrites content for the given channel: tables become key:value
// lines, image embeds become plain links, and overlong messages are
// truncated with an ellipsis.
func (f *Formatter) Format(content, channel string) string {
	caps, ok := f.channels[channel]
	if !ok {
		return content
	}

	if !caps.Tables {
		content = stripTables(content)
	}
	if !caps.Images {
		content = imageRe.ReplaceAllString(content, "[$1]($2)")
	}
	if caps.MaxMsgLength > 0 {
		// Truncate on rune boundaries so a multi-byte character is never
		// split mid-sequence.
		runes := []rune(content)
		if len(runes) > caps.MaxMsgLength {
			cut := caps.MaxMsgLength - 3
			if cut < 0 {
				cut = 0
			}
			content = string(runes[:cut]) + "..."
		}
	}
	return content
}

var separatorCellRe = regexp.MustCompile(`^:?-+:?$`)

// stripTables converts markdown tables into "Header: Value" lines.
func stripTables(text string) string {
	lines := strings.Split(text, "\n")
	var result []string
	var headers []string
	inTable := false

	for _, line := range lines {
		stripped := strings.TrimSpace(line)
		if strings.Contains(stripped, "|") && !strings.HasPrefix(stripped, "```") {
			cells := splitCells(stripped)
			if isSeparatorRow(cells) {
				inTable = true
				continue
			}
			if !inTable {
				headers = cells
				inTable = true
				continue
			}
			var pairs []string
			for i, cell := range cells {
				label := "col" + strconv.Itoa(i)
				if i < len(headers) {
					label = headers[i]
				}
				pairs = append(pairs, label+": "+cell)
			}
			result = append(result, strings.Join(pairs, "  "))
			continue
		}
		inTable = false
		headers = nil
		result = append(result, line)
	}
	return strings.Join(result, "\n")
}

func splitCells(row string) []string {
	trimmed := strings.Trim(row, "|")
	parts := strings.Split(trimmed, "|")
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(p)
	}
	return cells
}

func isSeparatorRow(cells []string) bool {
	for _, c := range cells {
		if c == "" {
			continue
		}
		if !separatorCellRe.MatchString(c) {
			return false
		}
	}
	return true
}
