// Package linemode holds serial line settings and parses the text form used
// by the in-band renegotiation command: <baud>[@<mode>][,rlw=<n>].
package linemode

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/valentic/serialmux/internal/model"
)

const (
	// DefaultBaud is the baud rate a channel starts with.
	DefaultBaud = 115200

	// DefaultMode is the framing a channel starts with.
	DefaultMode = "8n1"

	// MinLowWatermark and MaxLowWatermark bound the receive low watermark.
	MinLowWatermark = 1
	MaxLowWatermark = 256

	// MaxCommandLen caps the captured command text.
	MaxCommandLen = 32
)

const rlwClause = ",rlw="

// Settings is the configuration applied to a hardware channel when a client
// attaches to it.
type Settings struct {
	Baud         int    `json:"baud" yaml:"baud"`
	Mode         string `json:"mode" yaml:"mode"`
	LowWatermark int    `json:"rlw" yaml:"rlw"`
}

// Default returns 115200 baud, 8n1 framing and a low watermark of 1.
func Default() Settings {
	return Settings{
		Baud:         DefaultBaud,
		Mode:         DefaultMode,
		LowWatermark: MinLowWatermark,
	}
}

// NewSettings builds settings from a configured baud and mode. A ",rlw=" clause
// embedded in the mode is moved into LowWatermark.
func NewSettings(baud int, mode string) (Settings, error) {
	s := Default()
	if baud > 0 {
		s.Baud = baud
	}
	if mode != "" {
		stripped, rlw, ok := StripLowWatermark(mode)
		if ok {
			s.LowWatermark = rlw
		}
		if stripped != "" {
			if _, err := ParseMode(stripped); err != nil {
				return s, err
			}
			s.Mode = stripped
		}
	}
	return s, nil
}

// Raw reports whether the mode selects the word transform.
func (s Settings) Raw() bool {
	return IsRaw(s.Mode)
}

// Apply returns s updated with every field the command sets. Zero fields in
// the command leave the corresponding setting unchanged.
func (s Settings) Apply(c Command) Settings {
	if c.Baud > 0 {
		s.Baud = c.Baud
	}
	if c.Mode != "" {
		s.Mode = c.Mode
	}
	if c.LowWatermark > 0 {
		s.LowWatermark = ClampLowWatermark(c.LowWatermark)
	}
	return s
}

// String formats the settings in command syntax.
func (s Settings) String() string {
	return Command{Baud: s.Baud, Mode: s.Mode, LowWatermark: s.LowWatermark}.String()
}

// Command is a parsed renegotiation request. Zero fields mean "unchanged".
type Command struct {
	Baud         int
	Mode         string
	LowWatermark int
}

// IsZero reports whether the command changes nothing.
func (c Command) IsZero() bool {
	return c.Baud == 0 && c.Mode == "" && c.LowWatermark == 0
}

// String formats the command the way a client sends it.
func (c Command) String() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(c.Baud))
	if c.Mode != "" {
		b.WriteByte('@')
		b.WriteString(c.Mode)
	}
	if c.LowWatermark > 0 {
		b.WriteString(rlwClause)
		b.WriteString(strconv.Itoa(c.LowWatermark))
	}
	return b.String()
}

// ClampLowWatermark bounds n to [MinLowWatermark, MaxLowWatermark].
func ClampLowWatermark(n int) int {
	if n < MinLowWatermark {
		return MinLowWatermark
	}
	if n > MaxLowWatermark {
		return MaxLowWatermark
	}
	return n
}

// StripLowWatermark removes the first ",rlw=<n>" clause from s and returns the
// remaining text, the clamped watermark and whether a clause was present.
func StripLowWatermark(s string) (string, int, bool) {
	i := strings.Index(s, rlwClause)
	if i < 0 {
		return s, 0, false
	}
	rest := s[i+len(rlwClause):]
	j := leadingDigits(rest)
	n := 0
	if j > 0 {
		v, err := strconv.Atoi(rest[:j])
		if err != nil {
			v = MaxLowWatermark
		}
		n = v
	}
	return s[:i] + rest[j:], ClampLowWatermark(n), true
}

// ParseCommand interprets captured command text. Anything that cannot be
// interpreted is left unchanged in the returned command; the error describes
// what was ignored.
func ParseCommand(text string) (Command, error) {
	if i := strings.IndexByte(text, 0); i >= 0 {
		text = text[:i]
	}
	text = strings.TrimSpace(text)

	var cmd Command
	text, rlw, ok := StripLowWatermark(text)
	if ok {
		cmd.LowWatermark = rlw
	}

	j := leadingDigits(text)
	if j > 0 {
		if baud, err := strconv.Atoi(text[:j]); err == nil && baud > 0 {
			cmd.Baud = baud
		}
	}

	var err error
	rest := text[j:]
	switch {
	case strings.HasPrefix(rest, "@"):
		mode := rest[1:]
		if _, perr := ParseMode(mode); perr != nil {
			err = perr
		} else {
			cmd.Mode = mode
		}
	case rest != "":
		err = fmt.Errorf("%w: unexpected %q", model.ErrInvalidCommand, rest)
	}

	if err == nil && cmd.IsZero() {
		err = fmt.Errorf("%w: %q", model.ErrInvalidCommand, text)
	}
	return cmd, err
}

func leadingDigits(s string) int {
	j := 0
	for j < len(s) && s[j] >= '0' && s[j] <= '9' {
		j++
	}
	return j
}
