// Package splitter cuts a PostgreSQL dump into complete statements incrementally.
//
// The lexer state is an explicit value that is persisted between calls, so a dump
// fed in arbitrary pieces produces exactly the statements it would produce when fed
// whole. Scanning stops wherever a decision needs bytes that have not arrived yet and
// resumes at the same position on the next call.
package splitter

import (
	"regexp"
	"strings"

	"github.com/rossigee/sqlimport/internal/reader"
)

// Mode is the lexical context the scanner is in
type Mode string

const (
	ModeNormal       Mode = ""
	ModeSingleQuote  Mode = "single_quote"
	ModeEscapeString Mode = "escape_string"
	ModeDoubleQuote  Mode = "double_quote"
	ModeBlockComment Mode = "block_comment"
	ModeLineComment  Mode = "line_comment"
	ModeDollar       Mode = "dollar"
	ModeBulk         Mode = "bulk"
)

// State carries everything the scanner needs to continue where it stopped
type State struct {
	// Pending is the text read since the last statement boundary
	Pending string `json:"pending"`
	// Scanned is how many bytes of Pending were already examined
	Scanned int  `json:"scanned"`
	Mode    Mode `json:"mode,omitempty"`
	// Depth is the nesting level of block comments
	Depth int `json:"depth,omitempty"`
	// Tag is the active dollar-quote delimiter, including both '$'
	Tag string `json:"tag,omitempty"`
}

// Remainder returns the text that has not yet formed a complete statement
func (s State) Remainder() string {
	return s.Pending
}

// Result is the outcome of one splitting step
type Result struct {
	Statements []string
	// Consumed is the number of bytes taken from the reader
	Consumed int
	State    State
	// EOF is set once the reader is exhausted and no remainder is left
	EOF bool
}

// Split reads up to maxBytes from r and returns the statements completed by them
func Split(r reader.Reader, maxBytes int, st State) (Result, error) {
	data, err := r.ReadChunk(maxBytes)
	if err != nil {
		return Result{State: st}, err
	}
	eof := r.EOF()
	stmts, next := Feed(st, data, eof)
	return Result{
		Statements: stmts,
		Consumed:   len(data),
		State:      next,
		EOF:        eof && next.Pending == "",
	}, nil
}

// SplitAll splits a complete input in one call
func SplitAll(input string) []string {
	stmts, _ := Feed(State{}, []byte(input), true)
	return stmts
}

// SplitBulk separates a COPY ... FROM stdin statement into its header (with the
// terminator) and the row data without the "\." end marker.
func SplitBulk(stmt string) (header, data string) {
	s := &scanner{buf: stmt, eof: true, headerOnly: true}
	s.run()
	if s.headerEnd == 0 {
		return stmt, ""
	}
	header = strings.TrimSpace(stmt[:s.headerEnd])
	rest := stmt[s.headerEnd:]
	if i := strings.IndexByte(rest, '\n'); i >= 0 {
		rest = rest[i+1:]
	} else {
		rest = ""
	}
	rest = strings.TrimSuffix(strings.TrimRight(rest, "\r\n"), "\\.")
	return header, rest
}

var copyFromStdin = regexp.MustCompile(`(?is)^COPY\s.*\bFROM\s+STDIN\b`)

// IsBulkLoad reports whether stmt is a COPY ... FROM stdin header
func IsBulkLoad(stmt string) bool {
	return copyFromStdin.MatchString(TrimNoise(stmt))
}

// Feed appends data to the pending text of st and scans it. When eof is set, any
// meaningful text left over is returned as a final statement.
func Feed(st State, data []byte, eof bool) ([]string, State) {
	s := &scanner{
		buf:   st.Pending + string(data),
		pos:   st.Scanned,
		mode:  st.Mode,
		depth: st.Depth,
		tag:   st.Tag,
		eof:   eof,
	}
	s.run()

	if eof {
		if rest := s.buf[s.start:]; TrimNoise(rest) != "" {
			s.emit(rest)
		}
		return s.stmts, State{}
	}

	// Whitespace between statements never changes the lexical state
	pending := s.buf[s.start:]
	scanned := s.pos - s.start
	trimmed := strings.TrimLeft(pending, " \t\r\n\f\v")
	scanned -= len(pending) - len(trimmed)
	if scanned < 0 {
		scanned = 0
	}

	return s.stmts, State{
		Pending: trimmed,
		Scanned: scanned,
		Mode:    s.mode,
		Depth:   s.depth,
		Tag:     s.tag,
	}
}

type scanner struct {
	buf   string
	pos   int
	start int
	mode  Mode
	depth int
	tag   string
	eof   bool
	stmts []string

	// headerOnly stops the scan at the first terminator and records its end
	headerOnly bool
	headerEnd  int
}

// need reports whether n more bytes after pos are unavailable and more input may follow
func (s *scanner) need(n int) bool {
	return s.pos+n >= len(s.buf) && !s.eof
}

func (s *scanner) run() {
	for s.pos < len(s.buf) {
		var more bool
		switch s.mode {
		case ModeNormal:
			more = s.normal()
		case ModeLineComment:
			if i := strings.IndexByte(s.buf[s.pos:], '\n'); i >= 0 {
				s.pos += i + 1
				s.mode = ModeNormal
			} else {
				s.pos = len(s.buf)
			}
		case ModeBlockComment:
			more = s.blockComment()
		case ModeSingleQuote:
			s.closeOn('\'')
		case ModeDoubleQuote:
			s.closeOn('"')
		case ModeEscapeString:
			more = s.escapeString()
		case ModeDollar:
			if i := strings.Index(s.buf[s.pos:], s.tag); i >= 0 {
				s.pos += i + len(s.tag)
				s.mode = ModeNormal
				s.tag = ""
			} else {
				if resume := len(s.buf) - len(s.tag) + 1; resume > s.pos {
					s.pos = resume
				}
				more = true
			}
		case ModeBulk:
			more = s.bulk()
		}
		if more {
			return
		}
	}
}

// closeOn skips to the closing quote. A doubled quote closes and reopens, which
// leaves the statement boundaries unchanged.
func (s *scanner) closeOn(q byte) {
	if i := strings.IndexByte(s.buf[s.pos:], q); i >= 0 {
		s.pos += i + 1
		s.mode = ModeNormal
		return
	}
	s.pos = len(s.buf)
}

func (s *scanner) normal() bool {
	c := s.buf[s.pos]
	switch c {
	case '-':
		if s.need(1) {
			return true
		}
		if s.pos+1 < len(s.buf) && s.buf[s.pos+1] == '-' {
			s.mode = ModeLineComment
			s.pos += 2
			return false
		}
	case '/':
		if s.need(1) {
			return true
		}
		if s.pos+1 < len(s.buf) && s.buf[s.pos+1] == '*' {
			s.mode = ModeBlockComment
			s.depth = 1
			s.pos += 2
			return false
		}
	case '\'':
		if s.pos > 0 && (s.buf[s.pos-1] == 'E' || s.buf[s.pos-1] == 'e') &&
			(s.pos < 2 || !isIdentChar(s.buf[s.pos-2])) {
			s.mode = ModeEscapeString
		} else {
			s.mode = ModeSingleQuote
		}
	case '"':
		s.mode = ModeDoubleQuote
	case '$':
		return s.dollarOpen()
	case '\\':
		if TrimNoise(s.buf[s.start:s.pos]) == "" {
			return s.metaCommand()
		}
	case ';':
		s.boundary()
		return false
	}
	s.pos++
	return false
}

func (s *scanner) dollarOpen() bool {
	if s.pos > 0 && isIdentChar(s.buf[s.pos-1]) {
		s.pos++
		return false
	}
	j := s.pos + 1
	for j < len(s.buf) && isTagChar(s.buf[j], j == s.pos+1) {
		j++
	}
	if j >= len(s.buf) {
		if !s.eof {
			return true
		}
		s.pos++
		return false
	}
	if s.buf[j] != '$' {
		s.pos++
		return false
	}
	s.tag = s.buf[s.pos : j+1]
	s.mode = ModeDollar
	s.pos = j + 1
	return false
}

func (s *scanner) blockComment() bool {
	c := s.buf[s.pos]
	if c == '/' || c == '*' {
		if s.need(1) {
			return true
		}
		if s.pos+1 < len(s.buf) {
			next := s.buf[s.pos+1]
			if c == '/' && next == '*' {
				s.depth++
				s.pos += 2
				return false
			}
			if c == '*' && next == '/' {
				s.depth--
				s.pos += 2
				if s.depth == 0 {
					s.mode = ModeNormal
				}
				return false
			}
		}
	}
	s.pos++
	return false
}

func (s *scanner) escapeString() bool {
	switch s.buf[s.pos] {
	case '\\':
		if s.need(1) {
			return true
		}
		s.pos += 2
		if s.pos > len(s.buf) {
			s.pos = len(s.buf)
		}
		return false
	case '\'':
		if s.need(1) {
			return true
		}
		if s.pos+1 < len(s.buf) && s.buf[s.pos+1] == '\'' {
			s.pos += 2
			return false
		}
		s.mode = ModeNormal
	}
	s.pos++
	return false
}

// boundary handles a terminator at pos
func (s *scanner) boundary() {
	if s.headerOnly {
		s.headerEnd = s.pos + 1
		s.pos = len(s.buf)
		return
	}
	stmt := s.buf[s.start : s.pos+1]
	if IsBulkLoad(stmt) {
		s.mode = ModeBulk
		return
	}
	s.emit(stmt)
	s.pos++
	s.start = s.pos
}

// bulk looks for the "\." line that ends a COPY data block. pos rests on the
// header's terminator or on the last candidate examined.
func (s *scanner) bulk() bool {
	for {
		i := strings.Index(s.buf[s.pos:], "\n\\.")
		if i < 0 {
			if resume := len(s.buf) - 2; resume > s.pos {
				s.pos = resume
			}
			if s.eof {
				s.pos = len(s.buf)
				return false
			}
			return true
		}
		cand := s.pos + i
		end := cand + 3
		switch {
		case end == len(s.buf):
			if !s.eof {
				s.pos = cand
				return true
			}
		case s.buf[end] == '\n':
			end++
		case s.buf[end] == '\r':
			switch {
			case end+1 == len(s.buf):
				if !s.eof {
					s.pos = cand
					return true
				}
				end++
			case s.buf[end+1] == '\n':
				end += 2
			default:
				s.pos = cand + 1
				continue
			}
		default:
			s.pos = cand + 1
			continue
		}
		s.emit(s.buf[s.start:end])
		s.mode = ModeNormal
		s.pos = end
		s.start = end
		return false
	}
}

// metaCommand takes a psql backslash command up to the end of its line
func (s *scanner) metaCommand() bool {
	i := strings.IndexByte(s.buf[s.pos:], '\n')
	if i < 0 {
		if !s.eof {
			return true
		}
		s.emit(s.buf[s.start:])
		s.pos = len(s.buf)
		s.start = s.pos
		return false
	}
	end := s.pos + i + 1
	s.emit(s.buf[s.start:end])
	s.pos = end
	s.start = end
	return false
}

func (s *scanner) emit(stmt string) {
	stmt = strings.TrimSpace(TrimNoise(stmt))
	if strings.TrimSpace(TrimNoise(strings.TrimSuffix(stmt, ";"))) == "" {
		return
	}
	s.stmts = append(s.stmts, stmt)
}

// TrimNoise drops leading whitespace and comments from s
func TrimNoise(s string) string {
	for {
		s = strings.TrimLeft(s, " \t\r\n\f\v")
		switch {
		case strings.HasPrefix(s, "--"):
			i := strings.IndexByte(s, '\n')
			if i < 0 {
				return ""
			}
			s = s[i+1:]
		case strings.HasPrefix(s, "/*"):
			depth := 0
			i := 0
			for i < len(s) {
				if strings.HasPrefix(s[i:], "/*") {
					depth++
					i += 2
					continue
				}
				if strings.HasPrefix(s[i:], "*/") {
					depth--
					i += 2
					if depth == 0 {
						break
					}
					continue
				}
				i++
			}
			if depth > 0 {
				return ""
			}
			s = s[i:]
		default:
			return s
		}
	}
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '$' || c >= 0x80 ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isTagChar(c byte, first bool) bool {
	if c >= '0' && c <= '9' {
		return !first
	}
	return c == '_' || c >= 0x80 || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
