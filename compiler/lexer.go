package compiler

import "strings"

// ---------------------------------------------------------------------------
// Lexer
// ---------------------------------------------------------------------------

// Lexer tokenizes source text. Identifiers are ASCII; any other byte
// outside string literals and comments is an error.
type Lexer struct {
	input     string
	pos       int // offset of ch
	ch        byte
	line      int
	lineStart int
}

// NewLexer creates a new lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input, pos: -1}
	l.readChar()
	return l
}

// readChar advances to the next byte. ch is 0 at end of input.
func (l *Lexer) readChar() {
	if l.pos >= 0 && l.pos < len(l.input) && l.input[l.pos] == '\n' {
		l.line++
		l.lineStart = l.pos + 1
	}
	if l.pos < len(l.input) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.pos]
	}
}

func (l *Lexer) peekChar() byte {
	if l.pos+1 >= len(l.input) {
		return 0
	}
	return l.input[l.pos+1]
}

func (l *Lexer) atEOF() bool { return l.pos >= len(l.input) }

// position returns the current position.
func (l *Lexer) position() Position {
	return Position{Offset: l.pos, Line: l.line, Column: l.pos - l.lineStart}
}

// Line returns the 0-based line of the next unread byte.
func (l *Lexer) Line() int { return l.line }

func (l *Lexer) errorf(pos Position, msg string) Token {
	return Token{Type: TokenError, Literal: msg, Pos: pos}
}

// NextToken returns the next token.
func (l *Lexer) NextToken() Token {
	if msg := l.skipWhitespaceAndComments(); msg != "" {
		return l.errorf(l.position(), msg)
	}

	pos := l.position()
	if l.atEOF() {
		return Token{Type: TokenEOF, Pos: pos}
	}

	ch := l.ch
	switch {
	case isLetter(ch):
		return l.readIdentifier(pos)
	case isDigit(ch), ch == '.' && isDigit(l.peekChar()):
		return l.readNumber(pos)
	case ch == '"' || ch == '\'':
		return l.readString(pos)
	}

	l.readChar()
	single := func(t TokenType) Token {
		return Token{Type: t, Literal: tokenNames[t], Pos: pos}
	}
	// pick returns then if the next byte is next, consuming it.
	pick := func(next byte, then, otherwise TokenType) Token {
		if l.ch == next {
			l.readChar()
			return single(then)
		}
		return single(otherwise)
	}

	switch ch {
	case '(':
		return single(TokenLParen)
	case ')':
		return single(TokenRParen)
	case '[':
		return single(TokenLBracket)
	case ']':
		return single(TokenRBracket)
	case '{':
		return single(TokenLBrace)
	case '}':
		return single(TokenRBrace)
	case ',':
		return single(TokenComma)
	case ';':
		return single(TokenSemicolon)
	case ':':
		return single(TokenColon)
	case '.':
		return single(TokenDot)
	case '?':
		return single(TokenQuestion)
	case '~':
		return single(TokenTilde)
	case '#':
		return single(TokenHash)
	case '^':
		return single(TokenCaret)
	case '=':
		return pick('=', TokenEq, TokenAssign)
	case '!':
		return pick('=', TokenNe, TokenBang)
	case '+':
		return pick('=', TokenAddAssign, TokenPlus)
	case '-':
		return pick('=', TokenSubAssign, TokenMinus)
	case '/':
		return pick('=', TokenDivAssign, TokenSlash)
	case '%':
		return pick('=', TokenModAssign, TokenPct)
	case '*':
		if l.ch == '*' {
			l.readChar()
			return single(TokenPow)
		}
		return pick('=', TokenMulAssign, TokenStar)
	case '|':
		return pick('|', TokenOrOr, TokenPipe)
	case '&':
		return pick('&', TokenAndAnd, TokenAmp)
	case '<':
		if l.ch == '<' {
			l.readChar()
			return single(TokenShl)
		}
		return pick('=', TokenLe, TokenLt)
	case '>':
		if l.ch == '>' {
			l.readChar()
			return pick('>', TokenUshr, TokenShr)
		}
		return pick('=', TokenGe, TokenGt)
	}
	return l.errorf(pos, "unexpected character "+quoteByte(ch))
}

// skipWhitespaceAndComments skips whitespace, // and /* */ comments. It
// returns a message for an unterminated block comment.
func (l *Lexer) skipWhitespaceAndComments() string {
	for {
		switch {
		case l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r':
			l.readChar()
		case l.ch == '/' && l.peekChar() == '/':
			for !l.atEOF() && l.ch != '\n' {
				l.readChar()
			}
		case l.ch == '/' && l.peekChar() == '*':
			l.readChar()
			l.readChar()
			for !(l.ch == '*' && l.peekChar() == '/') {
				if l.atEOF() {
					return "unterminated comment"
				}
				l.readChar()
			}
			l.readChar()
			l.readChar()
		default:
			return ""
		}
	}
}

// readIdentifier reads an identifier or reserved word.
func (l *Lexer) readIdentifier(pos Position) Token {
	start := l.pos
	for isLetter(l.ch) || isDigit(l.ch) {
		l.readChar()
	}
	literal := l.input[start:l.pos]
	if t, ok := reservedWords[literal]; ok {
		return Token{Type: t, Literal: literal, Pos: pos}
	}
	return Token{Type: TokenIdentifier, Literal: literal, Pos: pos}
}

// readNumber reads a numeric literal. Letters and digits glued to the
// number are included so malformed literals such as 12ab fail as a whole
// when parsed.
func (l *Lexer) readNumber(pos Position) Token {
	start := l.pos
	for isLetter(l.ch) || isDigit(l.ch) {
		l.readChar()
	}
	if l.ch == '.' && !strings.ContainsAny(l.input[start:l.pos], "xXbBoO") {
		l.readChar()
		for isLetter(l.ch) || isDigit(l.ch) {
			l.readChar()
		}
	}
	return Token{Type: TokenNumber, Literal: l.input[start:l.pos], Pos: pos}
}

// readString reads a quoted string literal and decodes its escapes.
func (l *Lexer) readString(pos Position) Token {
	quote := l.ch
	l.readChar() // consume opening quote

	var sb strings.Builder
	for l.ch != quote {
		if l.atEOF() || l.ch == '\n' {
			return l.errorf(pos, "unterminated string")
		}
		if l.ch != '\\' {
			sb.WriteByte(l.ch)
			l.readChar()
			continue
		}
		l.readChar() // consume backslash
		switch l.ch {
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		case '0':
			sb.WriteByte(0)
		case '\\', '"', '\'':
			sb.WriteByte(l.ch)
		case 'x':
			hi, lo := hexVal(l.peekChar()), -1
			if hi >= 0 {
				l.readChar()
				lo = hexVal(l.peekChar())
			}
			if lo < 0 {
				return l.errorf(l.position(), "invalid \\x escape")
			}
			l.readChar()
			sb.WriteByte(byte(hi<<4 | lo))
		default:
			if l.atEOF() {
				return l.errorf(pos, "unterminated string")
			}
			return l.errorf(l.position(), "invalid escape \\"+string(l.ch))
		}
		l.readChar()
	}
	l.readChar() // consume closing quote
	return Token{Type: TokenString, Literal: sb.String(), Pos: pos}
}

// Helper functions

func isLetter(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}
	return -1
}

func quoteByte(c byte) string {
	if c >= 0x20 && c < 0x7F {
		return "'" + string(c) + "'"
	}
	const hex = "0123456789abcdef"
	return "'\\x" + string(hex[c>>4]) + string(hex[c&15]) + "'"
}

// Tokenize returns all tokens from the input, ending with EOF or the first
// error.
func Tokenize(input string) []Token {
	l := NewLexer(input)
	var tokens []Token
	for {
		tok := l.NextToken()
		tokens = append(tokens, tok)
		if tok.Type == TokenEOF || tok.Type == TokenError {
			break
		}
	}
	return tokens
}
