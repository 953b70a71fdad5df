package compiler

import (
	"fmt"
	"maps"
	"slices"
)

// ---------------------------------------------------------------------------
// Token types
// ---------------------------------------------------------------------------

// TokenType represents the type of a token.
type TokenType int

const (
	// Special tokens
	TokenEOF TokenType = iota
	TokenError

	// Literals
	TokenNumber     // 42, 1.5, 0xFF, 0b101, 017
	TokenString     // "hello", 'hello'
	TokenIdentifier // foo, _bar

	// Reserved words
	TokenLet
	TokenFunction
	TokenIf
	TokenElse
	TokenWhile
	TokenDo
	TokenFor
	TokenIn
	TokenSwitch
	TokenCase
	TokenDefault
	TokenBreak
	TokenContinue
	TokenReturn
	TokenTrue
	TokenFalse
	TokenNull
	TokenUndefined
	TokenThis

	// Delimiters
	TokenLParen    // (
	TokenRParen    // )
	TokenLBracket  // [
	TokenRBracket  // ]
	TokenLBrace    // {
	TokenRBrace    // }
	TokenComma     // ,
	TokenSemicolon // ;
	TokenColon     // :
	TokenDot       // .
	TokenQuestion  // ?

	// Assignment
	TokenAssign    // =
	TokenAddAssign // +=
	TokenSubAssign // -=
	TokenMulAssign // *=
	TokenDivAssign // /=
	TokenModAssign // %=

	// Operators
	TokenOrOr   // ||
	TokenAndAnd // &&
	TokenEq     // ==
	TokenNe     // !=
	TokenLt     // <
	TokenLe     // <=
	TokenGt     // >
	TokenGe     // >=
	TokenPipe   // |
	TokenCaret  // ^
	TokenAmp    // &
	TokenShl    // <<
	TokenShr    // >>
	TokenUshr   // >>>
	TokenPlus   // +
	TokenMinus  // -
	TokenStar   // *
	TokenSlash  // /
	TokenPct    // %
	TokenPow    // **
	TokenBang   // !
	TokenTilde  // ~
	TokenHash   // #
)

var tokenNames = map[TokenType]string{
	TokenEOF:        "end of file",
	TokenError:      "ERROR",
	TokenNumber:     "number",
	TokenString:     "string",
	TokenIdentifier: "identifier",
	TokenLet:        "let",
	TokenFunction:   "function",
	TokenIf:         "if",
	TokenElse:       "else",
	TokenWhile:      "while",
	TokenDo:         "do",
	TokenFor:        "for",
	TokenIn:         "in",
	TokenSwitch:     "switch",
	TokenCase:       "case",
	TokenDefault:    "default",
	TokenBreak:      "break",
	TokenContinue:   "continue",
	TokenReturn:     "return",
	TokenTrue:       "true",
	TokenFalse:      "false",
	TokenNull:       "null",
	TokenUndefined:  "undefined",
	TokenThis:       "this",
	TokenLParen:     "(",
	TokenRParen:     ")",
	TokenLBracket:   "[",
	TokenRBracket:   "]",
	TokenLBrace:     "{",
	TokenRBrace:     "}",
	TokenComma:      ",",
	TokenSemicolon:  ";",
	TokenColon:      ":",
	TokenDot:        ".",
	TokenQuestion:   "?",
	TokenAssign:     "=",
	TokenAddAssign:  "+=",
	TokenSubAssign:  "-=",
	TokenMulAssign:  "*=",
	TokenDivAssign:  "/=",
	TokenModAssign:  "%=",
	TokenOrOr:       "||",
	TokenAndAnd:     "&&",
	TokenEq:         "==",
	TokenNe:         "!=",
	TokenLt:         "<",
	TokenLe:         "<=",
	TokenGt:         ">",
	TokenGe:         ">=",
	TokenPipe:       "|",
	TokenCaret:      "^",
	TokenAmp:        "&",
	TokenShl:        "<<",
	TokenShr:        ">>",
	TokenUshr:       ">>>",
	TokenPlus:       "+",
	TokenMinus:      "-",
	TokenStar:       "*",
	TokenSlash:      "/",
	TokenPct:        "%",
	TokenPow:        "**",
	TokenBang:       "!",
	TokenTilde:      "~",
	TokenHash:       "#",
}

func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Token(%d)", t)
}

// Position is a location in the source. Line and Column are 0-based.
type Position struct {
	Offset int
	Line   int
	Column int
}

// Token represents a lexical token.
type Token struct {
	Type    TokenType
	Literal string // raw text; decoded contents for strings, message for errors
	Pos     Position
}

func (t Token) String() string {
	switch t.Type {
	case TokenEOF:
		return "EOF"
	case TokenError:
		return fmt.Sprintf("ERROR(%s)", t.Literal)
	}
	if len(t.Literal) > 20 {
		return fmt.Sprintf("%s(%q...)", t.Type, t.Literal[:20])
	}
	return fmt.Sprintf("%s(%q)", t.Type, t.Literal)
}

// Reserved words mapped to their token types.
var reservedWords = map[string]TokenType{
	"let":       TokenLet,
	"function":  TokenFunction,
	"if":        TokenIf,
	"else":      TokenElse,
	"while":     TokenWhile,
	"do":        TokenDo,
	"for":       TokenFor,
	"in":        TokenIn,
	"switch":    TokenSwitch,
	"case":      TokenCase,
	"default":   TokenDefault,
	"break":     TokenBreak,
	"continue":  TokenContinue,
	"return":    TokenReturn,
	"true":      TokenTrue,
	"false":     TokenFalse,
	"null":      TokenNull,
	"undefined": TokenUndefined,
	"this":      TokenThis,
}

// ReservedWords returns the reserved words in sorted order.
func ReservedWords() []string {
	return slices.Sorted(maps.Keys(reservedWords))
}
