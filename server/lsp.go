package server

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/sprout/bytecode"
	"github.com/chazu/sprout/compiler"
	"github.com/chazu/sprout/vm"

	_ "github.com/tliron/commonlog/simple"
)

const lspName = "sprout-lsp"

var log = commonlog.GetLogger("sprout.lsp")

// LspServer publishes compile diagnostics and answers completion, hover,
// definition and reference queries for open cart sources.
type LspServer struct {
	mu   sync.Mutex
	docs map[string]string // URI → full document content

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates a new LSP server.
func NewLSP() *LspServer {
	s := &LspServer{
		docs:    make(map[string]string),
		version: "0.1.0",
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion: s.textDocumentCompletion,
		TextDocumentHover:      s.textDocumentHover,
		TextDocumentDefinition: s.textDocumentDefinition,
		TextDocumentReferences: s.textDocumentReferences,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	commonlog.NewInfoMessage(0, "Sprout LSP initializing")

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: []string{"."},
	}

	capabilities.HoverProvider = true
	capabilities.DefinitionProvider = true
	capabilities.ReferencesProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	text := params.TextDocument.Text

	s.mu.Lock()
	s.docs[string(uri)] = text
	s.mu.Unlock()

	s.publishDiagnostics(ctx, uri, text)
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI

	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.mu.Lock()
			s.docs[string(uri)] = whole.Text
			s.mu.Unlock()

			s.publishDiagnostics(ctx, uri, whole.Text)
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	delete(s.docs, string(uri))
	s.mu.Unlock()

	// Clear diagnostics for the closed document
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

func (s *LspServer) document(uri protocol.DocumentUri) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.docs[string(uri)]
	return text, ok
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	prefix := extractPrefix(text, params.Position)
	if prefix == "" {
		return nil, nil
	}
	return complete(text, prefix), nil
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	return hover(text, word), nil
}

func (s *LspServer) textDocumentDefinition(ctx *glsp.Context, params *protocol.DefinitionParams) (any, error) {
	uri := params.TextDocument.URI
	text, ok := s.document(uri)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	if loc := definition(uri, text, word); loc != nil {
		return []protocol.Location{*loc}, nil
	}
	return nil, nil
}

func (s *LspServer) textDocumentReferences(ctx *glsp.Context, params *protocol.ReferenceParams) ([]protocol.Location, error) {
	uri := params.TextDocument.URI
	text, ok := s.document(uri)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	return references(uri, text, word), nil
}

// --- Source analysis ---

// declaration is a name introduced by the document: a function, a let
// binding or an assigned global.
type declaration struct {
	name string
	kind protocol.CompletionItemKind
	pos  compiler.Position
}

// declarations returns the first declaration of every name in text, in
// source order. Scanning stops at the first lexical error.
func declarations(text string) []declaration {
	toks := compiler.Tokenize(text)
	seen := make(map[string]bool)
	var decls []declaration
	add := func(tok compiler.Token, kind protocol.CompletionItemKind) {
		if tok.Type != compiler.TokenIdentifier || seen[tok.Literal] {
			return
		}
		seen[tok.Literal] = true
		decls = append(decls, declaration{name: tok.Literal, kind: kind, pos: tok.Pos})
	}
	for i := 0; i+1 < len(toks); i++ {
		switch toks[i].Type {
		case compiler.TokenFunction:
			add(toks[i+1], protocol.CompletionItemKindFunction)
		case compiler.TokenLet:
			add(toks[i+1], protocol.CompletionItemKindVariable)
		case compiler.TokenIdentifier:
			if toks[i+1].Type == compiler.TokenAssign && (i == 0 || toks[i-1].Type != compiler.TokenDot) {
				add(toks[i], protocol.CompletionItemKindVariable)
			}
		}
	}
	return decls
}

// maxCompletionItems bounds a completion response.
const maxCompletionItems = 100

func complete(text, prefix string) []protocol.CompletionItem {
	var items []protocol.CompletionItem
	seen := make(map[string]bool)
	item := func(label string, kind protocol.CompletionItemKind, detail string) {
		if seen[label] || label == prefix || !strings.HasPrefix(label, prefix) {
			return
		}
		seen[label] = true
		items = append(items, protocol.CompletionItem{
			Label:      label,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &label,
		})
	}

	for _, d := range declarations(text) {
		detail := "variable"
		if d.kind == protocol.CompletionItemKindFunction {
			detail = "function"
		}
		item(d.name, d.kind, detail)
	}
	for _, n := range vm.Natives() {
		item(n.Name, protocol.CompletionItemKindFunction, "native")
	}
	for _, w := range compiler.ReservedWords() {
		item(w, protocol.CompletionItemKindKeyword, "keyword")
	}

	if len(items) > maxCompletionItems {
		items = items[:maxCompletionItems]
	}
	return items
}

func hover(text, word string) *protocol.Hover {
	var b strings.Builder
	for _, n := range vm.Natives() {
		if n.Name == word {
			fmt.Fprintf(&b, "**%s** (native)\n\n%s", n.Name, arity(n.Min, n.Max))
		}
	}
	if b.Len() == 0 {
		// Compiling gives parameter counts for the document's functions.
		if proto, err := compiler.Compile("main", []byte(text)); err == nil {
			proto.Walk(func(p *bytecode.Proto) {
				if p.Name == word && b.Len() == 0 {
					fmt.Fprintf(&b, "**function %s**\n\n%s, defined on line %d", p.Name, arity(p.NumParams, p.NumParams), p.Line+1)
				}
			})
		}
	}
	if b.Len() == 0 {
		return nil
	}
	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: b.String(),
		},
	}
}

func arity(lo, hi int) string {
	switch {
	case hi < 0:
		return fmt.Sprintf("at least %d arguments", lo)
	case lo == hi && lo == 1:
		return "1 argument"
	case lo == hi:
		return fmt.Sprintf("%d arguments", lo)
	}
	return fmt.Sprintf("%d to %d arguments", lo, hi)
}

func definition(uri protocol.DocumentUri, text, word string) *protocol.Location {
	for _, d := range declarations(text) {
		if d.name == word {
			return &protocol.Location{URI: uri, Range: wordRange(d.pos, len(word))}
		}
	}
	return nil
}

func references(uri protocol.DocumentUri, text, word string) []protocol.Location {
	var locations []protocol.Location
	for _, tok := range compiler.Tokenize(text) {
		if tok.Type == compiler.TokenIdentifier && tok.Literal == word {
			locations = append(locations, protocol.Location{URI: uri, Range: wordRange(tok.Pos, len(word))})
		}
	}
	return locations
}

func wordRange(pos compiler.Position, n int) protocol.Range {
	return protocol.Range{
		Start: protocol.Position{Line: protocol.UInteger(pos.Line), Character: protocol.UInteger(pos.Column)},
		End:   protocol.Position{Line: protocol.UInteger(pos.Line), Character: protocol.UInteger(pos.Column + n)},
	}
}

// --- Diagnostics ---

// diagnostics compiles text and reports its compile error, if any.
func diagnostics(text string) []protocol.Diagnostic {
	_, err := compiler.Compile("main", []byte(text))
	if err == nil {
		return nil
	}
	var cerr *compiler.Error
	if !errors.As(err, &cerr) {
		log.Errorf("compile: %s", err)
		return nil
	}
	severity := protocol.DiagnosticSeverityError
	source := lspName
	return []protocol.Diagnostic{{
		Range:    wordRange(compiler.Position{Line: cerr.Line, Column: cerr.Column}, 1),
		Severity: &severity,
		Source:   &source,
		Message:  cerr.Msg,
	}}
}

func (s *LspServer) publishDiagnostics(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	diags := diagnostics(text)
	if diags == nil {
		diags = []protocol.Diagnostic{}
	}
	log.Debugf("%s: %d diagnostics", uri, len(diags))
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diags,
	})
}

// --- Text extraction helpers ---

func isWordChar(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_'
}

// extractPrefix returns the word fragment before the cursor for completion.
func extractPrefix(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := min(int(pos.Character), len(line))

	// Walk backwards from cursor to find the start of the identifier
	start := col
	for start > 0 && isWordChar(rune(line[start-1])) {
		start--
	}
	return line[start:col]
}

// extractWord returns the full identifier under the cursor.
func extractWord(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := min(int(pos.Character), len(line))

	start := col
	for start > 0 && isWordChar(rune(line[start-1])) {
		start--
	}
	end := col
	for end < len(line) && isWordChar(rune(line[end])) {
		end++
	}
	return line[start:end]
}

func boolPtr(b bool) *bool {
	return &b
}
