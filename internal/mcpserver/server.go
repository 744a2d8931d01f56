// Package mcpserver provides an MCP (Model Context Protocol) server that
// exposes the open document to LLM clients via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/speedynote/internal/docservice"
	"github.com/starford/speedynote/internal/models"
	"github.com/starford/speedynote/internal/parser"
	"github.com/starford/speedynote/internal/pdfbind"
	"github.com/starford/speedynote/internal/viewport"
)

// NoteFormatURI is the resource holding NoteFormatContract.
const NoteFormatURI = "speedynote://note-format"

// Server wraps the MCP server with document tools.
type Server struct {
	mcp *server.MCPServer
	svc *docservice.Service
}

// New creates a new MCP server with all document tools registered.
func New(svc *docservice.Service, version string) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"SpeedyNote",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("describe_document",
		mcp.WithDescription("Summarize the open document: kind, pages or tiles, PDF binding state and undo availability."),
	), s.describeDocument)

	s.mcp.AddTool(mcp.NewTool("list_layers",
		mcp.WithDescription("List the layers of a page or tile with their stroke and object counts."),
		mcp.WithString("surface", mcp.Required(), mcp.Description(`Surface reference, "page:<index>" or "tile:<x>_<y>"`)),
	), s.listLayers)

	s.mcp.AddTool(mcp.NewTool("search_notes",
		mcp.WithDescription("Full-text search through note titles and bodies."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
		mcp.WithString("surface", mcp.Description(`Optional surface reference, "page:<index>" or "tile:<x>_<y>"`)),
		mcp.WithString("tag", mcp.Description("Optional inline tag without the #")),
	), s.searchNotes)

	s.mcp.AddTool(mcp.NewTool("list_notes",
		mcp.WithDescription("List the notes of the document, or of one surface."),
		mcp.WithString("surface", mcp.Description("Optional surface reference to filter by")),
	), s.listNotes)

	s.mcp.AddTool(mcp.NewTool("read_note",
		mcp.WithDescription("Read a note as its stored Markdown file, frontmatter included."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note id")),
	), s.readNote)

	s.mcp.AddTool(mcp.NewTool("add_note",
		mcp.WithDescription("Anchor a new Markdown note on a surface. "+
			"The body follows the note format contract ([[wikilinks]], #tags). Read the contract first via "+
			"the get_note_contract tool or the "+NoteFormatURI+" resource."),
		mcp.WithString("surface", mcp.Required(), mcp.Description(`Surface reference, "page:<index>" or "tile:<x>_<y>"`)),
		mcp.WithNumber("x", mcp.Description("Anchor x in surface coordinates")),
		mcp.WithNumber("y", mcp.Description("Anchor y in surface coordinates")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Note title")),
		mcp.WithString("body", mcp.Description("Markdown body")),
	), s.addNote)

	s.mcp.AddTool(mcp.NewTool("update_note",
		mcp.WithDescription("Replace the title and body of a note. Pass the checksum from read_note or add_note to refuse stale writes."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note id")),
		mcp.WithString("title", mcp.Required(), mcp.Description("New title")),
		mcp.WithString("body", mcp.Description("New Markdown body")),
		mcp.WithString("checksum", mcp.Description("Expected current checksum")),
	), s.updateNote)

	s.mcp.AddTool(mcp.NewTool("get_backlinks",
		mcp.WithDescription("Find all notes that link to the given note."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note id or wikilink target")),
	), s.getBacklinks)

	s.mcp.AddTool(mcp.NewTool("undo",
		mcp.WithDescription("Undo the last edit."),
	), s.undo)

	s.mcp.AddTool(mcp.NewTool("redo",
		mcp.WithDescription("Redo the last undone edit."),
	), s.redo)

	s.mcp.AddTool(mcp.NewTool("save",
		mcp.WithDescription("Write unsaved pages, tiles and notes to the bundle."),
	), s.save)

	s.mcp.AddTool(mcp.NewTool("export_pdf",
		mcp.WithDescription("Export a flattened PDF to a local path."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Output file path")),
		mcp.WithString("range", mcp.Description(`1-based page range such as "1-3,5"; empty for all`)),
		mcp.WithString("preset", mcp.Description(`DPI preset: "screen" (96), "draft" (150) or "print" (300)`)),
		mcp.WithNumber("dpi", mcp.Description("Raster resolution overriding the preset")),
	), s.exportPDF)

	s.mcp.AddTool(mcp.NewTool("link_pdf",
		mcp.WithDescription("Link or relink the backing PDF. If the file differs from the one recorded, "+
			"the call fails and describes both files; call again with a decision."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Local PDF path")),
		mcp.WithString("decision", mcp.Enum("use_selected", "choose_different", "cancel"),
			mcp.Description("Answer to a fingerprint mismatch")),
		mcp.WithString("alternate", mcp.Description("File to try instead, with choose_different")),
	), s.linkPDF)

	s.mcp.AddTool(mcp.NewTool("upload_asset",
		mcp.WithDescription("Place a png, jpeg, gif or webp image on a surface from an http(s) URL or a base64 data URI."),
		mcp.WithString("url", mcp.Required(), mcp.Description("http(s) URL or data: URI")),
		mcp.WithString("filename", mcp.Description("Optional file name; derived from the URL when empty")),
		mcp.WithString("surface", mcp.Required(), mcp.Description(`Surface reference, "page:<index>" or "tile:<x>_<y>"`)),
		mcp.WithNumber("x", mcp.Required(), mcp.Description("Left edge")),
		mcp.WithNumber("y", mcp.Required(), mcp.Description("Top edge")),
		mcp.WithNumber("w", mcp.Required(), mcp.Description("Width")),
		mcp.WithNumber("h", mcp.Required(), mcp.Description("Height")),
	), s.uploadAsset)

	s.mcp.AddTool(mcp.NewTool("get_note_contract",
		mcp.WithDescription("Returns the note format contract. "+
			"Call this before creating or updating notes to ensure correct structure."),
	), s.getNoteContract)

	s.mcp.AddResource(
		mcp.NewResource(NoteFormatURI, "Note Format Contract",
			mcp.WithResourceDescription("Markdown note format used for notes anchored in documents."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readNoteFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) *mcp.CallToolResult {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(out))
}

func surfaceArg(req mcp.CallToolRequest) (models.Ref, error) {
	raw, err := req.RequireString("surface")
	if err != nil {
		return models.Ref{}, err
	}
	return models.ParseRef(raw)
}

func (s *Server) describeDocument(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info, err := s.svc.Describe(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(info), nil
}

func (s *Server) listLayers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := surfaceArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ls, err := s.svc.Layers(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(ls), nil
}

func (s *Server) searchNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	q := docservice.SearchQuery{Text: query, Tag: req.GetString("tag", "")}
	if raw := req.GetString("surface", ""); raw != "" {
		ref, err := models.ParseRef(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		q.Surface = &ref
	}
	results, err := s.svc.Search(ctx, q)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(results), nil
}

func (s *Server) listNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var filter *models.Ref
	if raw := req.GetString("surface", ""); raw != "" {
		ref, err := models.ParseRef(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		filter = &ref
	}
	notes, err := s.svc.Notes(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	lines := make([]string, len(notes))
	for i, n := range notes {
		lines[i] = fmt.Sprintf("%s\t%s\t%s", n.ID, n.Surface, n.Title)
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) readNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := s.svc.GetNote(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	}
	data, err := parser.Format(n.MarkdownNote)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) addNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := surfaceArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	pos := models.Vec{X: req.GetFloat("x", 0), Y: req.GetFloat("y", 0)}
	n, err := s.svc.CreateNote(ctx, ref, pos, title, req.GetString("body", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(n), nil
}

func (s *Server) updateNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := s.svc.UpdateNote(ctx, id, title, req.GetString("body", ""), req.GetString("checksum", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(n), nil
}

func (s *Server) getBacklinks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	bl, err := s.svc.Backlinks(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(bl) == 0 {
		return mcp.NewToolResultText("no backlinks found"), nil
	}
	return mcp.NewToolResultText(strings.Join(bl, "\n")), nil
}

func (s *Server) undo(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	label, err := s.svc.Undo(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("undone: " + label), nil
}

func (s *Server) redo(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	label, err := s.svc.Redo(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("redone: " + label), nil
}

func (s *Server) save(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.svc.Save(ctx); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("saved"), nil
}

func (s *Server) exportPDF(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	er := viewport.ExportRequest{
		Range:  req.GetString("range", ""),
		Preset: req.GetString("preset", ""),
		DPI:    req.GetFloat("dpi", 0),
	}
	if err := s.svc.Export(ctx, out, er); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("exported: " + out), nil
}

func (s *Server) linkPDF(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var decision *pdfbind.Decision
	if name := req.GetString("decision", ""); name != "" {
		o, err := pdfbind.ParseOutcome(name)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		decision = &pdfbind.Decision{Outcome: o, Path: req.GetString("alternate", "")}
		if o == pdfbind.ChooseDifferent && decision.Path == "" {
			return mcp.NewToolResultError("choose_different needs an alternate path"), nil
		}
	}
	res, err := s.svc.LinkPDF(ctx, path, decision)
	if err != nil {
		if res != nil && res.Mismatch != nil {
			m := res.Mismatch
			return mcp.NewToolResultError(fmt.Sprintf(
				"%v: recorded %s (%d bytes, sha256 %s), selected %s (%d bytes, sha256 %s)",
				err, m.Recorded.Path, m.Recorded.Size, m.Recorded.SHA256,
				m.Selected.Path, m.Selected.Size, m.Selected.SHA256)), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res), nil
}

func (s *Server) getNoteContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(NoteFormatContract), nil
}

func (s *Server) readNoteFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      NoteFormatURI,
			MIMEType: "text/markdown",
			Text:     NoteFormatContract,
		},
	}, nil
}
