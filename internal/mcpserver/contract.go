package mcpserver

// NoteFormatContract describes the Markdown notes anchored in a document
// and how LLM consumers should write their bodies.
const NoteFormatContract = `# SpeedyNote Note Format Contract

Notes are Markdown files stored inside the document bundle. Each note is
anchored to a point on a page or an edgeless tile and shows up there as a
link marker. Create notes with the ` + "`" + `add_note` + "`" + ` tool; the engine writes the
frontmatter itself.

## Stored file

` + "```" + `markdown
---
id: 5f0c...                 # note id, stable for the note's lifetime
title: Human-readable title # search and marker label
page: 9b1e...               # anchor page id (paged documents)
tile: 2_-1                  # anchor tile key (edgeless documents)
x: 120                      # anchor position in surface coordinates
"y": 80
object: 77aa...             # marker object on the anchor layer
tags:                       # optional, merged with inline #tags
  - reading
created: 2025-01-15T09:30:00Z
updated: 2025-01-15T09:30:00Z
---

Body text in standard Markdown.
` + "```" + `

## Body rules

1. **Title** is required when adding a note. Without one the first ` + "`" + `# heading` + "`" + `
   of the body is used.
2. **Wikilinks** use double brackets: ` + "`" + `[[other-note-id]]` + "`" + `. The target is the
   id of another note. Use ` + "`" + `[[target|alias]]` + "`" + ` for display text.
3. **Tags** are written inline as ` + "`" + `#tag` + "`" + ` (letters, digits, ` + "`" + `_` + "`" + `, ` + "`" + `-` + "`" + `, ` + "`" + `/` + "`" + `).
4. **Encoding** is UTF-8. Do not write frontmatter into the body.
5. **Updates** replace title and body only; the anchor never moves. Pass the
   ` + "`" + `checksum` + "`" + ` returned by ` + "`" + `add_note` + "`" + ` or ` + "`" + `read_note` + "`" + ` to refuse stale writes.
6. **Saving** is explicit: edits stay in memory until ` + "`" + `save` + "`" + ` runs.

## Images

- Place images with the ` + "`" + `upload_asset` + "`" + ` tool. It stores the blob in the bundle
  and puts an image object on the given surface.
- Supported formats: png, jpeg, gif, webp. The content decides the stored extension.

## Example

` + "```" + `markdown
# Chapter 3 questions

Compare with [[a41c2e]] on page 12. #exam #reading/ch3

- Why does the proof need compactness?
` + "```" + `
`
