// Package pdfbind ties a paged document to its backing PDF file. It records
// the file's fingerprint at link time, refuses to swap files silently,
// renders backing pages for the viewport and writes flattened exports.
package pdfbind

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"seehuhn.de/go/pdf"
	"seehuhn.de/go/pdf/pagetree"

	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/checksum"
	"github.com/starford/speedynote/internal/models"
)

// Info describes the pages of a PDF file.
type Info struct {
	Pages []models.Size
}

// Fingerprint returns the identity of the file at path.
func Fingerprint(path string) (models.PDFSource, error) {
	sum, size, err := checksum.File(path)
	if errors.Is(err, fs.ErrNotExist) {
		return models.PDFSource{}, fmt.Errorf("pdfbind: %s: %w", path, apperr.ErrMissingFile)
	}
	if err != nil {
		return models.PDFSource{}, fmt.Errorf("pdfbind: fingerprint %s: %w", path, err)
	}
	return models.PDFSource{Path: path, SHA256: sum, Size: size}, nil
}

// Inspect opens path and reads its page sizes. Files that are not PDFs are
// rejected with ErrNotPDF and encrypted files with ErrPasswordProtected.
func Inspect(path string) (Info, error) {
	r, err := open(path)
	if err != nil {
		return Info{}, err
	}
	defer r.Close()

	n, err := pagetree.NumPages(r)
	if err != nil {
		return Info{}, fmt.Errorf("pdfbind: %s: page tree: %v: %w", path, err, apperr.ErrNotPDF)
	}
	if n == 0 {
		return Info{}, fmt.Errorf("pdfbind: %s has no pages: %w", path, apperr.ErrFormatInvalid)
	}
	info := Info{Pages: make([]models.Size, 0, n)}
	for i := 0; i < n; i++ {
		_, dict, err := pagetree.GetPage(r, i)
		if err != nil {
			return Info{}, fmt.Errorf("pdfbind: %s: page %d: %v: %w", path, i, err, apperr.ErrFormatInvalid)
		}
		box, err := pageBox(r, dict)
		if err != nil {
			return Info{}, fmt.Errorf("pdfbind: %s: page %d: %w", path, i, err)
		}
		size := models.Size{Width: box.W, Height: box.H}
		if rot, _ := pdf.GetInt(r, dict["Rotate"]); rot%180 != 0 {
			size.Width, size.Height = size.Height, size.Width
		}
		info.Pages = append(info.Pages, size)
	}
	return info, nil
}

var pdfMagic = []byte("%PDF-")

// open checks the file header and opens the reader without ever prompting
// for a password.
func open(path string) (*pdf.Reader, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("pdfbind: %s: %w", path, apperr.ErrMissingFile)
	}
	if err != nil {
		return nil, fmt.Errorf("pdfbind: open %s: %w", path, err)
	}
	head := make([]byte, 1024)
	n, _ := io.ReadFull(f, head)
	f.Close()
	if !bytes.Contains(head[:n], pdfMagic) {
		return nil, fmt.Errorf("pdfbind: %s: %w", path, apperr.ErrNotPDF)
	}

	locked := false
	opt := &pdf.ReaderOptions{
		ReadPassword: func([]byte, int) string {
			locked = true
			return ""
		},
	}
	r, err := pdf.Open(path, opt)
	if err == nil {
		err = checkReadable(r)
	}
	var authErr *pdf.AuthenticationError
	switch {
	case locked || errors.As(err, &authErr):
		if r != nil {
			r.Close()
		}
		return nil, fmt.Errorf("pdfbind: %s: %w", path, apperr.ErrPasswordProtected)
	case err != nil:
		if r != nil {
			r.Close()
		}
		return nil, fmt.Errorf("pdfbind: %s: %v: %w", path, err, apperr.ErrNotPDF)
	}
	return r, nil
}

// checkReadable reads the first content stream. Encrypted files only ask for a
// password once an encrypted stream is decoded.
func checkReadable(r *pdf.Reader) error {
	n, err := pagetree.NumPages(r)
	if err != nil || n == 0 {
		return err
	}
	_, dict, err := pagetree.GetPage(r, 0)
	if err != nil {
		return err
	}
	stm, err := pagetree.ContentStream(r, dict)
	if err != nil {
		return err
	}
	_, err = io.Copy(io.Discard, stm)
	return err
}

// pageBox returns the visible region of a page: its crop box, falling back
// to the media box.
func pageBox(r pdf.Getter, dict pdf.Dict) (models.Rect, error) {
	obj := dict["CropBox"]
	if obj == nil {
		obj = dict["MediaBox"]
	}
	rect, err := pdf.GetRectangle(r, obj)
	if err != nil {
		return models.Rect{}, fmt.Errorf("page box: %v: %w", err, apperr.ErrFormatInvalid)
	}
	if rect == nil || rect.URx <= rect.LLx || rect.URy <= rect.LLy {
		return models.Rect{}, fmt.Errorf("page box missing: %w", apperr.ErrFormatInvalid)
	}
	return models.Rect{X: rect.LLx, Y: rect.LLy, W: rect.URx - rect.LLx, H: rect.URy - rect.LLy}, nil
}
